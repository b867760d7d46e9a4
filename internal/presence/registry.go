package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrEntityNotFound is returned when an operation names an unknown entity
// or session.
var ErrEntityNotFound = errors.New("presence: entity not found")

// ChangeFunc receives a presence snapshot and the status it changed to.
// Callbacks run outside the registry lock and may call back in.
type ChangeFunc func(info Info, change Status)

// Config carries the three timers driving the stale detector.
type Config struct {
	// CleanupInterval is how often the stale detector sweeps.
	CleanupInterval time.Duration

	// StaleTimeout forces entities unseen for this long to offline.
	StaleTimeout time.Duration

	// SessionTimeout removes sessions idle for this long.
	SessionTimeout time.Duration
}

// DefaultConfig returns the production timer values.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 30 * time.Second,
		StaleTimeout:    120 * time.Second,
		SessionTimeout:  60 * time.Second,
	}
}

// Stats is the registry snapshot for the stats surfaces.
type Stats struct {
	TotalEntities  int            `json:"total_entities"`
	Online         int            `json:"online"`
	ByType         map[string]int `json:"by_type"`
	ByStatus       map[string]int `json:"by_status"`
	ActiveSessions int            `json:"active_sessions"`
	Watchers       int            `json:"watchers"`
}

type watcher struct {
	id string
	fn ChangeFunc
}

// pendingChange is a notification collected under the lock and fired after
// it is released. The watcher set is snapshotted at mutation time.
type pendingChange struct {
	info    Info
	change  Status
	targets []ChangeFunc
}

// Registry owns the entity and session maps.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	entities  map[string]*Info
	sessions  map[string]*Session
	byEntity  map[string]map[string]struct{} // entity id -> session ids
	global    []watcher
	perEntity map[string][]watcher
	subIndex  map[string]string // subscription id -> entity id ("" = global)
}

// New returns an empty registry. Zero config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		entities:  make(map[string]*Info),
		sessions:  make(map[string]*Session),
		byEntity:  make(map[string]map[string]struct{}),
		perEntity: make(map[string][]watcher),
		subIndex:  make(map[string]string),
	}
}

// Start runs the stale detector until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Register creates or refreshes an entity's presence and reports the
// resulting snapshot. Subscribers are notified with the new status.
func (r *Registry) Register(entityID string, et EntityType, status Status, caps []Capability, metadata map[string]any) Info {
	if !status.Valid() {
		status = StatusOnline
	}
	now := time.Now()

	r.mu.Lock()
	info, exists := r.entities[entityID]
	if !exists {
		info = &Info{
			EntityID:    entityID,
			EntityType:  et,
			ConnectedAt: now,
		}
		r.entities[entityID] = info
	}
	info.Status = status
	info.LastSeen = now
	if caps != nil {
		info.Capabilities = append([]Capability(nil), caps...)
	}
	if metadata != nil {
		info.Metadata = cloneMetadata(metadata)
	}
	snapshot := cloneInfo(info)
	pending := r.collect(snapshot, status)
	r.mu.Unlock()

	r.fire(pending)
	r.logger.Debug("presence registered",
		zap.String("entity_id", entityID),
		zap.String("entity_type", string(et)),
		zap.String("status", string(status)))
	return snapshot
}

// Update mutates an existing entity. Subscribers are notified only when
// the status actually changed.
func (r *Registry) Update(entityID string, status Status, message, activity string) (Info, error) {
	if !status.Valid() {
		return Info{}, errors.New("presence: invalid status")
	}

	r.mu.Lock()
	info, ok := r.entities[entityID]
	if !ok {
		r.mu.Unlock()
		return Info{}, ErrEntityNotFound
	}
	changed := info.Status != status
	info.Status = status
	info.LastSeen = time.Now()
	if message != "" {
		info.StatusMessage = message
	}
	if activity != "" {
		info.CurrentActivity = activity
	}
	snapshot := cloneInfo(info)
	var pending []pendingChange
	if changed {
		pending = r.collect(snapshot, status)
	}
	r.mu.Unlock()

	r.fire(pending)
	return snapshot, nil
}

// Remove forces an entity offline and deletes it along with all of its
// sessions. Reports whether the entity existed.
func (r *Registry) Remove(entityID, reason string) bool {
	r.mu.Lock()
	info, ok := r.entities[entityID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	info.Status = StatusOffline
	snapshot := cloneInfo(info)
	delete(r.entities, entityID)
	for sid := range r.byEntity[entityID] {
		delete(r.sessions, sid)
	}
	delete(r.byEntity, entityID)
	pending := r.collect(snapshot, StatusOffline)
	r.mu.Unlock()

	r.fire(pending)
	r.logger.Debug("presence removed",
		zap.String("entity_id", entityID),
		zap.String("reason", reason))
	return true
}

// Touch refreshes an entity's last-seen without any other change.
func (r *Registry) Touch(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entities[entityID]
	if !ok {
		return false
	}
	info.LastSeen = time.Now()
	return true
}

// Get returns a snapshot of one entity.
func (r *Registry) Get(entityID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entities[entityID]
	if !ok {
		return Info{}, false
	}
	return cloneInfo(info), true
}

// List returns snapshots filtered by type and status; empty filters match
// everything. Results are ordered by entity id for stable output.
func (r *Registry) List(et EntityType, status Status) []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entities))
	for _, info := range r.entities {
		if et != "" && info.EntityType != et {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, cloneInfo(info))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// CreateSession opens a session binding entityID to a connection.
func (r *Registry) CreateSession(entityID string, et EntityType, connectionID string, metadata map[string]any) Session {
	now := time.Now()
	sess := &Session{
		ID:           newSessionID(),
		EntityID:     entityID,
		EntityType:   et,
		ConnectionID: connectionID,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     cloneMetadata(metadata),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	set, ok := r.byEntity[entityID]
	if !ok {
		set = make(map[string]struct{})
		r.byEntity[entityID] = set
	}
	set[sess.ID] = struct{}{}
	snapshot := cloneSession(sess)
	r.mu.Unlock()

	r.logger.Debug("session created",
		zap.String("session_id", sess.ID),
		zap.String("entity_id", entityID),
		zap.String("connection_id", connectionID))
	return snapshot
}

// AuthenticateSession marks the session authenticated and attaches the
// token's permission set.
func (r *Registry) AuthenticateSession(sessionID string, permissions []string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrEntityNotFound
	}
	sess.Authenticated = true
	sess.Permissions = append([]string(nil), permissions...)
	sess.LastActivity = time.Now()
	return cloneSession(sess), nil
}

// RemoveSession deletes a session. When it was the entity's last session,
// the entity transitions to offline and subscribers are notified.
func (r *Registry) RemoveSession(sessionID, reason string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	var pending []pendingChange
	if set, ok := r.byEntity[sess.EntityID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byEntity, sess.EntityID)
			if info, ok := r.entities[sess.EntityID]; ok && info.Status != StatusOffline {
				info.Status = StatusOffline
				pending = r.collect(cloneInfo(info), StatusOffline)
			}
		}
	}
	r.mu.Unlock()

	r.fire(pending)
	r.logger.Debug("session removed",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return true
}

// GetSession returns a snapshot of one session.
func (r *Registry) GetSession(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return cloneSession(sess), true
}

// SessionsForEntity returns snapshots of every session an entity holds.
func (r *Registry) SessionsForEntity(entityID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byEntity[entityID]))
	for sid := range r.byEntity[entityID] {
		if sess, ok := r.sessions[sid]; ok {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TouchSession refreshes a session's activity clock and the owning
// entity's last-seen.
func (r *Registry) TouchSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	now := time.Now()
	sess.LastActivity = now
	if info, ok := r.entities[sess.EntityID]; ok {
		info.LastSeen = now
	}
	return true
}

// AddSubscription records a channel subscription on the session for
// introspection. The router owns delivery; this is bookkeeping.
func (r *Registry) AddSubscription(sessionID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for _, c := range sess.Subscriptions {
		if c == channel {
			return true
		}
	}
	sess.Subscriptions = append(sess.Subscriptions, channel)
	return true
}

// RemoveSubscription drops a channel subscription from the session.
func (r *Registry) RemoveSubscription(sessionID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for i, c := range sess.Subscriptions {
		if c == channel {
			sess.Subscriptions = append(sess.Subscriptions[:i], sess.Subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe watches one entity's status changes.
func (r *Registry) Subscribe(entityID string, fn ChangeFunc) string {
	id := newSubscriptionID()
	r.mu.Lock()
	r.perEntity[entityID] = append(r.perEntity[entityID], watcher{id: id, fn: fn})
	r.subIndex[id] = entityID
	r.mu.Unlock()
	return id
}

// SubscribeAll watches every status change.
func (r *Registry) SubscribeAll(fn ChangeFunc) string {
	id := newSubscriptionID()
	r.mu.Lock()
	r.global = append(r.global, watcher{id: id, fn: fn})
	r.subIndex[id] = ""
	r.mu.Unlock()
	return id
}

// Unsubscribe removes a watcher by subscription id.
func (r *Registry) Unsubscribe(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entityID, ok := r.subIndex[subscriptionID]
	if !ok {
		return false
	}
	delete(r.subIndex, subscriptionID)
	if entityID == "" {
		r.global = removeWatcher(r.global, subscriptionID)
		return true
	}
	r.perEntity[entityID] = removeWatcher(r.perEntity[entityID], subscriptionID)
	if len(r.perEntity[entityID]) == 0 {
		delete(r.perEntity, entityID)
	}
	return true
}

// Stats returns a snapshot of registry counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TotalEntities:  len(r.entities),
		ByType:         make(map[string]int),
		ByStatus:       make(map[string]int),
		ActiveSessions: len(r.sessions),
		Watchers:       len(r.subIndex),
	}
	for _, info := range r.entities {
		s.ByType[string(info.EntityType)]++
		s.ByStatus[string(info.Status)]++
		if info.Status == StatusOnline {
			s.Online++
		}
	}
	return s
}

// sweep is one stale-detector pass: stale entities go offline, idle
// sessions are removed (cascading to offline when they were the last).
func (r *Registry) sweep() {
	now := time.Now()
	var pending []pendingChange

	r.mu.Lock()
	for _, info := range r.entities {
		if info.Status == StatusOffline {
			continue
		}
		if now.Sub(info.LastSeen) > r.cfg.StaleTimeout {
			info.Status = StatusOffline
			pending = append(pending, r.collect(cloneInfo(info), StatusOffline)...)
		}
	}
	var idle []string
	for sid, sess := range r.sessions {
		if now.Sub(sess.LastActivity) > r.cfg.SessionTimeout {
			idle = append(idle, sid)
		}
	}
	for _, sid := range idle {
		sess := r.sessions[sid]
		delete(r.sessions, sid)
		if set, ok := r.byEntity[sess.EntityID]; ok {
			delete(set, sid)
			if len(set) == 0 {
				delete(r.byEntity, sess.EntityID)
				if info, ok := r.entities[sess.EntityID]; ok && info.Status != StatusOffline {
					info.Status = StatusOffline
					pending = append(pending, r.collect(cloneInfo(info), StatusOffline)...)
				}
			}
		}
	}
	r.mu.Unlock()

	r.fire(pending)
	if len(idle) > 0 || len(pending) > 0 {
		r.logger.Debug("stale sweep",
			zap.Int("sessions_removed", len(idle)),
			zap.Int("notifications", len(pending)))
	}
}

// collect snapshots the watchers for one change. Caller holds the lock;
// the returned slice is fired after release.
func (r *Registry) collect(info Info, change Status) []pendingChange {
	n := len(r.global) + len(r.perEntity[info.EntityID])
	if n == 0 {
		return nil
	}
	targets := make([]ChangeFunc, 0, n)
	for _, w := range r.global {
		targets = append(targets, w.fn)
	}
	for _, w := range r.perEntity[info.EntityID] {
		targets = append(targets, w.fn)
	}
	return []pendingChange{{info: info, change: change, targets: targets}}
}

// fire invokes callbacks outside the lock, in collection order.
func (r *Registry) fire(pending []pendingChange) {
	for _, p := range pending {
		for _, fn := range p.targets {
			fn(p.info, p.change)
		}
	}
}

func removeWatcher(ws []watcher, id string) []watcher {
	out := ws[:0]
	for _, w := range ws {
		if w.id != id {
			out = append(out, w)
		}
	}
	return out
}

func cloneInfo(info *Info) Info {
	cp := *info
	cp.Capabilities = append([]Capability(nil), info.Capabilities...)
	cp.Metadata = cloneMetadata(info.Metadata)
	return cp
}

func cloneSession(sess *Session) Session {
	cp := *sess
	cp.Permissions = append([]string(nil), sess.Permissions...)
	cp.Subscriptions = append([]string(nil), sess.Subscriptions...)
	cp.Metadata = cloneMetadata(sess.Metadata)
	return cp
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
