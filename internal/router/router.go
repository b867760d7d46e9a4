// Package router keeps the subscription state that connects publishers to
// subscribers: channel membership, directed agent routes, and per-connection
// event filters. It deliberately knows nothing about sockets; the gateway
// resolves connection ids to transports and performs delivery. Publish is
// therefore a two-step affair: snapshot the subscriber set here, then send
// outside any router lock, so one slow consumer never blocks the rest.
//
// A bounded ring of recent events is kept for the monitoring surface.
package router

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FilterFunc decides whether an event should reach a connection.
type FilterFunc func(eventType string, data map[string]any) bool

// Stats is the router snapshot for the stats surfaces.
type Stats struct {
	Channels       int `json:"channels"`
	Subscriptions  int `json:"subscriptions"`
	AgentRoutes    int `json:"agent_routes"`
	Filters        int `json:"filters"`
	EventsRecorded int `json:"events_recorded"`
}

// Router is safe for concurrent use.
type Router struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel -> connection ids
	agents   map[string]string              // agent id -> connection id
	filters  map[string]FilterFunc          // connection id -> predicate
	history  *ring
}

// New returns an empty router recording up to historySize recent events.
// historySize <= 0 falls back to DefaultHistorySize.
func New(historySize int, logger *zap.Logger) *Router {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		channels: make(map[string]map[string]struct{}),
		agents:   make(map[string]string),
		filters:  make(map[string]FilterFunc),
		history:  newRing(historySize),
	}
}

// Subscribe adds a connection to a channel. Reports whether it was newly
// added.
func (r *Router) Subscribe(channel, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		r.channels[channel] = set
	}
	if _, exists := set[connID]; exists {
		return false
	}
	set[connID] = struct{}{}
	return true
}

// Unsubscribe removes a connection from a channel; empty channels are
// deleted. Reports whether the subscription existed.
func (r *Router) Unsubscribe(channel, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.channels, channel)
	}
	return true
}

// Subscribers returns a copy of the channel's membership at call time.
// Delivery targets this snapshot; joins and leaves during the send simply
// miss or keep this event.
func (r *Router) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channels[channel]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount reports the channel's current size.
func (r *Router) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// Channels lists the channels that currently have subscribers.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// RegisterAgentRoute binds an agent id to its connection, replacing any
// previous route (an agent reconnect supersedes the old socket).
func (r *Router) RegisterAgentRoute(agentID, connID string) {
	r.mu.Lock()
	prev, had := r.agents[agentID]
	r.agents[agentID] = connID
	r.mu.Unlock()

	if had && prev != connID {
		r.logger.Debug("agent route replaced",
			zap.String("agent_id", agentID),
			zap.String("old_connection_id", prev),
			zap.String("connection_id", connID))
	}
}

// UnregisterAgentRoute removes an agent's route only if it still points at
// connID, so a stale disconnect cannot tear down a newer route.
func (r *Router) UnregisterAgentRoute(agentID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.agents[agentID]; ok && cur == connID {
		delete(r.agents, agentID)
		return true
	}
	return false
}

// AgentRoute resolves an agent id to its connection id.
func (r *Router) AgentRoute(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.agents[agentID]
	return connID, ok
}

// SetFilter installs a delivery predicate for a connection.
func (r *Router) SetFilter(connID string, fn FilterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.filters, connID)
		return
	}
	r.filters[connID] = fn
}

// ClearFilter removes a connection's predicate.
func (r *Router) ClearFilter(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, connID)
}

// ShouldDeliver applies the connection's filter; no filter means deliver.
func (r *Router) ShouldDeliver(connID, eventType string, data map[string]any) bool {
	r.mu.RLock()
	fn, ok := r.filters[connID]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return fn(eventType, data)
}

// DropConnection removes every trace of a connection: channel memberships,
// agent routes pointing at it, and its filter.
func (r *Router) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, set := range r.channels {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.channels, ch)
			}
		}
	}
	for agentID, cur := range r.agents {
		if cur == connID {
			delete(r.agents, agentID)
		}
	}
	delete(r.filters, connID)
}

// Record appends an event to the bounded history ring.
func (r *Router) Record(ev Event) {
	r.mu.Lock()
	r.history.add(ev)
	r.mu.Unlock()
}

// Recent returns up to limit events, newest first. limit <= 0 means all
// retained events.
func (r *Router) Recent(limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.recent(limit)
}

// Stats returns a snapshot of router counts.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Channels:       len(r.channels),
		AgentRoutes:    len(r.agents),
		Filters:        len(r.filters),
		EventsRecorded: r.history.total,
	}
	for _, set := range r.channels {
		s.Subscriptions += len(set)
	}
	return s
}
