// Package gateway is the WebSocket front door. It owns connections and
// their read/write goroutines, hands inbound frames to the protocol
// dispatcher, and pushes server-initiated notifications back out. Every
// other component reaches clients only through the gateway's send
// surfaces.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/distributor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
	"github.com/YigremTamiru/cell0-os-sub002/internal/protocol"
	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
)

var (
	// ErrConnectionClosed is returned when a send races connection
	// teardown.
	ErrConnectionClosed = errors.New("gateway: connection closed")

	// ErrSlowConsumer is returned when a connection's outbound queue
	// overflows; the connection is closed as a side effect.
	ErrSlowConsumer = errors.New("gateway: outbound queue full")

	// ErrNoRoute is returned when no connection is bound to the target.
	ErrNoRoute = errors.New("gateway: no route to entity")
)

// ServerCapabilities are advertised in the welcome notification.
var ServerCapabilities = []string{
	"jsonrpc_2.0",
	"event_streaming",
	"presence",
	"multi_agent",
	"channel_subscriptions",
}

// Config carries the gateway's listen address and connection policy.
// Port 0 binds an ephemeral port; Addr reports the bound address.
type Config struct {
	Host string
	Port int

	// HeartbeatInterval is H: the cadence of server heartbeats.
	// Connections idle beyond IdleTimeout (2H by convention) close with
	// reason timeout.
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	SendQueueSize int
	MaxFrameBytes int64

	ServerVersion string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              18801,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		SendQueueSize:     1024,
		MaxFrameBytes:     10 << 20,
		ServerVersion:     "dev",
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port < 0 {
		c.Port = def.Port
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * c.HeartbeatInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.ServerVersion == "" {
		c.ServerVersion = def.ServerVersion
	}
}

// Stats aggregates the gateway's counters with its collaborators'.
type Stats struct {
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  uint64  `json:"total_connections"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesReceived  uint64  `json:"messages_received"`
	Errors            uint64  `json:"errors"`
	UptimeSeconds     float64 `json:"uptime_seconds"`

	Dispatcher  protocol.Stats     `json:"dispatcher"`
	Presence    presence.Stats     `json:"presence"`
	Router      router.Stats       `json:"router"`
	Distributor *distributor.Stats `json:"distributor,omitempty"`
}

// Gateway accepts WebSocket connections and bridges them to the rest of
// the control plane.
type Gateway struct {
	cfg    Config
	logger *zap.Logger

	upgrader   websocket.Upgrader
	dispatcher *protocol.Dispatcher
	methods    *protocol.Registry
	registry   *presence.Registry
	router     *router.Router
	tokens     *auth.Manager
	dist       *distributor.Distributor
	raftNode   *raft.Node

	mu    sync.RWMutex
	conns map[string]*conn

	listener net.Listener
	server   *http.Server

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt    time.Time
	totalConns   atomic.Uint64
	messagesSent atomic.Uint64
	messagesRecv atomic.Uint64
	errs         atomic.Uint64
}

// New wires a gateway. dist and node may be nil; the task and raft
// method families then answer with invalid_state.
func New(cfg Config, registry *presence.Registry, rt *router.Router, tokens *auth.Manager, dist *distributor.Distributor, node *raft.Node, logger *zap.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:    cfg,
		logger: logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		methods:   protocol.NewRegistry(),
		registry:  registry,
		router:    rt,
		tokens:    tokens,
		dist:      dist,
		raftNode:  node,
		conns:     make(map[string]*conn),
		runCtx:    context.Background(),
		startedAt: time.Now(),
	}
	g.dispatcher = protocol.NewDispatcher(g.methods, logger)
	protocol.RegisterBuiltins(g.methods, g.dispatcher, protocol.ServerInfo{
		Name:         "cell0-gateway",
		Version:      cfg.ServerVersion,
		Capabilities: ServerCapabilities,
		StartedAt:    g.startedAt,
	})
	g.registerMethods()

	// Presence transitions fan out to the presence channel and land in
	// the event history.
	registry.SubscribeAll(func(info presence.Info, change presence.Status) {
		ev := router.NewEvent("presence.changed", "presence", info.EntityID, map[string]any{
			"entity_id":   info.EntityID,
			"entity_type": string(info.EntityType),
			"status":      string(change),
		})
		g.publishEvent("presence", ev, "")
	})

	if dist != nil {
		dist.OnRebalance(g.sendRebalance)
		dist.OnCancel(g.sendCancel)
	}
	return g
}

// Handler exposes the WebSocket endpoint for embedding in an existing
// HTTP server. Start uses it on its own listener.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleWS)
}

// Start binds the listener and begins accepting connections.
func (g *Gateway) Start(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: bind %s: %w", addr, err)
	}
	g.listener = ln
	g.runCtx, g.cancel = context.WithCancel(ctx)
	g.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleWS)
	g.server = &http.Server{Handler: mux}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("serve", zap.Error(err))
		}
	}()
	go g.heartbeatLoop()

	g.logger.Info("gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.Duration("heartbeat_interval", g.cfg.HeartbeatInterval))
	return nil
}

// Stop closes every connection with reason server_shutdown and releases
// the listener.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	for _, c := range g.snapshot() {
		g.teardown(c, "server_shutdown")
	}
	if g.server != nil {
		_ = g.server.Close()
	}
	g.wg.Wait()
	g.logger.Info("gateway stopped")
}

// Addr reports the bound listen address, useful when Port was 0.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.errs.Add(1)
		g.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConn(ws, r.RemoteAddr, g.cfg.SendQueueSize)
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.totalConns.Add(1)

	g.logger.Info("connection opened",
		zap.String("conn_id", c.id),
		zap.String("remote", c.remote))

	go c.writePump()
	g.notify(c, "connection.welcome", map[string]any{
		"connection_id":  c.id,
		"server_version": g.cfg.ServerVersion,
		"capabilities":   ServerCapabilities,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	go g.readPump(c)
}

// readPump feeds inbound frames to the dispatcher until the socket
// fails, then tears the connection down.
func (g *Gateway) readPump(c *conn) {
	defer g.teardown(c, "connection_closed")
	c.ws.SetReadLimit(g.cfg.MaxFrameBytes)
	caller := protocol.Caller{
		ConnID:  c.id,
		Session: func() protocol.Session { return g.sessionFor(c) },
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.touch()
		if sid := c.boundSession(); sid != "" {
			g.registry.TouchSession(sid)
		}
		g.messagesRecv.Add(1)
		if reply := g.dispatcher.HandleMessage(g.runCtx, data, caller); reply != nil {
			g.deliver(c, reply)
		}
	}
}

// sessionFor resolves the connection's bound session to the dispatcher's
// view of it. Nil until auth.authenticate binds one.
func (g *Gateway) sessionFor(c *conn) protocol.Session {
	sid := c.boundSession()
	if sid == "" {
		return nil
	}
	s, ok := g.registry.GetSession(sid)
	if !ok {
		return nil
	}
	return &s
}

// teardown removes the connection everywhere exactly once.
func (g *Gateway) teardown(c *conn, reason string) {
	g.mu.Lock()
	_, live := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()
	if !live {
		return
	}

	c.closeSend()
	_ = c.ws.Close()

	g.dispatcher.DropConnection(c.id)

	if entityID, et := c.boundEntity(); et == presence.EntityAgent && entityID != "" {
		// Unregister from the distributor only if this connection still
		// owned the route; a reconnected agent keeps its new binding. The
		// guarded check has to run before DropConnection wipes the route.
		if g.router.UnregisterAgentRoute(entityID, c.id) && g.dist != nil {
			g.dist.UnregisterAgent(entityID)
		}
	}
	g.router.DropConnection(c.id)

	if sid := c.boundSession(); sid != "" {
		g.registry.RemoveSession(sid, reason)
	}

	g.logger.Info("connection closed",
		zap.String("conn_id", c.id),
		zap.String("reason", reason))
}

// heartbeatLoop pushes heartbeat notifications and reaps idle
// connections.
func (g *Gateway) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.runCtx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, c := range g.snapshot() {
				idle := now.Sub(c.activity())
				if idle > g.cfg.IdleTimeout {
					g.logger.Warn("connection timed out",
						zap.String("conn_id", c.id),
						zap.Duration("idle", idle))
					g.teardown(c, "timeout")
					continue
				}
				g.notify(c, "heartbeat", map[string]any{
					"timestamp": now.UTC().Format(time.RFC3339Nano),
				})
			}
		}
	}
}

func (g *Gateway) snapshot() []*conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

func (g *Gateway) conn(connID string) (*conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[connID]
	return c, ok
}

// Send serializes v and queues it on one connection.
func (g *Gateway) Send(connID string, v any) error {
	c, ok := g.conn(connID)
	if !ok {
		return ErrConnectionClosed
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: encode outbound: %w", err)
	}
	return g.deliver(c, payload)
}

// deliver enqueues a serialized frame, closing the connection on queue
// overflow.
func (g *Gateway) deliver(c *conn, payload []byte) error {
	err := c.enqueue(payload)
	switch {
	case err == nil:
		g.messagesSent.Add(1)
		return nil
	case errors.Is(err, ErrSlowConsumer):
		g.errs.Add(1)
		g.logger.Warn("outbound queue overflow",
			zap.String("conn_id", c.id))
		go g.teardown(c, "slow_consumer")
		return err
	default:
		return err
	}
}

// notify sends a server-initiated notification to one connection.
func (g *Gateway) notify(c *conn, method string, params any) {
	payload, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		g.logger.Error("encode notification", zap.String("method", method), zap.Error(err))
		return
	}
	_ = g.deliver(c, payload)
}

// Broadcast sends a notification to every live connection except the
// excluded ids. Returns the number of connections reached.
func (g *Gateway) Broadcast(method string, params any, exclude ...string) int {
	payload, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		g.logger.Error("encode broadcast", zap.String("method", method), zap.Error(err))
		return 0
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	n := 0
	for _, c := range g.snapshot() {
		if _, excluded := skip[c.id]; excluded {
			continue
		}
		if g.deliver(c, payload) == nil {
			n++
		}
	}
	return n
}

// RouteToEntity delivers a notification to every connection holding a
// session for the entity.
func (g *Gateway) RouteToEntity(entityID, method string, params any) error {
	sent := 0
	for _, sess := range g.registry.SessionsForEntity(entityID) {
		if g.Send(sess.ConnectionID, protocol.NewNotification(method, params)) == nil {
			sent++
		}
	}
	if sent == 0 {
		return ErrNoRoute
	}
	return nil
}

// RouteToAgent delivers a notification over the agent's registered
// route.
func (g *Gateway) RouteToAgent(agentID, method string, params any) error {
	connID, ok := g.router.AgentRoute(agentID)
	if !ok {
		return ErrNoRoute
	}
	return g.Send(connID, protocol.NewNotification(method, params))
}

// publishEvent records the event and fans it out to the channel's
// subscribers, excluding one connection (the publisher). Returns the
// number of recipients.
func (g *Gateway) publishEvent(channel string, ev router.Event, exclude string) int {
	g.router.Record(ev)
	payload, err := json.Marshal(protocol.NewNotification("channel.message", map[string]any{
		"channel":   channel,
		"event_id":  ev.ID,
		"type":      ev.Type,
		"source":    ev.Source,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"message":   ev.Data,
	}))
	if err != nil {
		g.logger.Error("encode event", zap.String("channel", channel), zap.Error(err))
		return 0
	}
	n := 0
	for _, connID := range g.router.Subscribers(channel) {
		if connID == exclude {
			continue
		}
		if !g.router.ShouldDeliver(connID, ev.Type, ev.Data) {
			continue
		}
		c, ok := g.conn(connID)
		if !ok {
			continue
		}
		if g.deliver(c, payload) == nil {
			n++
		}
	}
	return n
}

// dispatchUnit is the distributor's delivery callback for one agent:
// the work unit rides a task.assign notification over the agent route.
func (g *Gateway) dispatchUnit(agentID string) distributor.DispatchFunc {
	return func(unit distributor.WorkUnit) error {
		if err := g.RouteToAgent(agentID, "task.assign", unit); err != nil {
			return fmt.Errorf("gateway: dispatch to %s: %w", agentID, err)
		}
		return nil
	}
}

// sendRebalance asks an agent to give back queued units; the agent
// answers with task.release per unit it has not started.
func (g *Gateway) sendRebalance(agentID string, taskIDs []string) {
	err := g.RouteToAgent(agentID, "task.rebalance", map[string]any{
		"task_ids": taskIDs,
		"reason":   "load_rebalance",
	})
	if err != nil {
		g.logger.Debug("rebalance notification failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// sendCancel tells the agent holding a unit to stop working on it. Best
// effort: a missed notification just means the agent reports a result
// for a terminal task, which the distributor absorbs.
func (g *Gateway) sendCancel(agentID, taskID string) {
	err := g.RouteToAgent(agentID, "task.cancel", map[string]any{
		"task_id": taskID,
	})
	if err != nil {
		g.logger.Debug("cancel notification failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// ConnectionCount reports live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Stats snapshots the gateway and its collaborators.
func (g *Gateway) Stats() Stats {
	s := Stats{
		ActiveConnections: g.ConnectionCount(),
		TotalConnections:  g.totalConns.Load(),
		MessagesSent:      g.messagesSent.Load(),
		MessagesReceived:  g.messagesRecv.Load(),
		Errors:            g.errs.Load(),
		UptimeSeconds:     time.Since(g.startedAt).Seconds(),
		Dispatcher:        g.dispatcher.Stats(),
		Presence:          g.registry.Stats(),
		Router:            g.router.Stats(),
	}
	if g.dist != nil {
		ds := g.dist.Stats()
		s.Distributor = &ds
	}
	return s
}
