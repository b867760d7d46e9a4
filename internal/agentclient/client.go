// Package agentclient implements the worker side of the control plane.
// It maintains the persistent WebSocket connection to the gateway and
// handles:
//   - Authentication (presenting the token, advertising capabilities)
//   - Heartbeat loop (periodic task.load reports with host utilization)
//   - task.assign notifications (forwarding work units to the executor)
//   - task.rebalance notifications (giving queued units back)
//   - task.cancel notifications (stopping or dropping the named unit)
//   - Result reporting (task.complete / task.release)
//   - Automatic reconnection with exponential backoff + jitter
//
// The Client implements Reporter so the executor can report outcomes
// without knowing about the socket.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff
	// interval to prevent thundering herd when many agents reconnect
	// simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the agent reports its load. The
	// gateway's presence registry marks the agent stale if no report
	// arrives within its stale timeout.
	heartbeatInterval = 30 * time.Second

	// healthySession is how long a session must last for the next
	// reconnect to start from the initial backoff again.
	healthySession = time.Minute
)

// capability mirrors the capability objects the gateway's authenticate
// handler expects.
type capability struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Priority int    `json:"priority"`
}

// Config holds all parameters needed to connect to the gateway.
type Config struct {
	// ServerURL is the gateway WebSocket URL (e.g. "ws://localhost:18801/").
	ServerURL string
	// Token is the gateway token presented in auth.authenticate.
	Token string
	// AgentID is this worker's entity id.
	AgentID string
	// Capabilities are advertised in addition to the executor's
	// registered task types.
	Capabilities []string
	// Version is the agent binary version, included with capabilities.
	Version string
}

// Client maintains the persistent gateway connection. It implements
// Reporter so the executor can report outcomes without holding a
// socket reference.
type Client struct {
	cfg    Config
	exec   *Executor
	logger *zap.Logger

	// mu protects sess, which is replaced on every reconnect.
	mu   sync.RWMutex
	sess *session
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, exec *Executor, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		exec:   exec,
		logger: logger.Named("client"),
	}
}

// Run starts the connection loop. It connects, authenticates, and runs
// the heartbeat until the session dies, then reconnects with
// exponential backoff. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return
		}

		c.logger.Info("connecting to gateway", zap.String("url", c.cfg.ServerURL))

		start := time.Now()
		err := c.connect(ctx)
		if err == nil {
			// Context cancelled during a session.
			continue
		}

		// A session that survived for a while was healthy; start the
		// next reconnect from scratch.
		if time.Since(start) >= healthySession {
			backoff = backoffInitial
		}

		c.logger.Warn("session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect establishes one session: dial, authenticate, heartbeat.
// Returns when the session ends; nil means ctx was cancelled.
func (c *Client) connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	sess := newSession(ws, c.handleNotification, c.logger)
	defer sess.close()

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
	}()

	if err := c.authenticate(ctx, sess); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.heartbeatLoop(ctx, sess) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-sess.done:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connection lost: %w", sess.readErr)
	}
}

// authenticate presents the token and advertises capabilities: the
// executor's registered task types plus anything from config.
func (c *Client) authenticate(ctx context.Context, sess *session) error {
	caps := make([]capability, 0, len(c.cfg.Capabilities)+4)
	for _, t := range c.exec.TaskTypes() {
		caps = append(caps, capability{Name: t, Version: c.cfg.Version, Priority: 5})
	}
	for _, name := range c.cfg.Capabilities {
		caps = append(caps, capability{Name: name, Version: c.cfg.Version, Priority: 5})
	}

	raw, err := sess.call(ctx, "auth.authenticate", map[string]any{
		"token":        c.cfg.Token,
		"entity_id":    c.cfg.AgentID,
		"entity_type":  "agent",
		"capabilities": caps,
	})
	if err != nil {
		return err
	}

	var result struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
		EntityID  string `json:"entity_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("undecodable authenticate result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("gateway refused authentication")
	}

	c.logger.Info("authenticated with gateway",
		zap.String("agent_id", result.EntityID),
		zap.String("session_id", result.SessionID),
		zap.Int("capabilities", len(caps)))
	return nil
}

// heartbeatLoop reports load every heartbeatInterval until ctx is
// cancelled or a report fails.
func (c *Client) heartbeatLoop(ctx context.Context, sess *session) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.reportLoad(ctx, sess); err != nil {
				return fmt.Errorf("load report failed: %w", err)
			}
		}
	}
}

// reportLoad sends one task.load call with executor occupancy and host
// utilization.
func (c *Client) reportLoad(ctx context.Context, sess *session) error {
	active, queued := c.exec.Load()
	cpuPct, memPct, err := sampleLoad(ctx)
	if err != nil {
		// A host without readable counters still reports occupancy.
		c.logger.Debug("host sample failed", zap.Error(err))
	}

	_, err = sess.call(ctx, "task.load", map[string]any{
		"active_tasks":   active,
		"queued_tasks":   queued,
		"cpu_percent":    cpuPct,
		"memory_percent": memPct,
	})
	if err == nil {
		c.logger.Debug("load reported",
			zap.Int("active", active),
			zap.Int("queued", queued))
	}
	return err
}

// handleNotification runs on the session read loop; anything slow must
// hop to another goroutine.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "task.assign":
		var unit WorkUnit
		if err := json.Unmarshal(params, &unit); err != nil {
			c.logger.Error("undecodable task.assign", zap.Error(err))
			return
		}
		if err := c.exec.Enqueue(unit); err != nil {
			// Queue full: give the unit back so it retries elsewhere
			// instead of waiting for the assignment monitor.
			c.logger.Warn("rejecting unit", zap.String("task_id", unit.TaskID), zap.Error(err))
			go c.ReportRelease(unit.TaskID)
		}

	case "task.rebalance":
		var req struct {
			TaskIDs []string `json:"task_ids"`
			Reason  string   `json:"reason"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			c.logger.Error("undecodable task.rebalance", zap.Error(err))
			return
		}
		c.logger.Info("rebalance requested",
			zap.Int("task_ids", len(req.TaskIDs)),
			zap.String("reason", req.Reason))
		c.exec.Release(req.TaskIDs)

	case "task.cancel":
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			c.logger.Error("undecodable task.cancel", zap.Error(err))
			return
		}
		aborted := c.exec.Cancel(req.TaskID)
		c.logger.Info("cancel requested",
			zap.String("task_id", req.TaskID),
			zap.Bool("was_running", aborted))

	case "agent.message":
		c.logger.Info("agent message received", zap.String("params", string(params)))

	case "connection.welcome", "heartbeat", "channel.message", "presence.changed":
		c.logger.Debug("notification", zap.String("method", method))

	default:
		c.logger.Debug("unhandled notification", zap.String("method", method))
	}
}

// ReportComplete implements Reporter. Outcomes reported while no
// session is live are lost; the gateway's monitor loop requeues the
// task after its deadline.
func (c *Client) ReportComplete(taskID string, success bool, result any, errMsg string, elapsed time.Duration) {
	sess := c.currentSession()
	if sess == nil {
		c.logger.Warn("no active session, result lost", zap.String("task_id", taskID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	params := map[string]any{
		"task_id":            taskID,
		"success":            success,
		"execution_time_sec": elapsed.Seconds(),
	}
	if result != nil {
		params["result"] = result
	}
	if errMsg != "" {
		params["error"] = errMsg
	}
	if cpuPct, memPct, err := sampleLoad(ctx); err == nil {
		params["resource_usage"] = map[string]float64{
			"cpu_percent":    cpuPct,
			"memory_percent": memPct,
		}
	}

	if _, err := sess.call(ctx, "task.complete", params); err != nil {
		c.logger.Warn("task.complete failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// ReportRelease implements Reporter, giving an unstarted unit back for
// reassignment.
func (c *Client) ReportRelease(taskID string) {
	sess := c.currentSession()
	if sess == nil {
		c.logger.Warn("no active session, release lost", zap.String("task_id", taskID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if _, err := sess.call(ctx, "task.release", map[string]any{"task_id": taskID}); err != nil {
		c.logger.Warn("task.release failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (c *Client) currentSession() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
