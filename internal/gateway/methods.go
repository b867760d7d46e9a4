package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/distributor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
	"github.com/YigremTamiru/cell0-os-sub002/internal/protocol"
	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
)

// PermAdmin gates token minting and other operator-only methods.
const PermAdmin = "admin"

// PermTaskSubmit gates task submission.
const PermTaskSubmit = "task.submit"

// defaultTokenTTL applies when auth.generateToken omits expires_in_hours.
const defaultTokenTTL = 24 * time.Hour

// registerMethods installs the gateway's method table. The handlers close
// over the gateway, which is how they reach the send surfaces without the
// protocol package holding a gateway reference.
func (g *Gateway) registerMethods() {
	reg := g.methods

	reg.MustRegister(protocol.Method{
		Name:    "auth.authenticate",
		Handler: g.handleAuthenticate,
	})
	reg.MustRegister(protocol.Method{
		Name:         "auth.generateToken",
		Handler:      g.handleGenerateToken,
		AuthRequired: true,
		Permissions:  []string{PermAdmin},
	})
	reg.MustRegister(protocol.Method{
		Name:         "session.getInfo",
		Handler:      g.handleSessionInfo,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "presence.update",
		Handler:      g.handlePresenceUpdate,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:    "presence.get",
		Handler: g.handlePresenceGet,
	})
	reg.MustRegister(protocol.Method{
		Name:         "channel.subscribe",
		Handler:      g.handleChannelSubscribe,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "channel.unsubscribe",
		Handler:      g.handleChannelUnsubscribe,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "channel.publish",
		Handler:      g.handleChannelPublish,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "agent.send",
		Handler:      g.handleAgentSend,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:    "agent.list",
		Handler: g.handleAgentList,
	})
	reg.MustRegister(protocol.Method{
		Name:         "gateway.getStats",
		Handler:      g.handleGatewayStats,
		AuthRequired: true,
	})

	reg.MustRegister(protocol.Method{
		Name:         "task.submit",
		Handler:      g.handleTaskSubmit,
		AuthRequired: true,
		Permissions:  []string{PermTaskSubmit},
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.get",
		Handler:      g.handleTaskGet,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.cancel",
		Handler:      g.handleTaskCancel,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.result",
		Handler:      g.handleTaskResult,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.complete",
		Handler:      g.handleTaskComplete,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.release",
		Handler:      g.handleTaskRelease,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.load",
		Handler:      g.handleTaskLoad,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:         "task.stats",
		Handler:      g.handleTaskStats,
		AuthRequired: true,
	})
	reg.MustRegister(protocol.Method{
		Name:    "raft.status",
		Handler: g.handleRaftStatus,
	})
}

// callerSession resolves the full session record behind a gated call.
func (g *Gateway) callerSession(call *protocol.Call) (presence.Session, *protocol.Error) {
	if call.Session == nil {
		return presence.Session{}, protocol.AuthRequired()
	}
	s, ok := g.registry.GetSession(call.Session.SessionID())
	if !ok {
		return presence.Session{}, protocol.SessionError("Session no longer exists")
	}
	return s, nil
}

func (g *Gateway) handleAuthenticate(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		Token        string                `json:"token"`
		EntityID     string                `json:"entity_id"`
		EntityType   string                `json:"entity_type"`
		Capabilities []presence.Capability `json:"capabilities"`
		Metadata     map[string]any        `json:"metadata"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.Token == "" {
		return nil, protocol.InvalidParams("Missing required param: token")
	}

	tok, err := g.tokens.Validate(params.Token)
	if err != nil {
		g.logger.Debug("authentication rejected",
			zap.String("conn_id", call.ConnID),
			zap.Error(err))
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "Invalid or expired token")
	}

	entityID := params.EntityID
	if entityID == "" {
		entityID = tok.EntityID
	}
	if entityID == "" {
		return nil, protocol.InvalidParams("Missing required param: entity_id")
	}
	if tok.EntityID != "" && entityID != tok.EntityID {
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "Token not valid for entity %s", entityID)
	}

	etName := params.EntityType
	if etName == "" {
		etName = tok.EntityType
	}
	et := presence.EntityType(etName)
	switch et {
	case presence.EntityAgent, presence.EntityUser, presence.EntitySession, presence.EntityChannel, presence.EntitySystem:
	case "":
		et = presence.EntityUser
	default:
		return nil, protocol.InvalidParams("Unknown entity_type: " + etName)
	}

	c, ok := g.conn(call.ConnID)
	if !ok {
		return nil, protocol.SessionError("Connection already closed")
	}
	if old := c.boundSession(); old != "" {
		g.registry.RemoveSession(old, "reauthenticated")
	}

	sess := g.registry.CreateSession(entityID, et, call.ConnID, params.Metadata)
	if _, err := g.registry.AuthenticateSession(sess.ID, tok.Permissions); err != nil {
		return nil, protocol.SessionError("Session setup failed")
	}
	c.bind(sess.ID, entityID, et)

	g.registry.Register(entityID, et, presence.StatusOnline, params.Capabilities, params.Metadata)

	if et == presence.EntityAgent {
		g.router.RegisterAgentRoute(entityID, call.ConnID)
		if g.dist != nil {
			names := make([]string, 0, len(params.Capabilities))
			for _, cap := range params.Capabilities {
				names = append(names, cap.Name)
			}
			g.dist.RegisterAgent(entityID, names, 1.0, g.dispatchUnit(entityID))
			// Seed an idle sample so a freshly connected agent is
			// immediately eligible for assignment.
			g.dist.UpdateAgentLoad(distributor.AgentLoad{AgentID: entityID})
		}
	}

	g.logger.Info("authenticated",
		zap.String("conn_id", call.ConnID),
		zap.String("entity_id", entityID),
		zap.String("entity_type", string(et)))

	return map[string]any{
		"success":     true,
		"session_id":  sess.ID,
		"entity_id":   entityID,
		"entity_type": string(et),
	}, nil
}

func (g *Gateway) handleGenerateToken(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		EntityID       string   `json:"entity_id"`
		EntityType     string   `json:"entity_type"`
		Permissions    []string `json:"permissions"`
		ExpiresInHours float64  `json:"expires_in_hours"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.EntityID == "" {
		return nil, protocol.InvalidParams("Missing required param: entity_id")
	}
	ttl := defaultTokenTTL
	if params.ExpiresInHours > 0 {
		ttl = time.Duration(params.ExpiresInHours * float64(time.Hour))
	}
	tok := g.tokens.Generate(params.EntityID, params.EntityType, params.Permissions, ttl)
	return map[string]any{
		"token":            tok.Token,
		"entity_id":        tok.EntityID,
		"expires_in_hours": ttl.Hours(),
	}, nil
}

func (g *Gateway) handleSessionInfo(ctx context.Context, call *protocol.Call) (any, error) {
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return sess, nil
}

func (g *Gateway) handlePresenceUpdate(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		Status        string `json:"status"`
		StatusMessage string `json:"status_message"`
		Activity      string `json:"activity"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	status := presence.Status(params.Status)
	if !status.Valid() {
		return nil, protocol.InvalidParams("Unknown status: " + params.Status)
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, err := g.registry.Update(sess.EntityID, status, params.StatusMessage, params.Activity); err != nil {
		if errors.Is(err, presence.ErrEntityNotFound) {
			return nil, protocol.EntityNotFound("No presence entry for " + sess.EntityID)
		}
		return nil, err
	}
	return map[string]any{"success": true, "status": string(status)}, nil
}

func (g *Gateway) handlePresenceGet(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		EntityID   string `json:"entity_id"`
		EntityType string `json:"entity_type"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.EntityID != "" {
		info, ok := g.registry.Get(params.EntityID)
		if !ok {
			return nil, protocol.EntityNotFound("Unknown entity: " + params.EntityID)
		}
		return info, nil
	}
	entities := g.registry.List(presence.EntityType(params.EntityType), "")
	return map[string]any{
		"entities": entities,
		"count":    len(entities),
	}, nil
}

func (g *Gateway) handleChannelSubscribe(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		Channel string `json:"channel"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.Channel == "" {
		return nil, protocol.InvalidParams("Missing required param: channel")
	}
	g.router.Subscribe(params.Channel, call.ConnID)
	g.registry.AddSubscription(call.Session.SessionID(), params.Channel)
	return map[string]any{"success": true, "channel": params.Channel}, nil
}

func (g *Gateway) handleChannelUnsubscribe(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		Channel string `json:"channel"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.Channel == "" {
		return nil, protocol.InvalidParams("Missing required param: channel")
	}
	g.router.Unsubscribe(params.Channel, call.ConnID)
	g.registry.RemoveSubscription(call.Session.SessionID(), params.Channel)
	return map[string]any{"success": true, "channel": params.Channel}, nil
}

func (g *Gateway) handleChannelPublish(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		Channel string         `json:"channel"`
		Type    string         `json:"type"`
		Message map[string]any `json:"message"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.Channel == "" {
		return nil, protocol.InvalidParams("Missing required param: channel")
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	eventType := params.Type
	if eventType == "" {
		eventType = "message"
	}
	ev := router.NewEvent(eventType, params.Channel, sess.EntityID, params.Message)
	recipients := g.publishEvent(params.Channel, ev, call.ConnID)
	return map[string]any{"success": true, "recipients": recipients}, nil
}

func (g *Gateway) handleAgentSend(ctx context.Context, call *protocol.Call) (any, error) {
	var params struct {
		AgentID string `json:"agent_id"`
		Message any    `json:"message"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		return nil, protocol.InvalidParams("Missing required param: agent_id")
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := g.RouteToAgent(params.AgentID, "agent.message", map[string]any{
		"from":      sess.EntityID,
		"message":   params.Message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, protocol.RoutingError("Agent not connected: " + params.AgentID)
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleAgentList(ctx context.Context, call *protocol.Call) (any, error) {
	agents := g.registry.List(presence.EntityAgent, presence.StatusOnline)
	return map[string]any{
		"agents": agents,
		"count":  len(agents),
	}, nil
}

func (g *Gateway) handleGatewayStats(ctx context.Context, call *protocol.Call) (any, error) {
	return g.Stats(), nil
}

func (g *Gateway) handleTaskSubmit(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskType     string                   `json:"task_type"`
		Payload      map[string]any           `json:"payload"`
		Priority     string                   `json:"priority"`
		Requirements distributor.Requirements `json:"requirements"`
		Tags         []string                 `json:"tags"`
		MaxAttempts  int                      `json:"max_attempts"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.TaskType == "" {
		return nil, protocol.InvalidParams("Missing required param: task_type")
	}
	priority, err := distributor.ParsePriority(params.Priority)
	if err != nil {
		return nil, protocol.InvalidParams("Unknown priority: " + params.Priority)
	}
	task, err := g.dist.Submit(distributor.TaskSpec{
		Type:         params.TaskType,
		Payload:      params.Payload,
		Priority:     priority,
		Requirements: params.Requirements,
		Tags:         params.Tags,
		MaxAttempts:  params.MaxAttempts,
	})
	if err != nil {
		if leaderID, ok := raft.IsNotLeader(err); ok {
			return nil, protocol.NotLeader(leaderID)
		}
		return nil, err
	}
	return map[string]any{
		"task_id":  task.ID,
		"state":    string(task.State),
		"priority": task.Priority.String(),
	}, nil
}

func (g *Gateway) handleTaskGet(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	task, ok := g.dist.Get(params.TaskID)
	if !ok {
		return nil, protocol.EntityNotFound("Unknown task: " + params.TaskID)
	}
	return task, nil
}

func (g *Gateway) handleTaskCancel(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	task, err := g.dist.Cancel(params.TaskID)
	if err != nil {
		if leaderID, ok := raft.IsNotLeader(err); ok {
			return nil, protocol.NotLeader(leaderID)
		}
		if errors.Is(err, distributor.ErrTaskNotFound) {
			return nil, protocol.EntityNotFound("Unknown task: " + params.TaskID)
		}
		return nil, protocol.InvalidState("Task already terminal: " + params.TaskID)
	}
	return map[string]any{"success": true, "state": string(task.State)}, nil
}

func (g *Gateway) handleTaskResult(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	res, ok := g.dist.ResultFor(params.TaskID)
	if !ok {
		return nil, protocol.EntityNotFound("No result for task: " + params.TaskID)
	}
	return res, nil
}

func (g *Gateway) handleTaskComplete(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskID           string             `json:"task_id"`
		Success          bool               `json:"success"`
		Result           any                `json:"result"`
		Error            string             `json:"error"`
		ExecutionTimeSec float64            `json:"execution_time_sec"`
		ResourceUsage    map[string]float64 `json:"resource_usage"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := g.dist.HandleResult(distributor.Result{
		TaskID:           params.TaskID,
		AgentID:          sess.EntityID,
		Success:          params.Success,
		Result:           params.Result,
		Error:            params.Error,
		ExecutionTimeSec: params.ExecutionTimeSec,
		ResourceUsage:    params.ResourceUsage,
	})
	if err != nil {
		if leaderID, ok := raft.IsNotLeader(err); ok {
			return nil, protocol.NotLeader(leaderID)
		}
		if errors.Is(err, distributor.ErrTaskNotFound) {
			return nil, protocol.EntityNotFound("Unknown task: " + params.TaskID)
		}
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleTaskRelease(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if leaderID, notLeader := g.dist.NotLeader(); notLeader {
		return nil, protocol.NotLeader(leaderID)
	}
	if !g.dist.ReleaseTask(params.TaskID, sess.EntityID) {
		return nil, protocol.InvalidState("Task not releasable: " + params.TaskID)
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleTaskLoad(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	var params struct {
		ActiveTasks   int     `json:"active_tasks"`
		QueuedTasks   int     `json:"queued_tasks"`
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryPercent float64 `json:"memory_percent"`
		GPUPercent    float64 `json:"gpu_percent"`
		NetworkIOMbps float64 `json:"network_io_mbps"`
	}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	sess, rpcErr := g.callerSession(call)
	if rpcErr != nil {
		return nil, rpcErr
	}
	g.dist.UpdateAgentLoad(distributor.AgentLoad{
		AgentID:           sess.EntityID,
		ActiveTasks:       params.ActiveTasks,
		QueuedTasks:       params.QueuedTasks,
		CPUUtilization:    params.CPUPercent / 100,
		MemoryUtilization: params.MemoryPercent / 100,
		GPUUtilization:    params.GPUPercent / 100,
		NetworkIOMbps:     params.NetworkIOMbps,
	})
	g.registry.Touch(sess.EntityID)
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleTaskStats(ctx context.Context, call *protocol.Call) (any, error) {
	if g.dist == nil {
		return nil, protocol.InvalidState("Task distribution not available")
	}
	return g.dist.Stats(), nil
}

func (g *Gateway) handleRaftStatus(ctx context.Context, call *protocol.Call) (any, error) {
	if g.raftNode == nil {
		return map[string]any{"enabled": false}, nil
	}
	return map[string]any{
		"enabled": true,
		"status":  g.raftNode.Status(),
	}, nil
}

// Generate mints a gateway token directly, used by the daemon's dev
// bootstrap and the admin HTTP surface.
func (g *Gateway) GenerateToken(entityID, entityType string, permissions []string, ttl time.Duration) *auth.Token {
	return g.tokens.Generate(entityID, entityType, permissions, ttl)
}
