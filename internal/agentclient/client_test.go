package agentclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/distributor"
	"github.com/YigremTamiru/cell0-os-sub002/internal/gateway"
	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
)

// TestClientEndToEnd runs a real agent against a real gateway: connect,
// authenticate, receive a dispatched unit, execute it, and report the
// result back into the distributor.
func TestClientEndToEnd(t *testing.T) {
	logger := zap.NewNop()
	registry := presence.New(presence.Config{}, logger)
	rt := router.New(0, logger)
	tokens := auth.NewManager(logger)
	dist := distributor.New(distributor.Config{
		AssignmentInterval: 20 * time.Millisecond,
		MonitorInterval:    time.Hour,
		RebalanceInterval:  time.Hour,
	}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dist.Start(ctx)
	defer dist.Stop()

	gw := gateway.New(gateway.Config{Host: "127.0.0.1", Port: 0}, registry, rt, tokens, dist, nil, logger)
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop()

	tok := tokens.Generate("agent-e2e", "agent", []string{"*"}, time.Hour)

	exec := NewExecutor(2, logger)
	client := New(Config{
		ServerURL: "ws://" + gw.Addr() + "/",
		Token:     tok.Token,
		AgentID:   "agent-e2e",
		Version:   "test",
	}, exec, logger)

	go exec.Run(ctx, client)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return dist.Stats().RegisteredAgents == 1
	}, 5*time.Second, 20*time.Millisecond, "agent never registered")

	info, ok := registry.Get("agent-e2e")
	require.True(t, ok)
	assert.Equal(t, presence.StatusOnline, info.Status)

	task, err := dist.Submit(distributor.TaskSpec{
		Type:    "compute.echo",
		Payload: map[string]any{"text": "round trip"},
		Requirements: distributor.Requirements{
			Capabilities: []string{"compute.echo"},
		},
	})
	require.NoError(t, err)

	var res distributor.Result
	require.Eventually(t, func() bool {
		var done bool
		res, done = dist.ResultFor(task.ID)
		return done
	}, 5*time.Second, 20*time.Millisecond, "no result came back")

	assert.True(t, res.Success)
	assert.Equal(t, "agent-e2e", res.AgentID)
	echoed, ok := res.Result.(map[string]any)
	require.True(t, ok)
	inner, ok := echoed["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "round trip", inner["text"])

	got, ok := dist.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, distributor.StateCompleted, got.State)
}

// TestClientReconnects verifies the backoff loop re-establishes the
// session after the gateway drops the connection.
func TestClientReconnects(t *testing.T) {
	logger := zap.NewNop()
	registry := presence.New(presence.Config{}, logger)
	rt := router.New(0, logger)
	tokens := auth.NewManager(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(gateway.Config{Host: "127.0.0.1", Port: 0}, registry, rt, tokens, nil, nil, logger)
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop()

	tok := tokens.Generate("agent-rc", "agent", []string{"*"}, time.Hour)

	exec := NewExecutor(1, logger)
	client := New(Config{
		ServerURL: "ws://" + gw.Addr() + "/",
		Token:     tok.Token,
		AgentID:   "agent-rc",
	}, exec, logger)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return len(registry.SessionsForEntity("agent-rc")) == 1
	}, 5*time.Second, 20*time.Millisecond, "first session never appeared")
	first := registry.SessionsForEntity("agent-rc")[0].ID

	// Sever the socket out from under the client; the read loop dies
	// and the backoff loop dials back in.
	client.currentSession().close()

	require.Eventually(t, func() bool {
		sessions := registry.SessionsForEntity("agent-rc")
		return len(sessions) == 1 && sessions[0].ID != first
	}, 10*time.Second, 50*time.Millisecond, "client never reconnected")
}
