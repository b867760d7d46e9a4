package monitor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/gateway"
	"github.com/YigremTamiru/cell0-os-sub002/internal/metrics"
	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
)

// env assembles a server over real components the way the daemon wires
// them, minus listeners: requests go straight through the handler.
type env struct {
	srv    *Server
	health *Health
	tokens *auth.Manager
	events *router.Router
	jwt    *auth.JWTManager
}

func newEnv(t *testing.T, withJWT bool) *env {
	t.Helper()

	logger := zap.NewNop()
	registry := presence.New(presence.Config{}, logger)
	events := router.New(0, logger)
	tokens := auth.NewManager(logger)
	gw := gateway.New(gateway.Config{}, registry, events, tokens, nil, nil, logger)

	e := &env{
		health: NewHealth(),
		tokens: tokens,
		events: events,
	}
	cfg := Config{
		NodeID:  "node-1",
		Version: "1.2.3-test",
		Health:  e.health,
		Gateway: gw,
		Events:  events,
		Tokens:  tokens,
		Metrics: promhttp.HandlerFor(metrics.NewRegistry(metrics.NewCollector(gw, tokens, nil)), promhttp.HandlerOpts{}),
		Logger:  logger,
	}
	if withJWT {
		mgr, err := auth.NewJWTManager([]byte("monitor-test-secret-0123456789"), "cell0-test")
		require.NoError(t, err)
		e.jwt = mgr
		cfg.JWT = mgr
	}
	e.srv = NewServer(cfg)
	return e
}

// do performs one request against the handler. authz is the full
// Authorization header value ("" to omit it); payload is nil, a raw
// string, or a value to marshal as JSON.
func (e *env) do(t *testing.T, method, target, authz string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch v := payload.(type) {
	case nil:
	case string:
		rd = strings.NewReader(v)
	default:
		buf, err := json.Marshal(v)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, target, rd)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	data, ok := decodeBody(t, rec)["data"].(map[string]any)
	require.True(t, ok, "expected data envelope: %s", rec.Body.String())
	return data
}

func errCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decodeBody(t, rec)["error"].(map[string]any)
	require.True(t, ok, "expected error envelope: %s", rec.Body.String())
	code, _ := e["code"].(string)
	return code
}

func TestHealthzStateMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *Health)
		wantStatus int
		wantState  string
	}{
		{
			name:       "empty tracker is healthy",
			setup:      func(h *Health) {},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "degraded still answers 200",
			setup: func(h *Health) {
				h.Set(ComponentGateway, StateHealthy, "")
				h.Set(ComponentStorage, StateDegraded, "compaction behind")
			},
			wantStatus: http.StatusOK,
			wantState:  "degraded",
		},
		{
			name: "errored answers 503",
			setup: func(h *Health) {
				h.Set(ComponentRaft, StateErrored, "no quorum")
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "errored",
		},
		{
			name: "critical wins over healthy",
			setup: func(h *Health) {
				h.Set(ComponentGateway, StateHealthy, "")
				h.Set(ComponentStorage, StateCritical, "volume gone")
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "critical",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, false)
			tt.setup(e.health)

			rec := e.do(t, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantState, decodeBody(t, rec)["status"])
		})
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	e := newEnv(t, false)
	e.health.Set(ComponentGateway, StateHealthy, "")
	e.health.Set(ComponentStorage, StateDegraded, "compaction behind")

	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	comps, ok := decodeBody(t, rec)["components"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, comps, ComponentStorage)

	storage, ok := comps[ComponentStorage].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "degraded", storage["state"])
	assert.Equal(t, "compaction behind", storage["detail"])
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataOf(t, rec)
	assert.Equal(t, "node-1", data["node_id"])
	assert.Equal(t, "1.2.3-test", data["version"])
	assert.Equal(t, "healthy", data["health"])

	stats, ok := data["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, stats["active_connections"])
	assert.Contains(t, stats, "dispatcher")
	assert.Contains(t, stats, "presence")
	assert.Contains(t, stats, "router")
}

func TestRaftStatusNotEnabled(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/v1/raft/status", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errCodeOf(t, rec))
}

func TestEventsNewestFirst(t *testing.T) {
	e := newEnv(t, false)
	for i := 0; i < 3; i++ {
		e.events.Record(router.NewEvent("unit.test", "ops", "monitor-test", map[string]any{"seq": i}))
	}

	rec := e.do(t, http.MethodGet, "/v1/events?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data []router.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Data, 2)
	assert.EqualValues(t, 2, out.Data[0].Data["seq"])
	assert.EqualValues(t, 1, out.Data[1].Data["seq"])

	// Without a limit the default applies and all three come back.
	rec = e.do(t, http.MethodGet, "/v1/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Data, 3)
}

func TestEventsRejectsBadLimit(t *testing.T) {
	e := newEnv(t, false)

	for _, raw := range []string{"-1", "three", "1.5"} {
		rec := e.do(t, http.MethodGet, "/v1/events?limit="+raw, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", raw)
		assert.Equal(t, "bad_request", errCodeOf(t, rec), "limit=%s", raw)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cell0_gateway_connections_active")
	assert.Contains(t, rec.Body.String(), "cell0_presence_sessions_active")
}

func TestAdminRefusedWithoutOperatorSecret(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/v1/admin/tokens", "Bearer anything", map[string]any{"entity_id": "agent-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errCodeOf(t, rec))
}

func TestAdminAuthentication(t *testing.T) {
	e := newEnv(t, true)
	viewer, err := e.jwt.IssueOperatorToken("viewer@example.com", "viewer")
	require.NoError(t, err)

	tests := []struct {
		name     string
		authz    string
		wantCode int
		wantErr  string
	}{
		{"missing header", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "unauthorized"},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, "unauthorized"},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/admin/tokens", tt.authz, map[string]any{"entity_id": "agent-1"})
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, errCodeOf(t, rec))
		})
	}
}

func TestTokenCreateAndRevoke(t *testing.T) {
	e := newEnv(t, true)
	admin, err := e.jwt.IssueOperatorToken("ops@example.com", auth.RoleAdmin)
	require.NoError(t, err)
	authz := "Bearer " + admin

	rec := e.do(t, http.MethodPost, "/v1/admin/tokens", authz, map[string]any{
		"entity_id":        "agent-42",
		"entity_type":      "agent",
		"permissions":      []string{"task.submit"},
		"expires_in_hours": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	data := dataOf(t, rec)
	minted, _ := data["token"].(string)
	require.NotEmpty(t, minted)
	assert.Equal(t, "agent-42", data["entity_id"])
	assert.Equal(t, "agent", data["entity_type"])

	tok, err := e.tokens.Validate(minted)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", tok.EntityID)
	assert.Equal(t, []string{"task.submit"}, tok.Permissions)

	rec = e.do(t, http.MethodDelete, "/v1/admin/tokens/"+minted, authz, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = e.tokens.Validate(minted)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)

	// A second revoke finds nothing to remove.
	rec = e.do(t, http.MethodDelete, "/v1/admin/tokens/"+minted, authz, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenCreateValidation(t *testing.T) {
	e := newEnv(t, true)
	admin, err := e.jwt.IssueOperatorToken("ops@example.com", auth.RoleAdmin)
	require.NoError(t, err)
	authz := "Bearer " + admin

	tests := []struct {
		name    string
		payload any
	}{
		{"missing entity_id", map[string]any{"entity_type": "agent"}},
		{"unknown field", map[string]any{"entity_id": "a", "bogus": true}},
		{"malformed json", `{"entity_id": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/admin/tokens", authz, tt.payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "bad_request", errCodeOf(t, rec))
		})
	}
}
