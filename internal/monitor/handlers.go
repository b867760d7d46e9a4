package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// defaultTokenTTL applies when a token request omits expires_in_hours.
const defaultTokenTTL = 24 * time.Hour

// defaultEventLimit bounds /v1/events responses when no limit is given.
const defaultEventLimit = 100

// handleHealthz reports the aggregate component condition. Healthy and
// degraded both answer 200 so a limping daemon is not restarted by its
// supervisor; errored and critical answer 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	overall := s.cfg.Health.Overall()
	status := http.StatusOK
	if overall >= StateErrored {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{
		"status":     overall.String(),
		"components": s.cfg.Health.Snapshot(),
	})
}

// handleStatus returns the full stats bundle: gateway counters plus the
// dispatcher, presence, router, and distributor blocks nested inside.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ok(w, envelope{
		"node_id": s.cfg.NodeID,
		"version": s.cfg.Version,
		"health":  s.cfg.Health.Overall().String(),
		"stats":   s.cfg.Gateway.Stats(),
	})
}

func (s *Server) handleRaftStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Raft == nil {
		errJSON(w, http.StatusNotFound, "raft is not enabled on this node", "not_found")
		return
	}
	ok(w, s.cfg.Raft.Status())
}

// handleEvents returns the newest entries from the event history ring,
// newest first. ?limit=N caps the count; the ring size caps it anyway.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	ok(w, s.cfg.Events.Recent(limit))
}

// handleCreateToken mints a gateway token for the given entity. Admin
// role enforced by the route group.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID       string   `json:"entity_id"`
		EntityType     string   `json:"entity_type"`
		Permissions    []string `json:"permissions"`
		ExpiresInHours float64  `json:"expires_in_hours"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		errBadRequest(w, "entity_id is required")
		return
	}

	ttl := defaultTokenTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours * float64(time.Hour))
	}

	tok := s.cfg.Tokens.Generate(req.EntityID, req.EntityType, req.Permissions, ttl)

	operator := "unknown"
	if claims := operatorFromCtx(r.Context()); claims != nil {
		operator = claims.Subject
	}
	s.logger.Info("token minted",
		zap.String("entity_id", tok.EntityID),
		zap.String("entity_type", tok.EntityType),
		zap.String("operator", operator))

	created(w, envelope{
		"token":       tok.Token,
		"entity_id":   tok.EntityID,
		"entity_type": tok.EntityType,
		"permissions": tok.Permissions,
		"expires_at":  tok.ExpiresAt,
	})
}

// handleRevokeToken moves a token to the revocation set.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !s.cfg.Tokens.Revoke(token) {
		errNotFound(w)
		return
	}

	operator := "unknown"
	if claims := operatorFromCtx(r.Context()); claims != nil {
		operator = claims.Subject
	}
	s.logger.Info("token revoked", zap.String("operator", operator))

	w.WriteHeader(http.StatusNoContent)
}
