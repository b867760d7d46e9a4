// Package auth issues and validates the two credential kinds the control
// plane deals in: opaque gateway tokens presented by agents and users over
// the WebSocket protocol, and signed operator tokens presented to the admin
// HTTP surface.
//
// Gateway tokens are server-side records: validation is a lookup, which
// makes revocation immediate and keeps the wire format free of claims.
// Operator tokens are stateless HS256 JWTs so the admin surface works
// before any gateway state exists.
package auth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// tokenPrefix tags every gateway token so leaked strings are recognizable
// in logs and secret scanners.
const tokenPrefix = "cell0"

// Wildcard grants every permission when present in a token's permission set.
const Wildcard = "*"

// Token is the server-side record behind an issued gateway token string.
type Token struct {
	Token       string    `json:"token"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Clone returns a copy safe to hand outside the manager's lock.
func (t *Token) Clone() *Token {
	cp := *t
	cp.Permissions = append([]string(nil), t.Permissions...)
	return &cp
}

// HasPermission reports whether the token grants perm, honoring Wildcard.
func (t *Token) HasPermission(perm string) bool {
	for _, p := range t.Permissions {
		if p == Wildcard || p == perm {
			return true
		}
	}
	return false
}

// ManagerStats is a point-in-time snapshot for the stats surfaces.
type ManagerStats struct {
	ActiveTokens  int `json:"active_tokens"`
	RevokedTokens int `json:"revoked_tokens"`
}

// Manager owns the issued-token store and the revocation set.
//
// Revoked tokens stay in the revocation set until their natural expiry so
// a revoked-then-swept token cannot be replayed during its validity window.
type Manager struct {
	mu      sync.Mutex
	tokens  map[string]*Token
	revoked map[string]time.Time // token -> original expiry
	logger  *zap.Logger
}

// NewManager returns an empty token manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tokens:  make(map[string]*Token),
		revoked: make(map[string]time.Time),
		logger:  logger,
	}
}

// Generate issues a token for entityID valid for ttl. The token string is
// cell0_<128 random bits hex>_<unix issue time>.
func (m *Manager) Generate(entityID, entityType string, permissions []string, ttl time.Duration) *Token {
	now := time.Now().UTC()
	id := uuid.New()
	tok := &Token{
		Token:       fmt.Sprintf("%s_%s_%d", tokenPrefix, hex.EncodeToString(id[:]), now.Unix()),
		EntityID:    entityID,
		EntityType:  entityType,
		Permissions: append([]string(nil), permissions...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	m.mu.Lock()
	m.tokens[tok.Token] = tok
	m.mu.Unlock()

	m.logger.Info("token issued",
		zap.String("entity_id", entityID),
		zap.String("entity_type", entityType),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok.Clone()
}

// Validate returns the token record iff the token is recorded, not expired,
// and not revoked. The failure reason is one of ErrTokenUnknown,
// ErrTokenExpired, ErrTokenRevoked.
func (m *Manager) Validate(token string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.revoked[token]; ok {
		return nil, ErrTokenRevoked
	}
	tok, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return tok.Clone(), nil
}

// Revoke removes the token from the issued set and records it as revoked.
// Reports whether the token was found.
func (m *Manager) Revoke(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[token]
	if !ok {
		return false
	}
	delete(m.tokens, token)
	m.revoked[token] = tok.ExpiresAt

	m.logger.Info("token revoked",
		zap.String("entity_id", tok.EntityID),
		zap.String("token_suffix", tokenSuffix(token)))
	return true
}

// CleanupExpired drops expired tokens from the issued store and expired
// entries from the revocation set. Returns how many records were removed.
func (m *Manager) CleanupExpired() int {
	now := time.Now()
	removed := 0

	m.mu.Lock()
	for s, tok := range m.tokens {
		if now.After(tok.ExpiresAt) {
			delete(m.tokens, s)
			removed++
		}
	}
	for s, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, s)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("expired tokens swept", zap.Int("removed", removed))
	}
	return removed
}

// Stats reports current store sizes.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		ActiveTokens:  len(m.tokens),
		RevokedTokens: len(m.revoked),
	}
}

// tokenSuffix keeps log lines greppable without leaking the credential.
func tokenSuffix(token string) string {
	if i := strings.LastIndex(token, "_"); i >= 0 && i+1 < len(token) {
		return token[i+1:]
	}
	if len(token) > 8 {
		return token[len(token)-8:]
	}
	return token
}
