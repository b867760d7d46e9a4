// Package presence is the single source of truth for who is connected:
// entity status and capabilities, plus the sessions binding entities to
// gateway connections.
//
// All mutation happens under one registry lock. Change callbacks are
// collected during the mutation and invoked after the lock is released,
// in commit order, so a subscriber may call back into the registry
// without deadlocking.
package presence

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status of an entity as advertised to the rest of the system.
type Status string

const (
	StatusOnline       Status = "online"
	StatusAway         Status = "away"
	StatusBusy         Status = "busy"
	StatusDoNotDisturb Status = "do_not_disturb"
	StatusOffline      Status = "offline"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusDoNotDisturb, StatusOffline:
		return true
	}
	return false
}

// EntityType classifies the actor behind a presence entry.
type EntityType string

const (
	EntityAgent   EntityType = "agent"
	EntityUser    EntityType = "user"
	EntitySession EntityType = "session"
	EntityChannel EntityType = "channel"
	EntitySystem  EntityType = "system"
)

// Capability is a named skill an entity advertises, with a priority used
// by the work distributor's adaptive selection.
type Capability struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Priority int    `json:"priority"`
}

// Info is the externally visible presence record. All accessors return
// copies; the registry's internal record never escapes the lock.
type Info struct {
	EntityID        string         `json:"entity_id"`
	EntityType      EntityType     `json:"entity_type"`
	Status          Status         `json:"status"`
	StatusMessage   string         `json:"status_message,omitempty"`
	CurrentActivity string         `json:"current_activity,omitempty"`
	Capabilities    []Capability   `json:"capabilities,omitempty"`
	ConnectedAt     time.Time      `json:"connected_at"`
	LastSeen        time.Time      `json:"last_seen"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Session binds an authenticated entity to one gateway connection. The
// registry hands out snapshot copies, never live records.
type Session struct {
	ID            string         `json:"session_id"`
	EntityID      string         `json:"entity_id"`
	EntityType    EntityType     `json:"entity_type"`
	ConnectionID  string         `json:"connection_id"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
	Authenticated bool           `json:"authenticated"`
	Permissions   []string       `json:"permissions,omitempty"`
	Subscriptions []string       `json:"subscriptions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SessionID implements the protocol session view.
func (s *Session) SessionID() string { return s.ID }

// IsAuthenticated implements the protocol session view.
func (s *Session) IsAuthenticated() bool { return s.Authenticated }

// HasPermission implements the protocol session view, honoring the "*"
// wildcard.
func (s *Session) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// newSessionID returns sess_<16 hex chars>.
func newSessionID() string {
	id := uuid.New()
	return "sess_" + hex.EncodeToString(id[:8])
}

// newSubscriptionID returns sub_<8 hex chars>.
func newSubscriptionID() string {
	id := uuid.New()
	return "sub_" + hex.EncodeToString(id[:4])
}
