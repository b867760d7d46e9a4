package monitor

import (
	"encoding/json"
	"sync"
	"time"
)

// State classifies a component's condition. Values order from best to
// worst; the process exit code is the numeric value of the worst state
// held at shutdown.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateErrored
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateErrored:
		return "errored"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the state name rather than its numeric value.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Component names used by the daemon. Callers may register others.
const (
	ComponentGateway     = "gateway"
	ComponentRaft        = "raft"
	ComponentStorage     = "storage"
	ComponentDistributor = "distributor"
)

// ComponentHealth is one component's last reported condition.
type ComponentHealth struct {
	State   State     `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Updated time.Time `json:"updated"`
}

// Health tracks per-component condition reports. Safe for concurrent
// use; components report through Set as their state changes.
type Health struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

// NewHealth returns an empty tracker. Components unknown to the tracker
// do not affect the overall state.
func NewHealth() *Health {
	return &Health{components: make(map[string]ComponentHealth)}
}

// Set records a component's condition, replacing any previous report.
func (h *Health) Set(component string, state State, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[component] = ComponentHealth{
		State:   state,
		Detail:  detail,
		Updated: time.Now().UTC(),
	}
}

// Snapshot returns a copy of all component reports.
func (h *Health) Snapshot() map[string]ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(h.components))
	for name, c := range h.components {
		out[name] = c
	}
	return out
}

// Overall returns the worst state across all components. An empty
// tracker is healthy.
func (h *Health) Overall() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	worst := StateHealthy
	for _, c := range h.components {
		if c.State > worst {
			worst = c.State
		}
	}
	return worst
}

// ExitCode maps the overall state to the daemon's exit code:
// 0 healthy, 1 degraded, 2 errored, 3 critical.
func (h *Health) ExitCode() int {
	return int(h.Overall())
}
