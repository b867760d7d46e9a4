package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Session is the view of an authenticated principal the dispatcher needs
// for gating. The presence registry's session type satisfies it.
type Session interface {
	SessionID() string
	IsAuthenticated() bool
	HasPermission(perm string) bool
}

// Call is what a handler receives: the decoded envelope plus the identity
// of the connection it arrived on.
type Call struct {
	Method  string
	Params  json.RawMessage
	ConnID  string
	Session Session // nil until the connection authenticates
}

// Bind decodes the call's named params into v. Absent params decode as an
// empty object. Unknown members are ignored, matching the tolerance the
// wire contract promises callers.
func (c *Call) Bind(v any) error {
	raw := c.Params
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return InvalidParams(fmt.Sprintf("Invalid params: %v", err))
	}
	return nil
}

// HandlerFunc executes a registered method. Returning *Error controls the
// wire code; any other error surfaces as internal_error.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Method describes one registered method.
type Method struct {
	Name         string
	Handler      HandlerFunc
	AuthRequired bool
	Permissions  []string

	// RateLimit caps calls per second per connection; 0 means unlimited.
	// RateBurst defaults to the ceiling of RateLimit when left zero.
	RateLimit float64
	RateBurst int
}

// MethodInfo is the introspection shape returned by rpc.getMethodInfo.
type MethodInfo struct {
	Name         string   `json:"name"`
	AuthRequired bool     `json:"auth_required"`
	Permissions  []string `json:"required_permissions"`
}

// Registry maps method names to handlers. Registration happens at startup;
// lookups happen on every frame, so reads take the cheap path.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry returns an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds a method. Registering a duplicate or incomplete method is
// a programming error and is reported rather than silently replacing.
func (r *Registry) Register(m Method) error {
	if m.Name == "" {
		return fmt.Errorf("protocol: method name is empty")
	}
	if m.Handler == nil {
		return fmt.Errorf("protocol: method %s has no handler", m.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("protocol: method %s already registered", m.Name)
	}
	cp := m
	r.methods[m.Name] = &cp
	return nil
}

// MustRegister panics on registration failure. Method tables are wired at
// startup where a bad entry should stop the process.
func (r *Registry) MustRegister(m Method) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns the method by name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns all registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}
