package distributor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	numPriorities
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority maps a wire name to a priority; empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("distributor: unknown priority %q", s)
}

// State is a task's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Requirements gate which agents a task may run on.
type Requirements struct {
	Capabilities         []string `json:"capabilities,omitempty"`
	MinMemoryMB          float64  `json:"min_memory_mb,omitempty"`
	MinCPUCores          float64  `json:"min_cpu_cores,omitempty"`
	MinGPUMemoryMB       float64  `json:"min_gpu_memory_mb,omitempty"`
	EstimatedDurationSec float64  `json:"estimated_duration_sec,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`
	ExclusiveAgent       bool     `json:"exclusive_agent,omitempty"`
}

// DefaultMaxAttempts bounds dispatches per task.
const DefaultMaxAttempts = 3

// Task is the complete work descriptor.
type Task struct {
	ID           string         `json:"task_id"`
	Type         string         `json:"task_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	Requirements Requirements   `json:"requirements"`

	State         State     `json:"state"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WorkUnit is what an agent actually receives for one dispatch.
type WorkUnit struct {
	UnitID   string         `json:"unit_id"`
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority Priority       `json:"priority"`
	Attempt  int            `json:"attempt"`
	Deadline time.Time      `json:"deadline"`
}

// Result reports one execution outcome.
type Result struct {
	TaskID           string             `json:"task_id"`
	AgentID          string             `json:"agent_id"`
	Success          bool               `json:"success"`
	Result           any                `json:"result,omitempty"`
	Error            string             `json:"error,omitempty"`
	ExecutionTimeSec float64            `json:"execution_time_sec,omitempty"`
	ResourceUsage    map[string]float64 `json:"resource_usage,omitempty"`
}

// AgentLoad is a worker's self-reported load sample.
type AgentLoad struct {
	AgentID           string    `json:"agent_id"`
	ActiveTasks       int       `json:"active_tasks"`
	QueuedTasks       int       `json:"queued_tasks"`
	CPUUtilization    float64   `json:"cpu_utilization"`
	MemoryUtilization float64   `json:"memory_utilization"`
	GPUUtilization    float64   `json:"gpu_utilization,omitempty"`
	NetworkIOMbps     float64   `json:"network_io_mbps,omitempty"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Total is the queue-depth figure used by least-loaded selection and the
// rebalancer.
func (l AgentLoad) Total() int {
	return l.ActiveTasks + l.QueuedTasks
}

func newTaskID() string {
	id := uuid.New()
	return "task_" + hex.EncodeToString(id[:6])
}

func newUnitID() string {
	id := uuid.New()
	return "unit_" + hex.EncodeToString(id[:6])
}

func newScheduleID() string {
	id := uuid.New()
	return "sched_" + hex.EncodeToString(id[:6])
}

func newInstanceID() string {
	id := uuid.New()
	return "inst_" + hex.EncodeToString(id[:6])
}

func cloneTask(t *Task) Task {
	cp := *t
	cp.Payload = cloneMap(t.Payload)
	cp.Metadata = cloneMap(t.Metadata)
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Requirements.Capabilities = append([]string(nil), t.Requirements.Capabilities...)
	cp.Requirements.Dependencies = append([]string(nil), t.Requirements.Dependencies...)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
