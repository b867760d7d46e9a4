package distributor

import (
	"sync"
	"time"
)

// Queue holds tasks ordered by priority then insertion, gated by
// dependency completion. Retries re-enter at the head of their class so
// an old task never starves behind newer arrivals.
type Queue struct {
	mu        sync.Mutex
	queues    [numPriorities][]*Task
	tasks     map[string]*Task
	inQueue   map[string]bool
	deps      map[string]map[string]struct{}
	completed map[string]struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks:     make(map[string]*Task),
		inQueue:   make(map[string]bool),
		deps:      make(map[string]map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// QueueStats snapshots queue counts for the stats surfaces.
type QueueStats struct {
	Total      int            `json:"total_tasks"`
	Pending    int            `json:"pending"`
	Assigned   int            `json:"assigned"`
	Running    int            `json:"running"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Cancelled  int            `json:"cancelled"`
	ByPriority map[string]int `json:"by_priority"`
}

// Enqueue registers a task. Tasks with unmet dependencies are held back
// until Complete promotes them. Reports false on a duplicate id.
func (q *Queue) Enqueue(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tasks[t.ID]; exists {
		return false
	}
	q.tasks[t.ID] = t
	if len(t.Requirements.Dependencies) > 0 {
		set := make(map[string]struct{}, len(t.Requirements.Dependencies))
		for _, dep := range t.Requirements.Dependencies {
			set[dep] = struct{}{}
		}
		q.deps[t.ID] = set
	}
	t.State = StatePending
	if q.ready(t) {
		q.push(t, false)
	}
	return true
}

// AgentView is what dequeue matching sees of one agent.
type AgentView struct {
	Capabilities []string
	Resources    map[string]float64
}

// DequeueForAny scans priorities in order and returns the first ready
// task at least one of the given agents can run, along with the matching
// agent ids. The task leaves the queue in state assigned; the caller
// either dispatches it or calls RequeueFront.
func (q *Queue) DequeueForAny(agents map[string]AgentView) (*Task, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := Priority(0); p < numPriorities; p++ {
		for i, t := range q.queues[p] {
			if t.State != StatePending || !q.ready(t) {
				continue
			}
			var matched []string
			for id, view := range agents {
				if matchesCapabilities(t, view.Capabilities) && hasResources(t, view.Resources) {
					matched = append(matched, id)
				}
			}
			if len(matched) == 0 {
				continue
			}
			q.queues[p] = append(q.queues[p][:i], q.queues[p][i+1:]...)
			q.inQueue[t.ID] = false
			t.State = StateAssigned
			return t, matched
		}
	}
	return nil, nil
}

// RequeueFront puts a task back at the head of its priority class without
// touching its attempt count. Used for balancer fallthrough, agent
// unregister, and the cooperative give-back path.
func (q *Queue) RequeueFront(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.State.Terminal() {
		return false
	}
	t.State = StatePending
	t.AssignedAgent = ""
	t.StartedAt = time.Time{}
	if !q.inQueue[t.ID] {
		q.push(t, true)
	}
	return true
}

// Complete records a terminal outcome and promotes tasks whose
// dependencies just became satisfied.
func (q *Queue) Complete(taskID string, res Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return false
	}
	if q.inQueue[t.ID] {
		q.remove(t)
	}
	if res.Success {
		t.State = StateCompleted
	} else {
		t.State = StateFailed
	}
	t.Result = res.Result
	t.Error = res.Error
	t.CompletedAt = time.Now()
	q.completed[taskID] = struct{}{}
	q.promote()
	return true
}

// Retry re-queues a failed task at the head of its class. Reports false
// once the attempt budget is spent.
func (q *Queue) Retry(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.Attempts >= t.MaxAttempts {
		return false
	}
	delete(q.completed, taskID)
	t.State = StatePending
	t.AssignedAgent = ""
	t.Error = ""
	t.Result = nil
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	if !q.inQueue[t.ID] {
		q.push(t, true)
	}
	return true
}

// Cancel removes a pending task or marks a non-terminal one cancelled.
func (q *Queue) Cancel(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.State.Terminal() {
		return Task{}, false
	}
	if q.inQueue[t.ID] {
		q.remove(t)
	}
	t.State = StateCancelled
	t.CompletedAt = time.Now()
	q.completed[taskID] = struct{}{}
	q.promote()
	return cloneTask(t), true
}

// Get returns a snapshot of one task.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return cloneTask(t), true
}

// MarkRunning transitions an assigned task to running for one dispatch
// attempt.
func (q *Queue) MarkRunning(taskID, agentID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	if q.inQueue[t.ID] {
		q.remove(t)
	}
	t.State = StateRunning
	t.AssignedAgent = agentID
	t.StartedAt = time.Now()
	t.Attempts++
	return cloneTask(t), true
}

// RunningOlderThan returns snapshots of running tasks started before the
// cutoff; the monitor treats them as timed out.
func (q *Queue) RunningOlderThan(cutoff time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.tasks {
		if t.State == StateRunning && !t.StartedAt.IsZero() && t.StartedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// EvictTerminal drops terminal tasks that finished before the cutoff and
// returns how many were removed. Completed dependency markers survive so
// later dependents still resolve.
func (q *Queue) EvictTerminal(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, t := range q.tasks {
		if t.State.Terminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			delete(q.inQueue, id)
			delete(q.deps, id)
			n++
		}
	}
	return n
}

// Stats snapshots queue counts.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Total:      len(q.tasks),
		ByPriority: make(map[string]int, numPriorities),
	}
	for p := Priority(0); p < numPriorities; p++ {
		s.ByPriority[p.String()] = len(q.queues[p])
	}
	for _, t := range q.tasks {
		switch t.State {
		case StatePending:
			s.Pending++
		case StateAssigned:
			s.Assigned++
		case StateRunning:
			s.Running++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// ready reports dependency satisfaction. Caller holds the lock.
func (q *Queue) ready(t *Task) bool {
	for dep := range q.deps[t.ID] {
		if _, done := q.completed[dep]; !done {
			return false
		}
	}
	return true
}

// promote moves newly unblocked tasks into their class. Caller holds the
// lock.
func (q *Queue) promote() {
	for _, t := range q.tasks {
		if t.State == StatePending && !q.inQueue[t.ID] && q.ready(t) {
			q.push(t, false)
		}
	}
}

// push inserts into the priority class, at the head when front is set.
// Caller holds the lock.
func (q *Queue) push(t *Task, front bool) {
	if front {
		q.queues[t.Priority] = append([]*Task{t}, q.queues[t.Priority]...)
	} else {
		q.queues[t.Priority] = append(q.queues[t.Priority], t)
	}
	q.inQueue[t.ID] = true
}

// remove deletes from the priority class. Caller holds the lock.
func (q *Queue) remove(t *Task) {
	class := q.queues[t.Priority]
	for i, cur := range class {
		if cur.ID == t.ID {
			q.queues[t.Priority] = append(class[:i], class[i+1:]...)
			break
		}
	}
	q.inQueue[t.ID] = false
}

func matchesCapabilities(t *Task, capabilities []string) bool {
	if len(t.Requirements.Capabilities) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for _, req := range t.Requirements.Capabilities {
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}

func hasResources(t *Task, resources map[string]float64) bool {
	req := t.Requirements
	if req.MinMemoryMB > resources["memory_mb"] {
		return false
	}
	if req.MinCPUCores > resources["cpu_cores"] {
		return false
	}
	if req.MinGPUMemoryMB > resources["gpu_memory_mb"] {
		return false
	}
	return true
}
