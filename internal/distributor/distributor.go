// Package distributor matches submitted tasks to agents. A priority and
// dependency aware queue feeds an assignment loop that places work
// through a pluggable load balancer; monitoring and rebalancing loops
// handle stuck tasks and skewed load. When a consensus node is attached,
// task lifecycle records replicate through its log so a follower can
// take over with a warm task table.
//
// Locking order is queue, then balancer, then distributor state; the
// loops take them sequentially, never nested.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
)

// DispatchFunc delivers one work unit to an agent. A synchronous error
// counts the attempt and re-queues the task if budget remains.
type DispatchFunc func(unit WorkUnit) error

// ResultFunc observes one task's terminal result.
type ResultFunc func(res Result)

// RebalanceFunc asks an overloaded agent to give back queued units.
type RebalanceFunc func(agentID string, taskIDs []string)

// CancelFunc tells the agent holding a unit to stop working on it.
type CancelFunc func(agentID, taskID string)

// ErrTaskNotFound reports a task id with no queue entry.
var ErrTaskNotFound = errors.New("distributor: unknown task")

// ErrTaskTerminal reports an operation on a task that already reached a
// terminal state.
var ErrTaskTerminal = errors.New("distributor: task already terminal")

// Config carries the distributor's timers and thresholds.
type Config struct {
	AssignmentInterval time.Duration
	MonitorInterval    time.Duration
	RebalanceInterval  time.Duration
	MaxTaskDuration    time.Duration
	RebalanceThreshold int
	Algorithm          Algorithm
	Retention          time.Duration
}

// DefaultConfig returns the production values.
func DefaultConfig() Config {
	return Config{
		AssignmentInterval: 100 * time.Millisecond,
		MonitorInterval:    10 * time.Second,
		RebalanceInterval:  30 * time.Second,
		MaxTaskDuration:    time.Hour,
		RebalanceThreshold: 5,
		Algorithm:          AlgoAdaptive,
		Retention:          24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AssignmentInterval <= 0 {
		c.AssignmentInterval = def.AssignmentInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = def.RebalanceInterval
	}
	if c.MaxTaskDuration <= 0 {
		c.MaxTaskDuration = def.MaxTaskDuration
	}
	if c.RebalanceThreshold <= 0 {
		c.RebalanceThreshold = def.RebalanceThreshold
	}
	if !c.Algorithm.Valid() {
		c.Algorithm = def.Algorithm
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
}

// Stats snapshots the distributor for the stats surfaces.
type Stats struct {
	Queue            QueueStats `json:"queue"`
	RegisteredAgents int        `json:"registered_agents"`
	Results          int        `json:"results"`
	Schedules        int        `json:"schedules"`
	Algorithm        string     `json:"algorithm"`
}

type agentEntry struct {
	dispatch     DispatchFunc
	capabilities []string
	resources    map[string]float64
}

// Distributor owns the queue, the balancer, and the three loops.
type Distributor struct {
	cfg      Config
	logger   *zap.Logger
	queue    *Queue
	balancer *Balancer
	raft     *raft.Node
	cron     *cron.Cron

	// instanceID stamps replicated lifecycle records with this process,
	// not this node: a restarted node must replay records its previous
	// incarnation proposed.
	instanceID string

	mu          sync.Mutex
	agents      map[string]agentEntry
	assignments map[string]map[string]struct{} // agent -> task ids
	results     map[string]Result
	resultSubs  map[string][]ResultFunc
	schedules   map[string]cron.EntryID
	rebalanceFn RebalanceFunc
	cancelFn    CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a distributor. node may be nil for standalone operation.
func New(cfg Config, node *raft.Node, logger *zap.Logger) *Distributor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		cfg:         cfg,
		logger:      logger.Named("distributor"),
		queue:       NewQueue(),
		balancer:    NewBalancer(),
		raft:        node,
		cron:        cron.New(),
		instanceID:  newInstanceID(),
		agents:      make(map[string]agentEntry),
		assignments: make(map[string]map[string]struct{}),
		results:     make(map[string]Result),
		resultSubs:  make(map[string][]ResultFunc),
		schedules:   make(map[string]cron.EntryID),
	}
}

// Start launches the assignment, monitoring, and rebalancing loops plus
// the recurring-task scheduler.
func (d *Distributor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(3)
	go d.loop(runCtx, d.cfg.AssignmentInterval, d.assignmentTick)
	go d.loop(runCtx, d.cfg.MonitorInterval, d.monitorTick)
	go d.loop(runCtx, d.cfg.RebalanceInterval, d.rebalanceTick)
	if d.raft != nil {
		d.wg.Add(1)
		go d.consumeCommitted(runCtx)
	}
	d.cron.Start()
	d.logger.Info("distributor started",
		zap.Duration("assignment_interval", d.cfg.AssignmentInterval),
		zap.String("algorithm", string(d.cfg.Algorithm)))
}

// Stop drains the loops. In-flight dispatch callbacks are not
// interrupted.
func (d *Distributor) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	<-d.cron.Stop().Done()
	d.logger.Info("distributor stopped")
}

func (d *Distributor) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// RegisterAgent makes an agent eligible for work. Registration alone is
// not enough; assignment also needs a load sample (the liveness signal).
func (d *Distributor) RegisterAgent(agentID string, capabilities []string, weight float64, dispatch DispatchFunc) {
	d.balancer.UpdateCapabilities(agentID, capabilities)
	if weight > 0 {
		d.balancer.SetWeight(agentID, weight)
	}
	d.mu.Lock()
	d.agents[agentID] = agentEntry{
		dispatch:     dispatch,
		capabilities: append([]string(nil), capabilities...),
		resources: map[string]float64{
			"memory_mb":     1024,
			"cpu_cores":     4,
			"gpu_memory_mb": 0,
		},
	}
	d.mu.Unlock()
	d.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities))
}

// UpdateAgentResources replaces the resource figures used for matching.
func (d *Distributor) UpdateAgentResources(agentID string, resources map[string]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.agents[agentID]
	if !ok {
		return
	}
	entry.resources = resources
	d.agents[agentID] = entry
}

// UnregisterAgent removes an agent and re-queues its non-terminal tasks
// at the head of their classes without charging an attempt.
func (d *Distributor) UnregisterAgent(agentID string) {
	d.mu.Lock()
	delete(d.agents, agentID)
	taskIDs := make([]string, 0, len(d.assignments[agentID]))
	for id := range d.assignments[agentID] {
		taskIDs = append(taskIDs, id)
	}
	delete(d.assignments, agentID)
	d.mu.Unlock()

	d.balancer.Forget(agentID)
	requeued := 0
	for _, id := range taskIDs {
		if d.queue.RequeueFront(id) {
			requeued++
		}
	}
	if len(taskIDs) > 0 {
		d.logger.Info("agent unregistered",
			zap.String("agent_id", agentID),
			zap.Int("requeued", requeued))
	}
}

// UpdateAgentLoad records a load report from task.load.
func (d *Distributor) UpdateAgentLoad(load AgentLoad) {
	d.balancer.UpdateLoad(load)
}

// OnRebalance installs the give-back sender, normally the gateway's
// task.rebalance notification path.
func (d *Distributor) OnRebalance(fn RebalanceFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebalanceFn = fn
}

// OnCancel installs the stop sender, normally the gateway's task.cancel
// notification path.
func (d *Distributor) OnCancel(fn CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelFn = fn
}

// Submit creates and enqueues a task. With consensus attached, only the
// leader accepts submissions; elsewhere the caller receives the redirect
// hint inside a NotLeaderError.
func (d *Distributor) Submit(spec TaskSpec) (Task, error) {
	if d.raft != nil && !d.raft.IsLeader() {
		return Task{}, &raft.NotLeaderError{LeaderID: d.raft.LeaderID()}
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	t := &Task{
		ID:           newTaskID(),
		Type:         spec.Type,
		Payload:      spec.Payload,
		Priority:     spec.Priority,
		Requirements: spec.Requirements,
		State:        StatePending,
		CreatedAt:    time.Now(),
		MaxAttempts:  maxAttempts,
		Tags:         spec.Tags,
	}
	if !d.queue.Enqueue(t) {
		return Task{}, fmt.Errorf("distributor: duplicate task id %s", t.ID)
	}
	snapshot := cloneTask(t)
	d.propose(command{Op: opSubmitted, Task: &snapshot})
	d.logger.Debug("task submitted",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.Type),
		zap.String("priority", t.Priority.String()))
	return snapshot, nil
}

// TaskSpec describes one submission.
type TaskSpec struct {
	Type         string         `json:"task_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	Requirements Requirements   `json:"requirements"`
	Tags         []string       `json:"tags,omitempty"`
	MaxAttempts  int            `json:"max_attempts,omitempty"`
}

// SubmitBatch enqueues several tasks and returns their ids in order.
// The batch stops at the first rejection.
func (d *Distributor) SubmitBatch(specs []TaskSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		t, err := d.Submit(s)
		if err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// Cancel stops a non-terminal task. A dispatched task is cancelled
// cooperatively: the assigned agent is told to stop via the installed
// CancelFunc, and a late result lands as a duplicate report. Like
// Submit, cancellation goes through the leader when consensus is
// attached.
func (d *Distributor) Cancel(taskID string) (Task, error) {
	if d.raft != nil && !d.raft.IsLeader() {
		return Task{}, &raft.NotLeaderError{LeaderID: d.raft.LeaderID()}
	}
	t, ok := d.queue.Cancel(taskID)
	if !ok {
		if _, known := d.queue.Get(taskID); !known {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, ErrTaskTerminal
	}
	d.clearAssignment(taskID)
	d.propose(command{Op: opCancelled, TaskID: taskID})
	if t.AssignedAgent != "" {
		d.mu.Lock()
		fn := d.cancelFn
		d.mu.Unlock()
		if fn != nil {
			fn(t.AssignedAgent, taskID)
		}
	}
	return t, nil
}

// Get returns a task snapshot.
func (d *Distributor) Get(taskID string) (Task, bool) {
	return d.queue.Get(taskID)
}

// ResultFor returns the stored result for a terminal task.
func (d *Distributor) ResultFor(taskID string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.results[taskID]
	return res, ok
}

// OnResult subscribes to one task's terminal result. If the result is
// already in, the callback fires immediately.
func (d *Distributor) OnResult(taskID string, fn ResultFunc) {
	d.mu.Lock()
	if res, ok := d.results[taskID]; ok {
		d.mu.Unlock()
		fn(res)
		return
	}
	d.resultSubs[taskID] = append(d.resultSubs[taskID], fn)
	d.mu.Unlock()
}

// HandleResult records an execution outcome reported by an agent
// (task.complete) or synthesized by the monitor. Failures retry until the
// attempt budget is spent. A follower refuses the report; the agent is
// expected to re-report after following the leader hint, and the new
// leader's monitor reclaims the task either way.
func (d *Distributor) HandleResult(res Result) error {
	if d.raft != nil && !d.raft.IsLeader() {
		return &raft.NotLeaderError{LeaderID: d.raft.LeaderID()}
	}
	t, known := d.queue.Get(res.TaskID)
	if !known {
		d.logger.Warn("result for unknown task", zap.String("task_id", res.TaskID))
		return ErrTaskNotFound
	}
	if t.State.Terminal() {
		// Duplicate report, likely racing a monitor timeout. The first
		// outcome stands.
		return nil
	}

	d.queue.Complete(res.TaskID, res)
	d.clearAssignment(res.TaskID)

	if res.Success {
		d.balancer.RecordCompletion(res.AgentID, t.Type)
		d.propose(command{Op: opCompleted, TaskID: res.TaskID, AgentID: res.AgentID})
	} else {
		d.propose(command{Op: opFailed, TaskID: res.TaskID, AgentID: res.AgentID, Error: res.Error})
	}

	final := true
	if !res.Success && d.queue.Retry(res.TaskID) {
		final = false
		d.logger.Debug("task re-queued for retry",
			zap.String("task_id", res.TaskID),
			zap.Int("attempts", t.Attempts))
	}

	if final {
		d.mu.Lock()
		d.results[res.TaskID] = res
		subs := d.resultSubs[res.TaskID]
		delete(d.resultSubs, res.TaskID)
		d.mu.Unlock()
		for _, fn := range subs {
			fn(res)
		}
	}
	return nil
}

// ReleaseTask is the agent side of the give-back protocol: a queued unit
// returns to the head of its class with no attempt charge.
func (d *Distributor) ReleaseTask(taskID, agentID string) bool {
	if !d.leading() {
		return false
	}
	t, ok := d.queue.Get(taskID)
	if !ok || t.AssignedAgent != agentID {
		return false
	}
	if !d.queue.RequeueFront(taskID) {
		return false
	}
	d.clearAssignment(taskID)
	d.logger.Debug("task released",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID))
	return true
}

// ScheduleRecurring submits a task from the template on a 5-field cron
// spec and returns the schedule id.
func (d *Distributor) ScheduleRecurring(spec, taskType string, payload map[string]any, priority Priority) (string, error) {
	scheduleID := newScheduleID()
	entryID, err := d.cron.AddFunc(spec, func() {
		_, err := d.Submit(TaskSpec{
			Type:     taskType,
			Payload:  cloneMap(payload),
			Priority: priority,
			Tags:     []string{"scheduled:" + scheduleID},
		})
		if err != nil {
			d.logger.Warn("scheduled submit failed",
				zap.String("schedule_id", scheduleID),
				zap.Error(err))
		}
	})
	if err != nil {
		return "", fmt.Errorf("distributor: bad cron spec %q: %w", spec, err)
	}
	d.mu.Lock()
	d.schedules[scheduleID] = entryID
	d.mu.Unlock()
	d.logger.Info("recurring task scheduled",
		zap.String("schedule_id", scheduleID),
		zap.String("spec", spec),
		zap.String("task_type", taskType))
	return scheduleID, nil
}

// CancelSchedule removes a recurring submission.
func (d *Distributor) CancelSchedule(scheduleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entryID, ok := d.schedules[scheduleID]
	if !ok {
		return false
	}
	d.cron.Remove(entryID)
	delete(d.schedules, scheduleID)
	return true
}

// EvictTerminal trims terminal tasks older than the retention window.
// The janitor calls this hourly.
func (d *Distributor) EvictTerminal() int {
	cutoff := time.Now().Add(-d.cfg.Retention)
	n := d.queue.EvictTerminal(cutoff)
	if n > 0 {
		d.mu.Lock()
		for id := range d.results {
			if _, ok := d.queue.Get(id); !ok {
				delete(d.results, id)
			}
		}
		d.mu.Unlock()
		d.logger.Info("terminal tasks evicted", zap.Int("count", n))
	}
	return n
}

// AssignmentsFor lists the task ids currently held by one agent.
func (d *Distributor) AssignmentsFor(agentID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.assignments[agentID]))
	for id := range d.assignments[agentID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats snapshots the distributor.
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	agents := len(d.agents)
	results := len(d.results)
	schedules := len(d.schedules)
	d.mu.Unlock()
	return Stats{
		Queue:            d.queue.Stats(),
		RegisteredAgents: agents,
		Results:          results,
		Schedules:        schedules,
		Algorithm:        string(d.cfg.Algorithm),
	}
}

// leading reports whether this node may mutate the authoritative task
// table. Without consensus attached every node leads; with it, followers
// hold their warm copy passive until they win an election.
func (d *Distributor) leading() bool {
	return d.raft == nil || d.raft.IsLeader()
}

// assignmentTick drains ready work to available agents: those with a
// registered dispatch callback and a known load sample.
func (d *Distributor) assignmentTick() {
	if !d.leading() {
		return
	}
	views, dispatchers := d.availableAgents()
	if len(views) == 0 {
		return
	}
	for {
		task, candidates := d.queue.DequeueForAny(views)
		if task == nil {
			return
		}
		agentID, ok := d.balancer.Select(task, candidates, d.cfg.Algorithm)
		if !ok {
			d.queue.RequeueFront(task.ID)
			return
		}
		d.dispatch(agentID, task.ID, dispatchers[agentID])
	}
}

// availableAgents snapshots agents eligible for assignment: registered
// with a dispatch callback and seen through at least one load report.
func (d *Distributor) availableAgents() (map[string]AgentView, map[string]DispatchFunc) {
	loads := d.balancer.Loads()
	d.mu.Lock()
	defer d.mu.Unlock()
	views := make(map[string]AgentView, len(d.agents))
	dispatchers := make(map[string]DispatchFunc, len(d.agents))
	for id, entry := range d.agents {
		if _, hasLoad := loads[id]; !hasLoad {
			continue
		}
		views[id] = AgentView{Capabilities: entry.capabilities, Resources: entry.resources}
		dispatchers[id] = entry.dispatch
	}
	return views, dispatchers
}

// dispatch transitions the task to running and delivers the work unit.
// A synchronous callback error consumes the attempt and re-queues while
// budget remains.
func (d *Distributor) dispatch(agentID, taskID string, fn DispatchFunc) {
	t, ok := d.queue.MarkRunning(taskID, agentID)
	if !ok {
		return
	}
	d.mu.Lock()
	set, ok := d.assignments[agentID]
	if !ok {
		set = make(map[string]struct{})
		d.assignments[agentID] = set
	}
	set[taskID] = struct{}{}
	d.mu.Unlock()

	d.propose(command{Op: opAssigned, TaskID: taskID, AgentID: agentID})

	unit := WorkUnit{
		UnitID:   newUnitID(),
		TaskID:   t.ID,
		TaskType: t.Type,
		Payload:  t.Payload,
		Priority: t.Priority,
		Attempt:  t.Attempts,
		Deadline: time.Now().Add(d.cfg.MaxTaskDuration),
	}
	if fn == nil {
		d.HandleResult(Result{TaskID: taskID, AgentID: agentID, Success: false, Error: "no dispatch callback"})
		return
	}
	if err := fn(unit); err != nil {
		d.logger.Warn("dispatch failed",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		d.HandleResult(Result{TaskID: taskID, AgentID: agentID, Success: false, Error: err.Error()})
		return
	}
	d.logger.Debug("task dispatched",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", t.Attempts))
}

// monitorTick fails running tasks that exceeded the execution budget.
func (d *Distributor) monitorTick() {
	if !d.leading() {
		return
	}
	cutoff := time.Now().Add(-d.cfg.MaxTaskDuration)
	for _, t := range d.queue.RunningOlderThan(cutoff) {
		agent := t.AssignedAgent
		if agent == "" {
			agent = "unknown"
		}
		d.logger.Warn("task timed out",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agent))
		d.HandleResult(Result{TaskID: t.ID, AgentID: agent, Success: false, Error: "task timeout"})
	}
}

// rebalanceTick compares queue depths and asks the most loaded agent to
// give back up to half the spread. The agent answers with task.release
// for units it has not started.
func (d *Distributor) rebalanceTick() {
	if !d.leading() {
		return
	}
	loads := d.balancer.Loads()
	if len(loads) < 2 {
		return
	}
	type depth struct {
		agentID string
		total   int
	}
	depths := make([]depth, 0, len(loads))
	for id, l := range loads {
		depths = append(depths, depth{agentID: id, total: l.Total()})
	}
	sort.Slice(depths, func(i, j int) bool {
		if depths[i].total != depths[j].total {
			return depths[i].total < depths[j].total
		}
		return depths[i].agentID < depths[j].agentID
	})

	spread := depths[len(depths)-1].total - depths[0].total
	if spread <= d.cfg.RebalanceThreshold {
		return
	}
	busiest := depths[len(depths)-1].agentID
	give := spread / 2

	d.mu.Lock()
	fn := d.rebalanceFn
	candidates := make([]string, 0, len(d.assignments[busiest]))
	for id := range d.assignments[busiest] {
		candidates = append(candidates, id)
	}
	d.mu.Unlock()
	if fn == nil || len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)
	if len(candidates) > give {
		candidates = candidates[:give]
	}
	d.logger.Info("rebalance requested",
		zap.String("agent_id", busiest),
		zap.Int("spread", spread),
		zap.Int("units", len(candidates)))
	fn(busiest, candidates)
}

func (d *Distributor) clearAssignment(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, set := range d.assignments {
		delete(set, taskID)
	}
}
