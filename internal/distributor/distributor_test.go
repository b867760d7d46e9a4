package distributor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
	"github.com/YigremTamiru/cell0-os-sub002/internal/storage"
)

// unitSink collects dispatched work units.
type unitSink struct {
	mu    sync.Mutex
	units []WorkUnit
	err   error
}

func (s *unitSink) dispatch(unit WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, unit)
	return s.err
}

func (s *unitSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

func (s *unitSink) last() WorkUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[len(s.units)-1]
}

func testDistributor(t *testing.T) *Distributor {
	t.Helper()
	return New(DefaultConfig(), nil, zap.NewNop())
}

// addAgent registers and reports one idle load sample, the minimum for
// assignment eligibility.
func addAgent(d *Distributor, agentID string, sink *unitSink, capabilities ...string) {
	d.RegisterAgent(agentID, capabilities, 1.0, sink.dispatch)
	d.UpdateAgentLoad(AgentLoad{AgentID: agentID})
}

func TestSubmitAndDispatch(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink, "echo")

	task, err := d.Submit(TaskSpec{Type: "echo", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)

	d.assignmentTick()

	require.Equal(t, 1, sink.count())
	unit := sink.last()
	assert.Equal(t, task.ID, unit.TaskID)
	assert.Equal(t, "echo", unit.TaskType)
	assert.Equal(t, 1, unit.Attempt)
	assert.False(t, unit.Deadline.IsZero())

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "agent-1", got.AssignedAgent)
}

func TestAssignmentNeedsLoadReport(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	d.RegisterAgent("agent-1", nil, 1.0, sink.dispatch)

	_, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)

	d.assignmentTick()
	assert.Zero(t, sink.count(), "no load sample yet")

	d.UpdateAgentLoad(AgentLoad{AgentID: "agent-1"})
	d.assignmentTick()
	assert.Equal(t, 1, sink.count())
}

func TestResultCompletesTask(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()

	require.NoError(t, d.HandleResult(Result{TaskID: task.ID, AgentID: "agent-1", Success: true, Result: "done"}))

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)

	res, ok := d.ResultFor(task.ID)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Result)

	// Subscribing after the fact fires immediately.
	fired := false
	d.OnResult(task.ID, func(res Result) { fired = true })
	assert.True(t, fired)

	// A duplicate report is absorbed; an unknown id is refused.
	require.NoError(t, d.HandleResult(Result{TaskID: task.ID, AgentID: "agent-1", Success: false, Error: "late"}))
	res, _ = d.ResultFor(task.ID)
	assert.True(t, res.Success, "first outcome stands")
	assert.ErrorIs(t, d.HandleResult(Result{TaskID: "task_missing", Success: true}), ErrTaskNotFound)
}

func TestOnResultFiresOnArrival(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()

	var got Result
	d.OnResult(task.ID, func(res Result) { got = res })
	require.NoError(t, d.HandleResult(Result{TaskID: task.ID, AgentID: "agent-1", Success: true}))
	assert.Equal(t, task.ID, got.TaskID)
}

func TestFailureRetriesUntilBudgetSpent(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "flaky"})
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		d.assignmentTick()
		require.Equal(t, attempt, sink.count())
		require.NoError(t, d.HandleResult(Result{TaskID: task.ID, AgentID: "agent-1", Success: false, Error: "boom"}))
	}

	// Budget spent; nothing further dispatches.
	d.assignmentTick()
	assert.Equal(t, DefaultMaxAttempts, sink.count())

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, DefaultMaxAttempts, got.Attempts)

	res, ok := d.ResultFor(task.ID)
	require.True(t, ok)
	assert.Equal(t, "boom", res.Error)
}

func TestDispatchErrorCountsAsFailure(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{err: assert.AnError}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()

	// Delivery failed synchronously; the attempt was charged and the
	// task went back to the head of its class.
	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestUnregisterRequeuesAssignedTasks(t *testing.T) {
	d := testDistributor(t)
	first := &unitSink{}
	addAgent(d, "agent-1", first)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()
	require.Equal(t, 1, first.count())

	d.UnregisterAgent("agent-1")

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts, "requeue does not charge an attempt")
	assert.Empty(t, got.AssignedAgent)

	second := &unitSink{}
	addAgent(d, "agent-2", second)
	d.assignmentTick()
	require.Equal(t, 1, second.count())

	got, _ = d.Get(task.ID)
	assert.Equal(t, "agent-2", got.AssignedAgent)
	assert.Equal(t, 2, got.Attempts)
}

func TestReleaseTaskReturnsToQueue(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()

	assert.False(t, d.ReleaseTask(task.ID, "agent-2"), "only the holder may release")
	require.True(t, d.ReleaseTask(task.ID, "agent-1"))

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, d.AssignmentsFor("agent-1"))
}

func TestMonitorTimesOutStuckTask(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()

	// Backdate the start past the execution budget and spend the
	// remaining attempts so the timeout is final.
	d.queue.mu.Lock()
	d.queue.tasks[task.ID].StartedAt = time.Now().Add(-2 * d.cfg.MaxTaskDuration)
	d.queue.tasks[task.ID].MaxAttempts = 1
	d.queue.mu.Unlock()

	d.monitorTick()

	got, ok := d.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)

	res, ok := d.ResultFor(task.ID)
	require.True(t, ok)
	assert.Equal(t, "task timeout", res.Error)
}

func TestRebalanceAsksBusiestAgent(t *testing.T) {
	d := testDistributor(t)
	busy := &unitSink{}
	addAgent(d, "agent-busy", busy)

	var taskIDs []string
	for i := 0; i < 8; i++ {
		task, err := d.Submit(TaskSpec{Type: "echo"})
		require.NoError(t, err)
		taskIDs = append(taskIDs, task.ID)
		d.assignmentTick()
	}
	require.Equal(t, 8, busy.count())

	// A second agent shows up nearly idle; the spread exceeds the
	// threshold.
	idle := &unitSink{}
	addAgent(d, "agent-idle", idle)
	d.UpdateAgentLoad(AgentLoad{AgentID: "agent-busy", ActiveTasks: 8})
	d.UpdateAgentLoad(AgentLoad{AgentID: "agent-idle", ActiveTasks: 0})

	var askedAgent string
	var askedTasks []string
	d.OnRebalance(func(agentID string, ids []string) {
		askedAgent = agentID
		askedTasks = ids
	})

	d.rebalanceTick()

	assert.Equal(t, "agent-busy", askedAgent)
	assert.Len(t, askedTasks, 4, "give back half the spread")
	assert.Subset(t, taskIDs, askedTasks)
}

func TestRebalanceBelowThresholdDoesNothing(t *testing.T) {
	d := testDistributor(t)
	d.UpdateAgentLoad(AgentLoad{AgentID: "agent-1", ActiveTasks: 3})
	d.UpdateAgentLoad(AgentLoad{AgentID: "agent-2", ActiveTasks: 1})

	called := false
	d.OnRebalance(func(string, []string) { called = true })
	d.rebalanceTick()
	assert.False(t, called)
}

func TestCancelTask(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink, "echo")

	var stopAgent, stopTask string
	d.OnCancel(func(agentID, taskID string) {
		stopAgent, stopTask = agentID, taskID
	})

	// Cancelling a pending task is silent; no agent holds it yet.
	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	got, err := d.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Empty(t, stopAgent)

	// Cancelling a dispatched task tells its holder to stop.
	task, err = d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()
	require.Equal(t, 1, sink.count())

	got, err = d.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "agent-1", stopAgent)
	assert.Equal(t, task.ID, stopTask)

	_, err = d.Cancel(task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)
	_, err = d.Cancel("task_missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitRejectedOffLeader(t *testing.T) {
	bus := raft.NewLocalBus()
	node, err := raft.New(raft.Config{NodeID: "node-1", Peers: []string{"node-2", "node-3"}},
		storage.NewMemory(), bus.Transport("node-1"), zap.NewNop())
	require.NoError(t, err)

	// Never started, so the node stays a follower with no leader hint.
	d := New(DefaultConfig(), node, zap.NewNop())
	_, err = d.Submit(TaskSpec{Type: "echo"})
	require.Error(t, err)
	_, isNotLeader := raft.IsNotLeader(err)
	assert.True(t, isNotLeader)
}

func TestFollowerTableStaysPassive(t *testing.T) {
	bus := raft.NewLocalBus()
	node, err := raft.New(raft.Config{NodeID: "node-1", Peers: []string{"node-2", "node-3"}},
		storage.NewMemory(), bus.Transport("node-1"), zap.NewNop())
	require.NoError(t, err)

	d := New(DefaultConfig(), node, zap.NewNop())
	sink := &unitSink{}
	addAgent(d, "agent-1", sink, "echo")

	// Warm the table the way a follower does, through the record stream.
	require.NoError(t, d.apply(command{Op: opSubmitted, Task: testTask("task-warm", PriorityNormal)}))

	d.assignmentTick()
	assert.Zero(t, sink.count(), "followers do not dispatch")

	_, err = d.Cancel("task-warm")
	_, isNotLeader := raft.IsNotLeader(err)
	assert.True(t, isNotLeader)

	err = d.HandleResult(Result{TaskID: "task-warm", AgentID: "agent-1", Success: true})
	_, isNotLeader = raft.IsNotLeader(err)
	assert.True(t, isNotLeader)

	assert.False(t, d.ReleaseTask("task-warm", "agent-1"))

	got, ok := d.Get("task-warm")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State, "warm copy is untouched")
}

func TestWarmCopyRebuildsAfterRestart(t *testing.T) {
	store := storage.NewMemory()
	bus := raft.NewLocalBus()
	nodeCfg := raft.Config{
		NodeID:             "node-1",
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	}

	node, err := raft.New(nodeCfg, store, bus.Transport("node-1"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	d := New(DefaultConfig(), node, zap.NewNop())
	d.Start(context.Background())

	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)
	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return node.Status().CommitIndex >= 1
	}, 2*time.Second, 10*time.Millisecond, "submit record did not commit")

	d.Stop()
	require.NoError(t, node.Stop())

	// A fresh process over the same store: the log replays through the
	// record stream and the task table comes back warm.
	node2, err := raft.New(nodeCfg, store, bus.Transport("node-1"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, node2.Start(context.Background()))
	d2 := New(DefaultConfig(), node2, zap.NewNop())
	d2.Start(context.Background())
	t.Cleanup(func() {
		d2.Stop()
		_ = node2.Stop()
	})

	require.Eventually(t, func() bool {
		_, ok := d2.Get(task.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "task table not rebuilt from the log")
	got, _ := d2.Get(task.ID)
	assert.Equal(t, StatePending, got.State)
}

func TestLifecycleReplay(t *testing.T) {
	d := testDistributor(t)

	task := testTask("task-replay", PriorityNormal)
	require.NoError(t, d.apply(command{Op: opSubmitted, Task: task}))
	require.NoError(t, d.apply(command{Op: opSubmitted, Task: task}), "duplicate submit is absorbed")
	assert.Equal(t, 1, d.Stats().Queue.Total)

	require.NoError(t, d.apply(command{Op: opAssigned, TaskID: "task-replay", AgentID: "agent-1"}))
	got, ok := d.Get("task-replay")
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "agent-1", got.AssignedAgent)

	require.NoError(t, d.apply(command{Op: opCompleted, TaskID: "task-replay", AgentID: "agent-1"}))
	got, _ = d.Get("task-replay")
	assert.Equal(t, StateCompleted, got.State)

	// Late records after a terminal state do not regress it.
	require.NoError(t, d.apply(command{Op: opAssigned, TaskID: "task-replay", AgentID: "agent-2"}))
	got, _ = d.Get("task-replay")
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "agent-1", got.AssignedAgent)

	assert.Error(t, d.apply(command{Op: "bogus"}))
	assert.Error(t, d.apply(command{Op: opSubmitted}))
}

func TestReplayMirrorsRetryPolicy(t *testing.T) {
	d := testDistributor(t)

	require.NoError(t, d.apply(command{Op: opSubmitted, Task: testTask("task-retry", PriorityNormal)}))
	require.NoError(t, d.apply(command{Op: opAssigned, TaskID: "task-retry", AgentID: "agent-1"}))
	require.NoError(t, d.apply(command{Op: opFailed, TaskID: "task-retry", AgentID: "agent-1", Error: "boom"}))

	// One attempt spent with budget remaining: the warm copy re-queues
	// the failure just as the leader did.
	got, ok := d.Get("task-retry")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.Error)

	for attempt := 2; attempt <= DefaultMaxAttempts; attempt++ {
		require.NoError(t, d.apply(command{Op: opAssigned, TaskID: "task-retry", AgentID: "agent-1"}))
		require.NoError(t, d.apply(command{Op: opFailed, TaskID: "task-retry", AgentID: "agent-1", Error: "boom"}))
	}

	// Budget spent: the failure sticks.
	got, _ = d.Get("task-retry")
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, DefaultMaxAttempts, got.Attempts)
	assert.Equal(t, "boom", got.Error)
}

func TestScheduleRecurringSubmits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssignmentInterval = time.Hour
	cfg.MonitorInterval = time.Hour
	cfg.RebalanceInterval = time.Hour
	d := New(cfg, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	id, err := d.ScheduleRecurring("@every 10ms", "heartbeat", map[string]any{"n": 1}, PriorityBackground)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return d.Stats().Queue.Total >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, d.CancelSchedule(id))
	assert.False(t, d.CancelSchedule(id))

	_, err = d.ScheduleRecurring("not a cron spec", "x", nil, PriorityNormal)
	assert.Error(t, err)
}

func TestEvictTerminalClearsResults(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)

	task, err := d.Submit(TaskSpec{Type: "echo"})
	require.NoError(t, err)
	d.assignmentTick()
	d.HandleResult(Result{TaskID: task.ID, AgentID: "agent-1", Success: true})

	d.queue.mu.Lock()
	d.queue.tasks[task.ID].CompletedAt = time.Now().Add(-48 * time.Hour)
	d.queue.mu.Unlock()

	assert.Equal(t, 1, d.EvictTerminal())
	_, ok := d.Get(task.ID)
	assert.False(t, ok)
	_, ok = d.ResultFor(task.ID)
	assert.False(t, ok)
}

func TestStatsSnapshot(t *testing.T) {
	d := testDistributor(t)
	sink := &unitSink{}
	addAgent(d, "agent-1", sink)
	_, err := d.Submit(TaskSpec{Type: "echo", Priority: PriorityHigh})
	require.NoError(t, err)

	stats := d.Stats()
	assert.Equal(t, 1, stats.RegisteredAgents)
	assert.Equal(t, 1, stats.Queue.Total)
	assert.Equal(t, string(AlgoAdaptive), stats.Algorithm)
}
