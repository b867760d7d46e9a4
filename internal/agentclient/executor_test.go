package agentclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type completion struct {
	taskID  string
	success bool
	result  any
	errMsg  string
}

// reportLog is a Reporter that records outcomes instead of calling the
// gateway.
type reportLog struct {
	mu        sync.Mutex
	completes []completion
	releases  []string
}

func (r *reportLog) ReportComplete(taskID string, success bool, result any, errMsg string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, completion{taskID: taskID, success: success, result: result, errMsg: errMsg})
}

func (r *reportLog) ReportRelease(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, taskID)
}

func (r *reportLog) completions() []completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion(nil), r.completes...)
}

func (r *reportLog) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.releases...)
}

func runExecutor(t *testing.T, e *Executor, rep Reporter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx, rep)
	t.Cleanup(cancel)
}

func waitCompletions(t *testing.T, rep *reportLog, n int) []completion {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rep.completions()) >= n
	}, 3*time.Second, 10*time.Millisecond)
	return rep.completions()
}

func TestExecutorRunsEchoUnit(t *testing.T) {
	e := NewExecutor(2, zap.NewNop())
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{
		TaskID:   "task-1",
		TaskType: "compute.echo",
		Payload:  map[string]any{"text": "hi"},
	}))

	got := waitCompletions(t, rep, 1)
	assert.Equal(t, "task-1", got[0].taskID)
	assert.True(t, got[0].success)
	result, ok := got[0].result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"text": "hi"}, result["echo"])
}

func TestExecutorUnknownTaskTypeFails(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "no.such.type"}))

	got := waitCompletions(t, rep, 1)
	assert.False(t, got[0].success)
	assert.Contains(t, got[0].errMsg, "no handler")
}

func TestExecutorRecoversHandlerPanic(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	e.Register("explosive", func(ctx context.Context, unit WorkUnit) (any, error) {
		panic("boom")
	})
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "explosive"}))

	got := waitCompletions(t, rep, 1)
	assert.False(t, got[0].success)
	assert.Contains(t, got[0].errMsg, "handler panic")
}

func TestExecutorReleasesQueuedUnits(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	rep := &reportLog{}

	// Queue before starting so the unit is still waiting when the
	// give-back arrives.
	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "compute.echo"}))
	e.Release([]string{"task-1"})

	runExecutor(t, e, rep)

	require.Eventually(t, func() bool {
		return len(rep.released()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"task-1"}, rep.released())
	assert.Empty(t, rep.completions(), "released unit must not execute")
}

func TestExecutorReleaseSkipsRunningUnit(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	started := make(chan struct{})
	finish := make(chan struct{})
	e.Register("block", func(ctx context.Context, unit WorkUnit) (any, error) {
		close(started)
		<-finish
		return "done", nil
	})
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "block"}))
	<-started

	// Already running; the release request is a no-op for it.
	e.Release([]string{"task-1"})
	close(finish)

	got := waitCompletions(t, rep, 1)
	assert.True(t, got[0].success)
	assert.Empty(t, rep.released())
}

func TestExecutorHonorsConcurrencyLimit(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	e.Register("block", func(ctx context.Context, unit WorkUnit) (any, error) {
		n := inFlight.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil, nil
	})
	rep := &reportLog{}
	runExecutor(t, e, rep)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Enqueue(WorkUnit{TaskID: fmt.Sprintf("task-%d", i), TaskType: "block"}))
	}
	require.Eventually(t, func() bool {
		return inFlight.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)
	close(release)

	waitCompletions(t, rep, 4)
	assert.Equal(t, int32(1), peak.Load(), "more units ran concurrently than allowed")
}

func TestExecutorCancelAbortsInflight(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	started := make(chan struct{})
	e.Register("wait", func(ctx context.Context, unit WorkUnit) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "wait"}))
	<-started

	require.True(t, e.Cancel("task-1"))
	assert.False(t, e.Cancel("task-unknown"))

	got := waitCompletions(t, rep, 1)
	assert.False(t, got[0].success)
	assert.Contains(t, got[0].errMsg, "context canceled")
}

func TestExecutorCancelDropsQueuedUnit(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register("gate", func(ctx context.Context, unit WorkUnit) (any, error) {
		if unit.TaskID == "task-1" {
			close(started)
		}
		<-release
		return "done", nil
	})
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-1", TaskType: "gate"}))
	<-started
	// task-2 occupies the worker hand-off; task-3 is still queued when
	// the cancel lands, so it must be dropped instead of executed.
	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-2", TaskType: "gate"}))
	require.NoError(t, e.Enqueue(WorkUnit{TaskID: "task-3", TaskType: "gate"}))

	assert.False(t, e.Cancel("task-3"), "queued unit reported as in-flight")
	close(release)

	got := waitCompletions(t, rep, 2)
	ids := []string{got[0].taskID, got[1].taskID}
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, ids)

	// The dropped unit neither executes nor reports.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rep.completions(), 2)
	assert.Empty(t, rep.released())
}

func TestExecutorEnforcesUnitDeadline(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	rep := &reportLog{}
	runExecutor(t, e, rep)

	require.NoError(t, e.Enqueue(WorkUnit{
		TaskID:   "task-1",
		TaskType: "compute.sleep",
		Payload:  map[string]any{"duration_sec": 30.0},
		Deadline: time.Now().Add(50 * time.Millisecond),
	}))

	got := waitCompletions(t, rep, 1)
	assert.False(t, got[0].success)
	assert.Contains(t, got[0].errMsg, "deadline")
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	for i := 0; i < queueSize; i++ {
		require.NoError(t, e.Enqueue(WorkUnit{TaskID: fmt.Sprintf("task-%d", i), TaskType: "compute.echo"}))
	}
	err := e.Enqueue(WorkUnit{TaskID: "task-overflow", TaskType: "compute.echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")

	_, queued := e.Load()
	assert.Equal(t, queueSize, queued)
}

func TestTaskTypesIncludeBuiltins(t *testing.T) {
	e := NewExecutor(1, zap.NewNop())
	types := e.TaskTypes()
	assert.Contains(t, types, "compute.echo")
	assert.Contains(t, types, "compute.sleep")
	assert.Contains(t, types, "system.info")
}

func TestSleepHandlerValidatesDuration(t *testing.T) {
	_, err := handleSleep(context.Background(), WorkUnit{
		Payload: map[string]any{"duration_sec": -1.0},
	})
	require.Error(t, err)

	result, err := handleSleep(context.Background(), WorkUnit{
		Payload: map[string]any{"duration_sec": 0.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept_sec": 0.0}, result)
}

func TestSystemInfoHandler(t *testing.T) {
	result, err := handleSystemInfo(context.Background(), WorkUnit{})
	require.NoError(t, err)
	info, ok := result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, info["hostname"])
	assert.NotEmpty(t, info["os"])
	assert.Positive(t, info["num_cpu"])
}

func TestBackoffProgression(t *testing.T) {
	b := backoffInitial
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		seen = append(seen, b)
		b = nextBackoff(b)
	}
	assert.Equal(t, 2*time.Second, seen[1])
	assert.Equal(t, 32*time.Second, seen[5])
	assert.Equal(t, backoffMax, seen[6], "backoff caps at the maximum")
	assert.Equal(t, backoffMax, seen[7])
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * (1 - jitterFraction))
	hi := time.Duration(float64(base) * (1 + jitterFraction))
	for i := 0; i < 100; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}
