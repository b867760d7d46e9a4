package agentclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkUnit mirrors the task.assign notification payload serialized by
// the gateway's distributor. The agent never sees the full task record,
// only the dispatchable unit.
type WorkUnit struct {
	UnitID   string         `json:"unit_id"`
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority string         `json:"priority"`
	Attempt  int            `json:"attempt"`
	Deadline time.Time      `json:"deadline"`
}

// HandlerFunc executes one work unit and returns its result payload.
// The context carries the unit deadline; handlers must stop when it
// fires.
type HandlerFunc func(ctx context.Context, unit WorkUnit) (any, error)

// Reporter receives execution outcomes and forwards them to the
// gateway. Implemented by the Client so the executor never touches the
// socket.
type Reporter interface {
	ReportComplete(taskID string, success bool, result any, errMsg string, elapsed time.Duration)
	ReportRelease(taskID string)
}

// queueSize bounds units buffered while all workers are busy. The
// distributor throttles dispatch by reported load, so overflow means
// the load reports stopped; rejected units fail and retry elsewhere.
const queueSize = 32

// Executor holds the handler table and the worker pool. Units execute
// with at most maxConcurrent in flight; the rest wait in the queue.
type Executor struct {
	maxConcurrent int
	logger        *zap.Logger
	queue         chan WorkUnit

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	active   map[string]context.CancelFunc // task id -> in-flight cancel
	released map[string]struct{}           // queued ids given back by rebalance
	dropped  map[string]struct{}           // queued ids cancelled upstream
	queued   int
}

// NewExecutor creates an executor with the built-in handler set.
func NewExecutor(maxConcurrent int, logger *zap.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	e := &Executor{
		maxConcurrent: maxConcurrent,
		logger:        logger.Named("executor"),
		queue:         make(chan WorkUnit, queueSize),
		handlers:      make(map[string]HandlerFunc),
		active:        make(map[string]context.CancelFunc),
		released:      make(map[string]struct{}),
		dropped:       make(map[string]struct{}),
	}
	e.Register("compute.echo", handleEcho)
	e.Register("compute.sleep", handleSleep)
	e.Register("system.info", handleSystemInfo)
	return e
}

// Register installs a handler for a task type, replacing any previous
// one. Safe to call while running.
func (e *Executor) Register(taskType string, fn HandlerFunc) {
	e.mu.Lock()
	e.handlers[taskType] = fn
	e.mu.Unlock()
}

// TaskTypes returns the registered handler names, advertised to the
// gateway as capabilities.
func (e *Executor) TaskTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	return types
}

// Load reports current occupancy for the heartbeat.
func (e *Executor) Load() (active, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active), e.queued
}

// Enqueue accepts a unit for execution. Non-blocking; a full queue
// rejects the unit so the distributor retries it on another agent.
func (e *Executor) Enqueue(unit WorkUnit) error {
	select {
	case e.queue <- unit:
		e.mu.Lock()
		e.queued++
		e.mu.Unlock()
		e.logger.Info("unit enqueued",
			zap.String("task_id", unit.TaskID),
			zap.String("task_type", unit.TaskType),
			zap.Int("attempt", unit.Attempt))
		return nil
	default:
		return fmt.Errorf("agentclient: queue full, rejecting task %s", unit.TaskID)
	}
}

// Release marks queued task ids for give-back. Units still waiting in
// the queue are released instead of executed; units already running are
// left alone.
func (e *Executor) Release(taskIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range taskIDs {
		if _, running := e.active[id]; running {
			continue
		}
		e.released[id] = struct{}{}
	}
}

// Cancel aborts an in-flight task, or drops a queued one so it never
// starts. Reports true when the task was actually running. Dropped
// units are not reported back; the control plane already recorded the
// terminal state.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[taskID]
	if !ok {
		e.dropped[taskID] = struct{}{}
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run processes units until ctx is cancelled. reporter is provided here
// rather than at construction so it can be the Client, which is built
// after the executor.
func (e *Executor) Run(ctx context.Context, reporter Reporter) {
	sem := make(chan struct{}, e.maxConcurrent)
	e.logger.Info("executor started", zap.Int("max_concurrent", e.maxConcurrent))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case unit := <-e.queue:
			e.mu.Lock()
			e.queued--
			_, drop := e.dropped[unit.TaskID]
			delete(e.dropped, unit.TaskID)
			_, giveBack := e.released[unit.TaskID]
			delete(e.released, unit.TaskID)
			e.mu.Unlock()

			if drop {
				e.logger.Info("unit dropped after cancel",
					zap.String("task_id", unit.TaskID))
				continue
			}
			if giveBack {
				e.logger.Info("unit released for rebalance",
					zap.String("task_id", unit.TaskID))
				reporter.ReportRelease(unit.TaskID)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(unit WorkUnit) {
				defer func() { <-sem }()
				e.execute(ctx, unit, reporter)
			}(unit)
		}
	}
}

// execute runs one unit to completion and reports the outcome.
func (e *Executor) execute(ctx context.Context, unit WorkUnit, reporter Reporter) {
	e.mu.Lock()
	handler, ok := e.handlers[unit.TaskType]
	e.mu.Unlock()
	if !ok {
		reporter.ReportComplete(unit.TaskID, false, nil,
			fmt.Sprintf("no handler for task type %s", unit.TaskType), 0)
		return
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if !unit.Deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, unit.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.mu.Lock()
	e.active[unit.TaskID] = cancel
	e.mu.Unlock()

	start := time.Now()
	result, err := e.invoke(runCtx, handler, unit)
	elapsed := time.Since(start)

	cancel()
	e.mu.Lock()
	delete(e.active, unit.TaskID)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("unit failed",
			zap.String("task_id", unit.TaskID),
			zap.String("task_type", unit.TaskType),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		reporter.ReportComplete(unit.TaskID, false, nil, err.Error(), elapsed)
		return
	}

	e.logger.Info("unit completed",
		zap.String("task_id", unit.TaskID),
		zap.String("task_type", unit.TaskType),
		zap.Duration("elapsed", elapsed))
	reporter.ReportComplete(unit.TaskID, true, result, "", elapsed)
}

// invoke shields the worker from handler panics.
func (e *Executor) invoke(ctx context.Context, handler HandlerFunc, unit WorkUnit) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic",
				zap.String("task_type", unit.TaskType),
				zap.Any("panic", r))
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, unit)
}
