package distributor

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// Lifecycle operations replicated through the consensus log.
const (
	opSubmitted = "submitted"
	opAssigned  = "assigned"
	opCompleted = "completed"
	opFailed    = "failed"
	opCancelled = "cancelled"
)

// entryKindTask tags distributor commands in the replicated log.
const entryKindTask = "task"

// command is one replicated task lifecycle record. Followers replay the
// stream to keep a warm copy of the task table for failover.
type command struct {
	Op      string `cbor:"1,keyasint"`
	Task    *Task  `cbor:"2,keyasint,omitempty"`
	TaskID  string `cbor:"3,keyasint,omitempty"`
	AgentID string `cbor:"4,keyasint,omitempty"`
	Error   string `cbor:"5,keyasint,omitempty"`
	Origin  string `cbor:"6,keyasint,omitempty"` // proposing process instance
}

// propose replicates a lifecycle record when a consensus node is attached
// and currently leading. Replication is asynchronous; local dispatch does
// not wait for commit. Records carry the proposing process's instance id,
// not its node id: the live leader must skip its own committed echoes,
// but after a restart the log replays from the beginning and records from
// the node's previous incarnation must apply like anyone else's.
func (d *Distributor) propose(cmd command) {
	if d.raft == nil || !d.raft.IsLeader() {
		return
	}
	cmd.Origin = d.instanceID
	data, err := cbor.Marshal(cmd)
	if err != nil {
		d.logger.Error("encode lifecycle record", zap.Error(err))
		return
	}
	if _, err := d.raft.Propose(data, entryKindTask); err != nil {
		d.logger.Warn("replicate lifecycle record",
			zap.String("op", cmd.Op),
			zap.Error(err))
	}
}

// consumeCommitted replays committed lifecycle records into the local
// task table. Records this process proposed itself are skipped: the
// leader already mutated its table before proposing, and replaying a
// failure over a task it has since re-queued would spend attempts the
// task still has. The startup replay of the restored log falls through
// the skip because a fresh process carries a fresh instance id, which is
// how a restarted node rebuilds its warm copy.
func (d *Distributor) consumeCommitted(ctx context.Context) {
	defer d.wg.Done()
	self := d.instanceID
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-d.raft.Committed():
			if !ok {
				return
			}
			if entry.Type != entryKindTask {
				continue
			}
			var cmd command
			if err := cbor.Unmarshal(entry.Data, &cmd); err != nil {
				d.logger.Error("decode lifecycle record",
					zap.Uint64("index", entry.Index),
					zap.Error(err))
				continue
			}
			if cmd.Origin == self {
				continue
			}
			if err := d.apply(cmd); err != nil {
				d.logger.Warn("apply lifecycle record",
					zap.String("op", cmd.Op),
					zap.Error(err))
			}
		}
	}
}

func (d *Distributor) apply(cmd command) error {
	switch cmd.Op {
	case opSubmitted:
		if cmd.Task == nil {
			return fmt.Errorf("submitted record without task")
		}
		t := cloneTask(cmd.Task)
		d.queue.Enqueue(&t)
	case opAssigned:
		if t, ok := d.queue.Get(cmd.TaskID); ok && t.State == StatePending {
			d.queue.MarkRunning(cmd.TaskID, cmd.AgentID)
		}
	case opCompleted:
		if t, ok := d.queue.Get(cmd.TaskID); ok && !t.State.Terminal() {
			d.queue.Complete(cmd.TaskID, Result{TaskID: cmd.TaskID, AgentID: cmd.AgentID, Success: true})
		}
	case opFailed:
		if t, ok := d.queue.Get(cmd.TaskID); ok && !t.State.Terminal() {
			d.queue.Complete(cmd.TaskID, Result{TaskID: cmd.TaskID, AgentID: cmd.AgentID, Success: false, Error: cmd.Error})
			// Mirror the leader's retry policy so the warm copy keeps the
			// task pending while attempt budget remains.
			d.queue.Retry(cmd.TaskID)
		}
	case opCancelled:
		d.queue.Cancel(cmd.TaskID)
	default:
		return fmt.Errorf("unknown lifecycle op %q", cmd.Op)
	}
	return nil
}

// NotLeader translates an attached node's leadership state for callers
// that must redirect, and reports the hint.
func (d *Distributor) NotLeader() (string, bool) {
	if d.raft == nil {
		return "", false
	}
	if d.raft.IsLeader() {
		return "", false
	}
	return d.raft.LeaderID(), true
}
