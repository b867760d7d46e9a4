package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/YigremTamiru/cell0-os-sub002/internal/storage"
)

// storageTimeout bounds every persistence call.
const storageTimeout = 5 * time.Second

// hardState is the durable slice of node state. It must be on disk before
// any RPC that depends on it is sent. lastApplied is deliberately absent:
// the state machine above the log lives in memory, so a restarted node
// re-applies the whole committed prefix to rebuild it.
type hardState struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
	CommitIndex uint64 `json:"commit_index"`
}

func stateKey(nodeID string) string { return "node/" + nodeID + "/state" }

func logPrefix(nodeID string) string { return "node/" + nodeID + "/log/" }

// logKey zero-pads the index so lexicographic key order matches log order.
func logKey(nodeID string, index uint64) string {
	return fmt.Sprintf("%s%010d", logPrefix(nodeID), index)
}

// persistState writes the hard state. Callers hold the node lock; the
// write completes before any dependent message leaves the node.
func (n *Node) persistState() error {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	data, err := json.Marshal(hardState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		CommitIndex: n.commitIndex,
	})
	if err != nil {
		return fmt.Errorf("encode hard state: %w", err)
	}
	if err := n.store.Put(ctx, stateKey(n.id), data); err != nil {
		return fmt.Errorf("persist hard state: %w", err)
	}
	return nil
}

// persistEntries writes log entries; they are durable before any
// AppendEntries response claims them accepted.
func (n *Node) persistEntries(entries []LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	for _, e := range entries {
		data, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Index, err)
		}
		if err := n.store.Put(ctx, logKey(n.id, e.Index), data); err != nil {
			return fmt.Errorf("persist entry %d: %w", e.Index, err)
		}
	}
	return nil
}

// dropEntriesFrom deletes persisted entries with index >= from, used when
// a conflicting suffix is truncated.
func (n *Node) dropEntriesFrom(from, last uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	for i := from; i <= last; i++ {
		if err := n.store.Delete(ctx, logKey(n.id, i)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("drop entry %d: %w", i, err)
		}
	}
	return nil
}

// loadPersisted restores hard state and the log after a restart. A gap in
// the log index sequence means a durability guarantee was broken and is
// reported as fatal corruption.
func (n *Node) loadPersisted() error {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	data, err := n.store.Get(ctx, stateKey(n.id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Fresh node.
	case err != nil:
		return fmt.Errorf("load hard state: %w", err)
	default:
		var hs hardState
		if err := json.Unmarshal(data, &hs); err != nil {
			return fmt.Errorf("corrupt hard state: %w", err)
		}
		n.currentTerm = hs.CurrentTerm
		n.votedFor = hs.VotedFor
		n.commitIndex = hs.CommitIndex
	}

	keys, err := n.store.Keys(ctx, logPrefix(n.id))
	if err != nil {
		return fmt.Errorf("list log keys: %w", err)
	}
	indexes := make([]uint64, 0, len(keys))
	for _, k := range keys {
		raw := strings.TrimPrefix(k, logPrefix(n.id))
		idx, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt log key %q: %w", k, err)
		}
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for pos, idx := range indexes {
		if idx != uint64(pos+1) {
			return fmt.Errorf("corrupt log: gap at index %d", pos+1)
		}
		raw, err := n.store.Get(ctx, logKey(n.id, idx))
		if err != nil {
			return fmt.Errorf("load entry %d: %w", idx, err)
		}
		entry, err := UnmarshalEntry(raw)
		if err != nil {
			return fmt.Errorf("corrupt entry %d: %w", idx, err)
		}
		if entry.Index != idx {
			return fmt.Errorf("corrupt entry %d: stored index %d", idx, entry.Index)
		}
		n.log = append(n.log, entry)
	}

	last := n.lastLogIndex()
	if n.commitIndex > last {
		return fmt.Errorf("corrupt log: commit index %d beyond last entry %d", n.commitIndex, last)
	}
	return nil
}
