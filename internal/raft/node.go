// Package raft implements the replicated command log: leader election,
// log replication with conflict walk-back, and durable state over the
// storage contract. The design follows the classic single-mutex style:
// one lock guards all node state, timers run off a coarse tick loop, and
// every RPC send happens with the lock released. Persistence is the one
// exception: hard state and log entries are written under the lock so
// they are durable before any message that depends on them leaves the
// node.
//
// Committed entries are delivered in (term, index) order on the channel
// returned by Committed. The work distributor is the only consumer.
package raft

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/storage"
)

// Role is the node's position in the consensus state machine.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	// DefaultElectionTimeoutMin and Max bound the randomized election
	// timer; the heartbeat interval must stay well below the minimum.
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond

	rpcTimeout   = 3 * time.Second
	tickInterval = 10 * time.Millisecond

	committedBuffer = 256
)

// Config describes one node's identity, peers, and timers.
type Config struct {
	// NodeID is this node's cluster-unique name.
	NodeID string

	// Peers lists the other nodes' ids, excluding this one. Empty means
	// a single-node cluster.
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin * 2
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Status is a point-in-time snapshot for the status surfaces.
type Status struct {
	NodeID       string   `json:"node_id"`
	Role         string   `json:"role"`
	Term         uint64   `json:"term"`
	LeaderID     string   `json:"leader_id,omitempty"`
	VotedFor     string   `json:"voted_for,omitempty"`
	CommitIndex  uint64   `json:"commit_index"`
	LastApplied  uint64   `json:"last_applied"`
	LastLogIndex uint64   `json:"last_log_index"`
	LastLogTerm  uint64   `json:"last_log_term"`
	Peers        []string `json:"peers"`
	ClusterSize  int      `json:"cluster_size"`
}

// waiter blocks a ProposeWait caller until its index commits or the
// entry at that index is overwritten.
type waiter struct {
	term uint64
	ch   chan error
}

// Node is one member of the consensus group.
type Node struct {
	cfg       Config
	id        string
	peers     []string
	store     storage.Store
	transport Transport
	logger    *zap.Logger

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string
	log         []LogEntry // log[0] is the sentinel; entries start at 1
	commitIndex uint64
	lastApplied uint64
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	votes       map[string]bool
	waiters     map[uint64][]waiter
	deadline    time.Time // election deadline (follower/candidate)
	heartbeatAt time.Time // next heartbeat (leader)
	rng         *rand.Rand
	stopped     bool

	committedCh chan LogEntry
	applyWake   chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New restores persisted state and returns a stopped node. A corrupt log
// or hard state is returned as an error; the daemon treats it as fatal.
func New(cfg Config, store storage.Store, transport Transport, logger *zap.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node id required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.NodeID))
	n := &Node{
		cfg:         cfg,
		id:          cfg.NodeID,
		peers:       append([]string(nil), cfg.Peers...),
		store:       store,
		transport:   transport,
		logger:      logger.Named("raft").With(zap.String("node_id", cfg.NodeID)),
		role:        RoleFollower,
		log:         []LogEntry{{}},
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		waiters:     make(map[uint64][]waiter),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
		committedCh: make(chan LogEntry, committedBuffer),
		applyWake:   make(chan struct{}, 1),
	}
	if err := n.loadPersisted(); err != nil {
		return nil, err
	}
	n.logger.Info("node restored",
		zap.Uint64("term", n.currentTerm),
		zap.Uint64("commit_index", n.commitIndex),
		zap.Uint64("last_log_index", n.lastLogIndex()),
		zap.Int("cluster_size", len(n.peers)+1))
	return n, nil
}

// Start registers the transport handler and runs the tick and apply
// loops until Stop or ctx cancellation.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := n.transport.Start(runCtx, n); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	n.cancel = cancel

	n.mu.Lock()
	n.resetDeadline(time.Now())
	n.mu.Unlock()

	n.wg.Add(2)
	go n.run(runCtx)
	go n.applyLoop(runCtx)
	return nil
}

// Stop halts the loops, flushes hard state, and closes the committed
// channel. Pending ProposeWait callers fail with ErrStopped.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	n.stopped = true
	err := n.persistState()
	for idx, ws := range n.waiters {
		for _, w := range ws {
			w.ch <- ErrStopped
		}
		delete(n.waiters, idx)
	}
	n.mu.Unlock()

	close(n.committedCh)
	if cerr := n.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.logger.Info("node stopped")
	return err
}

// Committed delivers applied entries in order. After a restart the
// whole committed prefix redelivers from index 1, so consumers must
// apply idempotently. Closed by Stop.
func (n *Node) Committed() <-chan LogEntry {
	return n.committedCh
}

// IsLeader reports whether this node currently believes it leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// LeaderID returns the last-known leader, possibly empty.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Status snapshots the node for raft.status and the monitoring API.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIdx, lastTerm := n.lastLogInfo()
	peers := append([]string(nil), n.peers...)
	sort.Strings(peers)
	return Status{
		NodeID:       n.id,
		Role:         n.role.String(),
		Term:         n.currentTerm,
		LeaderID:     n.leaderID,
		VotedFor:     n.votedFor,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
		Peers:        peers,
		ClusterSize:  len(peers) + 1,
	}
}

// Propose appends a command on the leader and starts replication. It
// returns once the entry is durable locally; commit happens async.
func (n *Node) Propose(data []byte, kind string) (LogEntry, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return LogEntry{}, ErrStopped
	}
	if n.role != RoleLeader {
		leader := n.leaderID
		n.mu.Unlock()
		return LogEntry{}, &NotLeaderError{LeaderID: leader}
	}
	entry := LogEntry{
		Term:  n.currentTerm,
		Index: n.lastLogIndex() + 1,
		Type:  kind,
		Data:  data,
	}
	n.log = append(n.log, entry)
	if err := n.persistEntries([]LogEntry{entry}); err != nil {
		n.log = n.log[:len(n.log)-1]
		n.mu.Unlock()
		return LogEntry{}, err
	}
	n.advanceCommit()
	n.mu.Unlock()

	n.broadcastAppend()
	return entry, nil
}

// ProposeWait proposes and blocks until the entry commits, is
// overwritten, or ctx expires.
func (n *Node) ProposeWait(ctx context.Context, data []byte, kind string) (LogEntry, error) {
	entry, err := n.Propose(data, kind)
	if err != nil {
		return LogEntry{}, err
	}

	n.mu.Lock()
	if n.commitIndex >= entry.Index {
		ok := n.log[entry.Index].Term == entry.Term
		n.mu.Unlock()
		if !ok {
			return entry, ErrProposalDropped
		}
		return entry, nil
	}
	ch := make(chan error, 1)
	n.waiters[entry.Index] = append(n.waiters[entry.Index], waiter{term: entry.Term, ch: ch})
	n.mu.Unlock()

	select {
	case err := <-ch:
		if err != nil {
			return entry, err
		}
		return entry, nil
	case <-ctx.Done():
		return entry, ctx.Err()
	}
}

// run drives elections and heartbeats off a coarse tick.
func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.tick(now)
		}
	}
}

func (n *Node) tick(now time.Time) {
	n.mu.Lock()
	switch n.role {
	case RoleLeader:
		if now.Before(n.heartbeatAt) {
			n.mu.Unlock()
			return
		}
		n.heartbeatAt = now.Add(n.cfg.HeartbeatInterval)
		n.mu.Unlock()
		n.broadcastAppend()
	default:
		if now.Before(n.deadline) {
			n.mu.Unlock()
			return
		}
		n.startElection(now)
	}
}

// startElection runs with the lock held and releases it before sending
// vote requests.
func (n *Node) startElection(now time.Time) {
	n.role = RoleCandidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	n.votes = map[string]bool{n.id: true}
	if err := n.persistState(); err != nil {
		n.logger.Error("persist failed, aborting election", zap.Error(err))
		n.resetDeadline(now)
		n.mu.Unlock()
		return
	}
	n.resetDeadline(now)

	term := n.currentTerm
	lastIdx, lastTerm := n.lastLogInfo()
	n.logger.Debug("election started", zap.Uint64("term", term))

	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		n.mu.Unlock()
		n.broadcastAppend()
		return
	}
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range peers {
		go n.requestVoteFrom(peer, args)
	}
}

func (n *Node) requestVoteFrom(peerID string, args *RequestVoteArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	reply, err := n.transport.RequestVote(ctx, peerID, args)
	if err != nil {
		n.logger.Debug("vote request failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term, "")
		n.mu.Unlock()
		return
	}
	if n.role != RoleCandidate || n.currentTerm != args.Term || !reply.Granted {
		n.mu.Unlock()
		return
	}
	n.votes[peerID] = true
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		n.mu.Unlock()
		n.broadcastAppend()
		return
	}
	n.mu.Unlock()
}

// becomeLeader runs with the lock held.
func (n *Node) becomeLeader() {
	n.role = RoleLeader
	n.leaderID = n.id
	n.heartbeatAt = time.Now().Add(n.cfg.HeartbeatInterval)
	next := n.lastLogIndex() + 1
	for _, peer := range n.peers {
		n.nextIndex[peer] = next
		n.matchIndex[peer] = 0
	}
	n.logger.Info("became leader",
		zap.Uint64("term", n.currentTerm),
		zap.Uint64("last_log_index", n.lastLogIndex()))
}

// stepDown runs with the lock held. leaderID is empty when the newer
// term was learned from a vote exchange; the hint stays unknown until a
// heartbeat names the term's leader.
func (n *Node) stepDown(term uint64, leaderID string) {
	wasLeader := n.role == RoleLeader
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
	}
	n.role = RoleFollower
	n.leaderID = leaderID
	if err := n.persistState(); err != nil {
		n.logger.Error("persist on step-down", zap.Error(err))
	}
	n.resetDeadline(time.Now())
	if wasLeader {
		n.logger.Info("stepped down", zap.Uint64("term", n.currentTerm))
	}
}

func (n *Node) broadcastAppend() {
	n.mu.Lock()
	if n.role != RoleLeader || n.stopped {
		n.mu.Unlock()
		return
	}
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()
	for _, peer := range peers {
		go n.sendAppend(peer)
	}
}

func (n *Node) sendAppend(peerID string) {
	n.mu.Lock()
	if n.stopped || n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peerID]
	if next < 1 {
		next = 1
	}
	prevIdx := next - 1
	prevTerm := n.log[prevIdx].Term
	entries := append([]LogEntry(nil), n.log[next:]...)
	args := &AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	reply, err := n.transport.AppendEntries(ctx, peerID, args)
	if err != nil {
		n.logger.Debug("append failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term, "")
		n.mu.Unlock()
		return
	}
	if n.role != RoleLeader || n.currentTerm != args.Term {
		n.mu.Unlock()
		return
	}
	if reply.Success {
		match := args.PrevLogIndex + uint64(len(args.Entries))
		if match > n.matchIndex[peerID] {
			n.matchIndex[peerID] = match
			n.nextIndex[peerID] = match + 1
			n.advanceCommit()
		}
		n.mu.Unlock()
		return
	}

	// Log mismatch: jump to the follower's hint, else walk back one.
	old := n.nextIndex[peerID]
	if reply.ConflictIndex > 0 {
		n.nextIndex[peerID] = reply.ConflictIndex
	} else if n.nextIndex[peerID] > 1 {
		n.nextIndex[peerID]--
	}
	if n.nextIndex[peerID] < 1 {
		n.nextIndex[peerID] = 1
	}
	moved := n.nextIndex[peerID] != old
	n.mu.Unlock()
	if moved {
		go n.sendAppend(peerID)
	}
}

// advanceCommit runs with the lock held. Only entries from the current
// term commit by counting, per the leader completeness rule.
func (n *Node) advanceCommit() {
	if n.role != RoleLeader {
		return
	}
	for idx := n.lastLogIndex(); idx > n.commitIndex; idx-- {
		if n.log[idx].Term != n.currentTerm {
			break
		}
		count := 1
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.quorum() {
			n.setCommitIndex(idx)
			break
		}
	}
}

// setCommitIndex runs with the lock held.
func (n *Node) setCommitIndex(idx uint64) {
	old := n.commitIndex
	n.commitIndex = idx
	if err := n.persistState(); err != nil {
		n.logger.Error("persist commit index", zap.Error(err))
	}
	for i := old + 1; i <= idx; i++ {
		ws := n.waiters[i]
		if ws == nil {
			continue
		}
		delete(n.waiters, i)
		for _, w := range ws {
			if n.log[i].Term == w.term {
				w.ch <- nil
			} else {
				w.ch <- ErrProposalDropped
			}
		}
	}
	select {
	case n.applyWake <- struct{}{}:
	default:
	}
}

// failWaitersFrom runs with the lock held; fired when a suffix is
// truncated by a newer leader.
func (n *Node) failWaitersFrom(idx uint64) {
	for i, ws := range n.waiters {
		if i < idx {
			continue
		}
		delete(n.waiters, i)
		for _, w := range ws {
			w.ch <- ErrProposalDropped
		}
	}
}

// applyLoop delivers committed entries in order on committedCh. It
// drains before waiting, which is what replays the committed prefix
// restored by loadPersisted without an initial wake.
func (n *Node) applyLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}
			n.lastApplied++
			entry := n.log[n.lastApplied]
			n.mu.Unlock()

			select {
			case n.committedCh <- entry:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-n.applyWake:
		}
	}
}

// HandleRequestVote implements the voter side. The vote is durable
// before the reply leaves this node.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return &RequestVoteReply{Term: n.currentTerm}
	}
	if args.Term > n.currentTerm {
		n.stepDown(args.Term, "")
	}
	reply := &RequestVoteReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply
	}
	if n.votedFor != "" && n.votedFor != args.CandidateID {
		return reply
	}
	lastIdx, lastTerm := n.lastLogInfo()
	if args.LastLogTerm < lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex < lastIdx) {
		return reply
	}
	n.votedFor = args.CandidateID
	if err := n.persistState(); err != nil {
		n.logger.Error("persist vote", zap.Error(err))
		n.votedFor = ""
		return reply
	}
	n.resetDeadline(time.Now())
	reply.Granted = true
	n.logger.Debug("vote granted",
		zap.String("candidate", args.CandidateID),
		zap.Uint64("term", args.Term))
	return reply
}

// HandleAppendEntries implements the follower side: heartbeat reset,
// consistency check with conflict hint, truncation, and commit advance.
// Accepted entries are durable before the reply leaves this node.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	reply := &AppendEntriesReply{Term: n.currentTerm}
	if n.stopped || args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm || n.role != RoleFollower {
		n.stepDown(args.Term, args.LeaderID)
	}
	n.leaderID = args.LeaderID
	n.resetDeadline(time.Now())
	reply.Term = n.currentTerm

	last := n.lastLogIndex()
	if args.PrevLogIndex > last {
		reply.ConflictIndex = last + 1
		return reply
	}
	if args.PrevLogIndex > 0 && n.log[args.PrevLogIndex].Term != args.PrevLogTerm {
		// Hint the first index of the conflicting term so the leader
		// skips it in one step.
		conflictTerm := n.log[args.PrevLogIndex].Term
		idx := args.PrevLogIndex
		for idx > 1 && n.log[idx-1].Term == conflictTerm {
			idx--
		}
		reply.ConflictIndex = idx
		return reply
	}

	newEntries := args.Entries
	for len(newEntries) > 0 {
		idx := newEntries[0].Index
		if idx > n.lastLogIndex() {
			break
		}
		if n.log[idx].Term == newEntries[0].Term {
			newEntries = newEntries[1:]
			continue
		}
		if idx <= n.commitIndex {
			n.logger.Fatal("committed entry conflict",
				zap.Uint64("index", idx),
				zap.Uint64("commit_index", n.commitIndex))
		}
		n.failWaitersFrom(idx)
		if err := n.dropEntriesFrom(idx, n.lastLogIndex()); err != nil {
			n.logger.Error("truncate log", zap.Error(err))
			return reply
		}
		n.log = n.log[:idx]
		break
	}
	if len(newEntries) > 0 {
		if err := n.persistEntries(newEntries); err != nil {
			n.logger.Error("persist entries", zap.Error(err))
			return reply
		}
		n.log = append(n.log, newEntries...)
	}

	if args.LeaderCommit > n.commitIndex {
		n.setCommitIndex(min(args.LeaderCommit, n.lastLogIndex()))
	}
	reply.Success = true
	return reply
}

func (n *Node) lastLogIndex() uint64 {
	return uint64(len(n.log) - 1)
}

func (n *Node) lastLogInfo() (uint64, uint64) {
	idx := n.lastLogIndex()
	return idx, n.log[idx].Term
}

func (n *Node) quorum() int {
	return (len(n.peers)+1)/2 + 1
}

func (n *Node) resetDeadline(now time.Time) {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	n.deadline = now.Add(n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)+1)))
}
