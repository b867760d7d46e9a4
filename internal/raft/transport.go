package raft

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the receiving side of the two consensus RPCs. A Node
// implements it.
type Handler interface {
	HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply
	HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply
}

// Transport moves consensus RPCs between nodes. Implementations should
// preserve per-peer ordering; the engine tolerates but does not expect
// reordering.
type Transport interface {
	// Start registers the local handler for inbound RPCs.
	Start(ctx context.Context, h Handler) error
	RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	Close() error
}

// LocalBus wires transports of in-process nodes together. It backs
// single-binary clusters and tests; production clusters use the NATS
// transport instead.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// partitioned[a][b] blocks a's RPCs to b.
	partitioned map[string]map[string]bool
}

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		handlers:    make(map[string]Handler),
		partitioned: make(map[string]map[string]bool),
	}
}

// Transport returns the bus endpoint for one node id.
func (b *LocalBus) Transport(nodeID string) *LocalTransport {
	return &LocalTransport{bus: b, self: nodeID}
}

// Partition blocks traffic between a and b in both directions.
func (b *LocalBus) Partition(a, bID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block(a, bID)
	b.block(bID, a)
}

// Heal restores traffic between a and b.
func (b *LocalBus) Heal(a, bID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitioned[a], bID)
	delete(b.partitioned[bID], a)
}

func (b *LocalBus) block(from, to string) {
	m, ok := b.partitioned[from]
	if !ok {
		m = make(map[string]bool)
		b.partitioned[from] = m
	}
	m[to] = true
}

func (b *LocalBus) lookup(from, to string) (Handler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.partitioned[from][to] {
		return nil, fmt.Errorf("raft: peer %s unreachable", to)
	}
	h, ok := b.handlers[to]
	if !ok {
		return nil, fmt.Errorf("raft: peer %s not registered", to)
	}
	return h, nil
}

// LocalTransport is one node's endpoint on a LocalBus.
type LocalTransport struct {
	bus  *LocalBus
	self string
}

func (t *LocalTransport) Start(_ context.Context, h Handler) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if _, exists := t.bus.handlers[t.self]; exists {
		return fmt.Errorf("raft: node %s already registered on bus", t.self)
	}
	t.bus.handlers[t.self] = h
	return nil
}

func (t *LocalTransport) RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	h, err := t.bus.lookup(t.self, peerID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.HandleRequestVote(args), nil
}

func (t *LocalTransport) AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	h, err := t.bus.lookup(t.self, peerID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(args), nil
}

func (t *LocalTransport) Close() error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	delete(t.bus.handlers, t.self)
	return nil
}
