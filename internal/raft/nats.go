package raft

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func voteSubject(nodeID string) string   { return fmt.Sprintf("cell0.raft.%s.vote", nodeID) }
func appendSubject(nodeID string) string { return fmt.Sprintf("cell0.raft.%s.append", nodeID) }

// NATSTransport carries consensus RPCs as CBOR request/reply over NATS
// core subjects. NATS preserves per-subject publish order, which covers
// the per-peer ordering expectation.
type NATSTransport struct {
	nc     *nats.Conn
	self   string
	logger *zap.Logger
	subs   []*nats.Subscription
}

// NewNATSTransport wraps an established connection. The caller owns the
// connection's lifecycle; Close only drops this transport's subscriptions.
func NewNATSTransport(nc *nats.Conn, nodeID string, logger *zap.Logger) *NATSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSTransport{nc: nc, self: nodeID, logger: logger}
}

func (t *NATSTransport) Start(_ context.Context, h Handler) error {
	voteSub, err := t.nc.Subscribe(voteSubject(t.self), func(msg *nats.Msg) {
		var args RequestVoteArgs
		if err := cbor.Unmarshal(msg.Data, &args); err != nil {
			t.logger.Warn("bad vote request payload", zap.Error(err))
			return
		}
		t.respond(msg, h.HandleRequestVote(&args))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", voteSubject(t.self), err)
	}
	appendSub, err := t.nc.Subscribe(appendSubject(t.self), func(msg *nats.Msg) {
		var args AppendEntriesArgs
		if err := cbor.Unmarshal(msg.Data, &args); err != nil {
			t.logger.Warn("bad append request payload", zap.Error(err))
			return
		}
		t.respond(msg, h.HandleAppendEntries(&args))
	})
	if err != nil {
		_ = voteSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", appendSubject(t.self), err)
	}
	t.subs = append(t.subs, voteSub, appendSub)
	return nil
}

func (t *NATSTransport) respond(msg *nats.Msg, reply any) {
	data, err := cbor.Marshal(reply)
	if err != nil {
		t.logger.Error("encode rpc reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Warn("respond rpc", zap.Error(err))
	}
}

func (t *NATSTransport) RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	var reply RequestVoteReply
	if err := t.roundTrip(ctx, voteSubject(peerID), args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *NATSTransport) AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	var reply AppendEntriesReply
	if err := t.roundTrip(ctx, appendSubject(peerID), args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *NATSTransport) roundTrip(ctx context.Context, subject string, args, reply any) error {
	payload, err := cbor.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode rpc args: %w", err)
	}
	msg, err := t.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := cbor.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode rpc reply: %w", err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	var firstErr error
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.subs = nil
	return firstErr
}
