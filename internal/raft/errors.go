package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by operations on a stopped node.
	ErrStopped = errors.New("raft: node stopped")

	// ErrProposalDropped reports that a proposed entry was overwritten
	// by a newer leader before committing. The caller may retry.
	ErrProposalDropped = errors.New("raft: proposal dropped")
)

// NotLeaderError rejects a propose on a non-leader and carries the
// last-known leader as a redirect hint. LeaderID is empty when no leader
// is known yet.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader (no known leader)"
	}
	return fmt.Sprintf("raft: not leader (leader is %s)", e.LeaderID)
}

// IsNotLeader reports whether err is a NotLeaderError and returns the
// redirect hint.
func IsNotLeader(err error) (string, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, true
	}
	return "", false
}
