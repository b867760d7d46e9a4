package raft

// RequestVoteArgs is sent by a candidate to gather votes.
type RequestVoteArgs struct {
	Term         uint64 `cbor:"1,keyasint" json:"term"`
	CandidateID  string `cbor:"2,keyasint" json:"candidate_id"`
	LastLogIndex uint64 `cbor:"3,keyasint" json:"last_log_index"`
	LastLogTerm  uint64 `cbor:"4,keyasint" json:"last_log_term"`
}

// RequestVoteReply carries the voter's decision.
type RequestVoteReply struct {
	Term    uint64 `cbor:"1,keyasint" json:"term"`
	Granted bool   `cbor:"2,keyasint" json:"granted"`
}

// AppendEntriesArgs replicates log entries and doubles as the leader
// heartbeat when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64     `cbor:"1,keyasint" json:"term"`
	LeaderID     string     `cbor:"2,keyasint" json:"leader_id"`
	PrevLogIndex uint64     `cbor:"3,keyasint" json:"prev_log_index"`
	PrevLogTerm  uint64     `cbor:"4,keyasint" json:"prev_log_term"`
	Entries      []LogEntry `cbor:"5,keyasint" json:"entries,omitempty"`
	LeaderCommit uint64     `cbor:"6,keyasint" json:"leader_commit"`
}

// AppendEntriesReply reports acceptance. On rejection ConflictIndex hints
// where the leader should resume so it can skip the one-by-one walk-back.
type AppendEntriesReply struct {
	Term          uint64 `cbor:"1,keyasint" json:"term"`
	Success       bool   `cbor:"2,keyasint" json:"success"`
	ConflictIndex uint64 `cbor:"3,keyasint" json:"conflict_index,omitempty"`
}
