package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// LogEntry is one replicated command. The kind tag is opaque to the
// engine; the applier switches on it. Index 0 is the sentinel; real
// entries start at 1.
type LogEntry struct {
	Term  uint64 `json:"term" cbor:"1,keyasint"`
	Index uint64 `json:"index" cbor:"2,keyasint"`
	Type  string `json:"type" cbor:"3,keyasint"`
	Data  []byte `json:"data,omitempty" cbor:"4,keyasint"`
}

var errEntryTooLarge = errors.New("raft: entry field exceeds uint32 range")

// Marshal encodes the entry as
// [term:u32 | index:u32 | data-len:u32 | type-len:u32 | type | data],
// all big-endian.
func (e LogEntry) Marshal() ([]byte, error) {
	if e.Term > math.MaxUint32 || e.Index > math.MaxUint32 {
		return nil, errEntryTooLarge
	}
	if len(e.Data) > math.MaxUint32 || len(e.Type) > math.MaxUint32 {
		return nil, errEntryTooLarge
	}
	buf := make([]byte, 16+len(e.Type)+len(e.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Term))
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.Index))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(e.Data)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(e.Type)))
	copy(buf[16:], e.Type)
	copy(buf[16+len(e.Type):], e.Data)
	return buf, nil
}

// UnmarshalEntry decodes an entry produced by Marshal.
func UnmarshalEntry(buf []byte) (LogEntry, error) {
	if len(buf) < 16 {
		return LogEntry{}, fmt.Errorf("raft: entry truncated: %d bytes", len(buf))
	}
	term := binary.BigEndian.Uint32(buf[0:4])
	index := binary.BigEndian.Uint32(buf[4:8])
	dataLen := binary.BigEndian.Uint32(buf[8:12])
	typeLen := binary.BigEndian.Uint32(buf[12:16])
	want := 16 + int(typeLen) + int(dataLen)
	if uint64(typeLen)+uint64(dataLen) > uint64(len(buf)) || len(buf) != want {
		return LogEntry{}, fmt.Errorf("raft: entry length mismatch: have %d want %d", len(buf), want)
	}
	e := LogEntry{
		Term:  uint64(term),
		Index: uint64(index),
		Type:  string(buf[16 : 16+typeLen]),
	}
	if dataLen > 0 {
		e.Data = make([]byte, dataLen)
		copy(e.Data, buf[16+typeLen:])
	}
	return e, nil
}
