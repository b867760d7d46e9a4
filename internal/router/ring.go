package router

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// DefaultHistorySize bounds the event ring.
const DefaultHistorySize = 1000

// Event is one routed occurrence kept in the history ring.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType, channel, source string, data map[string]any) Event {
	id := uuid.New()
	return Event{
		ID:        "evt_" + hex.EncodeToString(id[:6]),
		Type:      eventType,
		Channel:   channel,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ring is a fixed-capacity overwrite buffer. Callers synchronize access.
type ring struct {
	buf   []Event
	next  int
	full  bool
	total int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) add(ev Event) {
	r.buf[r.next] = ev
	r.next++
	r.total++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// recent returns up to limit events, newest first.
func (r *ring) recent(limit int) []Event {
	n := r.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
