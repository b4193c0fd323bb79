package monitor

import (
	"sync"
	"time"

	"wequi-guard/pkg/event"
)

// ring is a bounded FIFO of events. Appends hold the lock only long enough
// to store a pointer; readers copy the matching slice and work outside it.
type ring struct {
	mu    sync.Mutex
	buf   []*event.QueryEvent
	next  int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]*event.QueryEvent, capacity)}
}

func (r *ring) push(e *event.QueryEvent) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// between returns events with start <= ts <= end in insertion order. A zero
// start or end leaves that side open.
func (r *ring) between(start, end time.Time) []*event.QueryEvent {
	out := r.snapshot()
	if start.IsZero() && end.IsZero() {
		return out
	}
	kept := out[:0]
	for _, e := range out {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// snapshot copies the stored pointers, oldest first.
func (r *ring) snapshot() []*event.QueryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.QueryEvent, r.count)
	first := (r.next - r.count + len(r.buf)) % len(r.buf)
	n := copy(out, r.buf[first:min(first+r.count, len(r.buf))])
	copy(out[n:], r.buf[:r.count-n])
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type handshake struct {
	at time.Time
	ok bool
}

// handshakeRing keeps recent DoT handshake outcomes.
type handshakeRing struct {
	mu    sync.Mutex
	buf   []handshake
	next  int
	count int
}

func newHandshakeRing(capacity int) *handshakeRing {
	if capacity < 1 {
		capacity = 1
	}
	return &handshakeRing{buf: make([]handshake, capacity)}
}

func (r *handshakeRing) push(h handshake) {
	r.mu.Lock()
	r.buf[r.next] = h
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

func (r *handshakeRing) summarize(start, end time.Time) HandshakeSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s HandshakeSummary
	for i := 0; i < r.count; i++ {
		h := r.buf[i]
		if h.at.Before(start) || h.at.After(end) {
			continue
		}
		s.Total++
		if h.ok {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	s.SuccessPct = 100
	if s.Total > 0 {
		s.SuccessPct = pct(s.Succeeded, s.Total)
	}
	return s
}
