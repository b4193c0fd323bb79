// Package monitor keeps recent query events in memory and rolls them up
// into the windowed summaries served by the admin API.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
)

// Badge is a coarse health indicator shown next to the KPIs.
type Badge struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, warning, critical
	Detail string `json:"detail,omitempty"`
}

// Badge statuses.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// BadgeSource reports one health badge.
type BadgeSource interface {
	Badge() Badge
}

// BadgeFunc adapts a function to BadgeSource.
type BadgeFunc func() Badge

// Badge calls f.
func (f BadgeFunc) Badge() Badge { return f() }

// Archive supplies archived events for warming the ring at startup.
type Archive interface {
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]*event.QueryEvent, error)
}

// Aggregator is the in-memory telemetry store. It implements event.Sink.
type Aggregator struct {
	events     *ring
	handshakes *handshakeRing
	logger     *logging.Logger
	now        func() time.Time

	badgeMu sync.RWMutex
	badges  []BadgeSource

	subMu   sync.RWMutex
	subs    map[uint64]chan *event.QueryEvent
	nextSub uint64
	dropped atomic.Uint64

	recorded atomic.Uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator sized from cfg.
func New(cfg config.MonitorConfig, logger *logging.Logger, opts ...Option) *Aggregator {
	size := cfg.RingSize
	if size <= 0 {
		size = 200000
	}
	a := &Aggregator{
		events:     newRing(size),
		handshakes: newHandshakeRing(max(size/10, 1024)),
		logger:     logger,
		now:        time.Now,
		subs:       make(map[uint64]chan *event.QueryEvent),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordEvent appends e and pushes it to subscribers. Slow subscribers
// miss events rather than stall the pipeline.
func (a *Aggregator) RecordEvent(e *event.QueryEvent) {
	a.events.push(e)
	a.recorded.Add(1)

	a.subMu.RLock()
	for _, ch := range a.subs {
		select {
		case ch <- e:
		default:
			a.dropped.Add(1)
		}
	}
	a.subMu.RUnlock()
}

// RecordHandshake records the outcome of one DoT handshake.
func (a *Aggregator) RecordHandshake(ok bool) {
	a.handshakes.push(handshake{at: a.now(), ok: ok})
}

// Handshakes summarizes handshakes over the trailing window.
func (a *Aggregator) Handshakes(window time.Duration) HandshakeSummary {
	now := a.now()
	return a.handshakes.summarize(now.Add(-window), now)
}

// Subscribe returns a channel receiving every new event and a function
// that ends the subscription.
func (a *Aggregator) Subscribe(buffer int) (<-chan *event.QueryEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *event.QueryEvent, buffer)

	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (a *Aggregator) Subscribers() int {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	return len(a.subs)
}

// Restore warms the ring with archived events from the last day. Events
// are appended oldest first and not pushed to subscribers.
func (a *Aggregator) Restore(ctx context.Context, archive Archive, limit int) (int, error) {
	events, err := archive.RecentEvents(ctx, a.now().Add(-24*time.Hour), limit)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		a.events.push(e)
	}
	a.logger.Info("Restored query events from archive", "count", len(events))
	return len(events), nil
}

// AddBadgeSource registers a health badge provider.
func (a *Aggregator) AddBadgeSource(src BadgeSource) {
	a.badgeMu.Lock()
	a.badges = append(a.badges, src)
	a.badgeMu.Unlock()
}

func (a *Aggregator) collectBadges() []Badge {
	a.badgeMu.RLock()
	srcs := append([]BadgeSource(nil), a.badges...)
	a.badgeMu.RUnlock()

	out := make([]Badge, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.Badge())
	}
	return out
}

// Len returns the number of events held.
func (a *Aggregator) Len() int { return a.events.len() }

// Stats reports counters useful for diagnostics.
func (a *Aggregator) Stats() map[string]uint64 {
	return map[string]uint64{
		"recorded":           a.recorded.Load(),
		"held":               uint64(a.events.len()),
		"subscriber_dropped": a.dropped.Load(),
	}
}
