package ratelimit

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(cfg config.RateLimitConfig) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(cfg, "login", logging.NewDiscard(), telemetry.NoopMetrics(), WithClock(c.now)), c
}

func TestManager_BurstThenRefill(t *testing.T) {
	m, c := newTestManager(config.RateLimitConfig{RequestsPerSecond: 0.2, Burst: 3})
	defer m.Stop()
	ctx := context.Background()
	ip := netip.MustParseAddr("192.0.2.10")

	for i := 0; i < 3; i++ {
		assert.True(t, m.Allow(ctx, ip), "attempt %d within burst", i+1)
	}
	assert.False(t, m.Allow(ctx, ip))

	// One token every five seconds.
	c.t = c.t.Add(6 * time.Second)
	assert.True(t, m.Allow(ctx, ip))
	assert.False(t, m.Allow(ctx, ip))
}

func TestManager_ClientsAreIndependent(t *testing.T) {
	m, _ := newTestManager(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	defer m.Stop()
	ctx := context.Background()

	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("2001:db8::1")
	assert.True(t, m.Allow(ctx, a))
	assert.False(t, m.Allow(ctx, a))
	assert.True(t, m.Allow(ctx, b))
	assert.Equal(t, 2, m.Tracked())
}

func TestManager_EvictsOldestWhenFull(t *testing.T) {
	m, c := newTestManager(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxTrackedClients: 2})
	defer m.Stop()
	ctx := context.Background()

	first := netip.MustParseAddr("192.0.2.1")
	m.Allow(ctx, first)
	assert.False(t, m.Allow(ctx, first))
	c.t = c.t.Add(10 * time.Millisecond)
	m.Allow(ctx, netip.MustParseAddr("192.0.2.2"))
	c.t = c.t.Add(10 * time.Millisecond)
	m.Allow(ctx, netip.MustParseAddr("192.0.2.3"))

	assert.Equal(t, 2, m.Tracked())
	// The evicted client starts over with a full bucket.
	assert.True(t, m.Allow(ctx, first))
}

func TestManager_Cleanup(t *testing.T) {
	m, c := newTestManager(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer m.Stop()
	ctx := context.Background()

	m.Allow(ctx, netip.MustParseAddr("192.0.2.1"))
	c.t = c.t.Add(30 * time.Second)
	m.Allow(ctx, netip.MustParseAddr("192.0.2.2"))
	c.t = c.t.Add(45 * time.Second)

	m.cleanup()
	assert.Equal(t, 1, m.Tracked())
}

func TestManager_DisabledAndNil(t *testing.T) {
	var nilManager *Manager
	assert.True(t, nilManager.Allow(context.Background(), netip.MustParseAddr("192.0.2.1")))
	nilManager.Stop()

	m, _ := newTestManager(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, m.Allow(context.Background(), netip.MustParseAddr("192.0.2.1")))
	}
	m.Stop()
	m.Stop()
}
