// Package ratelimit throttles repeated attempts from one client address.
package ratelimit

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

// Manager keeps one token bucket per client address.
type Manager struct {
	cfg     config.RateLimitConfig
	scope   string
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	clients map[netip.Addr]*clientLimiter

	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a limiter for scope (used as a log and metric label).
// The cleanup loop runs until Stop.
func NewManager(cfg config.RateLimitConfig, scope string, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		scope:   scope,
		logger:  logger,
		metrics: metrics,
		clients: make(map[netip.Addr]*clientLimiter, 64),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// Allow spends one token for addr and reports whether the attempt may
// proceed. Throttled attempts are logged and counted.
func (m *Manager) Allow(ctx context.Context, addr netip.Addr) bool {
	if m == nil || m.cfg.RequestsPerSecond <= 0 {
		return true
	}
	now := m.now()

	m.mu.Lock()
	entry, ok := m.clients[addr]
	if !ok {
		if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
			m.evictOldestLocked()
		}
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst)}
		m.clients[addr] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	m.mu.Unlock()

	if !allowed {
		m.logger.WarnContext(ctx, "Attempt throttled", "component", "ratelimit", "scope", m.scope, "client", addr.String())
		if m.metrics != nil && m.metrics.LoginThrottled != nil {
			m.metrics.LoginThrottled.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", m.scope)))
		}
	}
	return allowed
}

// Tracked returns how many clients currently hold a bucket.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates the cleanup loop. It is safe to call more than once.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup forgets clients idle for longer than the cleanup interval.
func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, addr)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var (
		oldest     netip.Addr
		oldestTime time.Time
		first      = true
	)
	for addr, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldest = addr
			oldestTime = entry.lastSeen
			first = false
		}
	}
	if !first {
		delete(m.clients, oldest)
	}
}
