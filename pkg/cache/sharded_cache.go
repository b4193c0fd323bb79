// Package cache implements the sharded, TTL-bounded resolution cache.
package cache

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

const (
	hotShortWindow = 10 * time.Minute
	hotLongWindow  = time.Hour
)

// Entry is a copy of a cached answer returned by Lookup.
type Entry struct {
	Name       string
	Qtype      uint16
	Msg        *dns.Msg
	Negative   bool
	TTL        time.Duration
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Remaining is the time left before the entry expires.
func (e *Entry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

type entry struct {
	name       string
	qtype      uint16
	msg        *dns.Msg
	negative   bool
	ttl        time.Duration
	insertedAt time.Time
	expiresAt  time.Time

	// guarded by hitMu; written under the shard read lock
	hitMu      sync.Mutex
	lastAccess time.Time
	short      windowCounter
	long       windowCounter
}

// windowCounter counts hits inside one tumbling window and resets when a
// new window starts.
type windowCounter struct {
	start time.Time
	n     uint64
}

func (w *windowCounter) add(now time.Time, size time.Duration) {
	start := now.Truncate(size)
	if !w.start.Equal(start) {
		w.start = start
		w.n = 0
	}
	w.n++
}

func (w *windowCounter) value(now time.Time, size time.Duration) uint64 {
	if !w.start.Equal(now.Truncate(size)) {
		return 0
	}
	return w.n
}

type shard struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
}

// ShardedCache is a DNS answer cache split into independently locked
// shards. Keys are the lowercase FQDN plus query type.
type ShardedCache struct {
	cfg     config.CacheConfig
	shards  []*shard
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	stats   *rollingStats

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a ShardedCache.
type Option func(*ShardedCache)

// WithClock replaces time.Now for TTL checks and window accounting.
func WithClock(now func() time.Time) Option {
	return func(c *ShardedCache) { c.now = now }
}

// WithoutSweeper disables the background sweep goroutine.
func WithoutSweeper() Option {
	return func(c *ShardedCache) { c.cfg.SweepInterval = 0 }
}

// NewSharded creates the cache and starts the periodic sweep.
func NewSharded(cfg config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*ShardedCache, error) {
	if !cfg.Enabled {
		return nil, ErrCacheNotEnabled
	}
	if cfg.MaxEntries <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 64
	}
	perShard := cfg.MaxEntries / cfg.ShardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &ShardedCache{
		cfg:     cfg,
		shards:  make([]*shard, cfg.ShardCount),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		stats:   newRollingStats(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry), maxEntries: perShard}
	}

	if c.cfg.SweepInterval > 0 {
		go c.sweepLoop(c.cfg.SweepInterval)
	} else {
		close(c.done)
	}

	logger.Info("Resolution cache initialized",
		"shards", cfg.ShardCount,
		"entries_per_shard", perShard,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL,
		"negative_ttl", cfg.NegativeTTL)
	return c, nil
}

// Key builds the cache key for a name and type.
func Key(name string, qtype uint16) string {
	return strings.ToLower(dns.Fqdn(name)) + ":" + strconv.Itoa(int(qtype))
}

func (c *ShardedCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Lookup returns a copy of the cached answer whose record TTLs are reduced
// to the time remaining. Expiry is checked under the shard lock, so an
// entry is never returned once its TTL has elapsed.
func (c *ShardedCache) Lookup(ctx context.Context, name string, qtype uint16) (*Entry, bool) {
	key := Key(name, qtype)
	sh := c.shardFor(key)

	sh.mu.RLock()
	now := c.now()
	e, found := sh.entries[key]
	if !found {
		sh.mu.RUnlock()
		c.recordMiss(ctx, now)
		return nil, false
	}
	if cerr := e.check(key); cerr != nil {
		sh.mu.RUnlock()
		c.discardCorrupt(ctx, sh, key, e, cerr, now)
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		sh.mu.RUnlock()
		c.expire(sh, key, e, now)
		c.recordMiss(ctx, now)
		return nil, false
	}

	out := &Entry{
		Name:       e.name,
		Qtype:      e.qtype,
		Msg:        e.msg.Copy(),
		Negative:   e.negative,
		TTL:        e.ttl,
		InsertedAt: e.insertedAt,
		ExpiresAt:  e.expiresAt,
	}
	e.hitMu.Lock()
	e.lastAccess = now
	e.short.add(now, hotShortWindow)
	e.long.add(now, hotLongWindow)
	e.hitMu.Unlock()
	sh.mu.RUnlock()

	clampTTL(out.Msg, e.expiresAt.Sub(now))
	c.stats.record(now, func(b *bucket) {
		b.hits.Add(1)
		if out.Negative {
			b.negativeHits.Add(1)
		}
	})
	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Add(ctx, 1)
	}
	return out, true
}

func (e *entry) check(key string) *CacheCorruptionError {
	switch {
	case e.msg == nil:
		return &CacheCorruptionError{Key: key, Reason: "missing message"}
	case !e.expiresAt.After(e.insertedAt):
		return &CacheCorruptionError{Key: key, Reason: "expiry not after insertion"}
	case len(e.msg.Question) > 0 && Key(e.msg.Question[0].Name, e.msg.Question[0].Qtype) != key:
		return &CacheCorruptionError{Key: key, Reason: "question does not match key"}
	}
	return nil
}

func (c *ShardedCache) discardCorrupt(ctx context.Context, sh *shard, key string, e *entry, cerr *CacheCorruptionError, now time.Time) {
	sh.mu.Lock()
	if cur, ok := sh.entries[key]; ok && cur == e {
		delete(sh.entries, key)
		c.sizeDelta(-1)
	}
	sh.mu.Unlock()

	c.logger.Warn("Discarded corrupt cache entry",
		"component", "cache",
		"key", key,
		"error", cerr,
		"timestamp", now)
	if c.metrics != nil {
		c.metrics.CacheCorruptions.Add(ctx, 1)
	}
	c.recordMiss(ctx, now)
}

// expire removes e if it is still the current entry for key.
func (c *ShardedCache) expire(sh *shard, key string, e *entry, now time.Time) {
	sh.mu.Lock()
	if cur, ok := sh.entries[key]; ok && cur == e {
		delete(sh.entries, key)
		c.sizeDelta(-1)
		c.stats.expired.Add(1)
		c.stats.record(now, func(b *bucket) { b.expired.Add(1) })
	}
	sh.mu.Unlock()
}

func (c *ShardedCache) recordMiss(ctx context.Context, now time.Time) {
	c.stats.misses.Add(1)
	c.stats.record(now, func(b *bucket) { b.misses.Add(1) })
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(ctx, 1)
	}
}

func (c *ShardedCache) sizeDelta(n int64) {
	if c.metrics != nil {
		c.metrics.CacheSize.Add(context.Background(), n)
	}
}

// Insert caches msg for name/qtype. A ttl of zero derives the TTL from the
// message. Negative answers (NXDOMAIN, SERVFAIL, empty NOERROR) always use
// the configured negative TTL.
func (c *ShardedCache) Insert(name string, qtype uint16, msg *dns.Msg, ttl time.Duration) {
	if msg == nil {
		return
	}
	negative := IsNegative(msg)
	switch {
	case negative:
		ttl = c.cfg.NegativeTTL
	case ttl <= 0:
		ttl = DetermineTTL(c.cfg, msg)
	}
	if ttl <= 0 {
		return
	}

	key := Key(name, qtype)
	now := c.now()
	stored := msg.Copy()
	stored.Id = 0
	e := &entry{
		name:       strings.ToLower(dns.Fqdn(name)),
		qtype:      qtype,
		msg:        stored,
		negative:   negative,
		ttl:        ttl,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	sh := c.shardFor(key)
	sh.mu.Lock()
	prev, exists := sh.entries[key]
	if !exists && len(sh.entries) >= sh.maxEntries {
		c.evictLRU(sh, now)
	}
	if exists {
		// Keep hot-domain counters across refreshes.
		prev.hitMu.Lock()
		e.short, e.long = prev.short, prev.long
		prev.hitMu.Unlock()
	}
	sh.entries[key] = e
	sh.mu.Unlock()

	if !exists {
		c.sizeDelta(1)
	}
	c.stats.inserts.Add(1)
	c.stats.record(now, func(b *bucket) { b.inserts.Add(1) })
}

// evictLRU removes the least recently used entry. Caller holds sh.mu.
func (c *ShardedCache) evictLRU(sh *shard, now time.Time) {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for key, e := range sh.entries {
		e.hitMu.Lock()
		at := e.lastAccess
		e.hitMu.Unlock()
		if oldestKey == "" || at.Before(oldestTime) {
			oldestKey, oldestTime = key, at
		}
	}
	if oldestKey == "" {
		return
	}
	delete(sh.entries, oldestKey)
	c.sizeDelta(-1)
	c.stats.evictions.Add(1)
	c.stats.record(now, func(b *bucket) { b.evictions.Add(1) })
}

// IsNegative reports whether msg is an NXDOMAIN, SERVFAIL or NODATA answer.
func IsNegative(msg *dns.Msg) bool {
	switch msg.Rcode {
	case dns.RcodeNameError, dns.RcodeServerFailure:
		return true
	case dns.RcodeSuccess:
		return len(msg.Answer) == 0
	}
	return false
}

// DetermineTTL returns the smallest answer TTL clamped to [MinTTL, MaxTTL],
// or NegativeTTL for negative answers.
func DetermineTTL(cfg config.CacheConfig, msg *dns.Msg) time.Duration {
	if IsNegative(msg) {
		return cfg.NegativeTTL
	}
	var minTTL uint32
	first := true
	for _, rr := range msg.Answer {
		if t := rr.Header().Ttl; first || t < minTTL {
			minTTL, first = t, false
		}
	}
	ttl := time.Duration(minTTL) * time.Second
	if ttl < cfg.MinTTL {
		ttl = cfg.MinTTL
	}
	if cfg.MaxTTL > 0 && ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}
	return ttl
}

// clampTTL lowers every record TTL to the remaining lifetime.
func clampTTL(msg *dns.Msg, remaining time.Duration) {
	secs := uint32(remaining / time.Second)
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl > secs {
				rr.Header().Ttl = secs
			}
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ShardedCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !now.Before(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		c.sizeDelta(int64(-removed))
		c.stats.expired.Add(uint64(removed))
		c.stats.record(now, func(b *bucket) { b.expired.Add(uint64(removed)) })
		c.logger.Debug("Swept expired cache entries", "removed", removed, "remaining", c.Len())
	}
	return removed
}

func (c *ShardedCache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Len returns the number of cached entries.
func (c *ShardedCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Clear removes all entries.
func (c *ShardedCache) Clear() {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		removed += len(sh.entries)
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	c.sizeDelta(int64(-removed))
	c.logger.Info("Resolution cache cleared", "removed", removed)
}

// Close stops the sweeper.
func (c *ShardedCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		s := c.Stats()
		c.logger.Info("Resolution cache closed",
			"hits", s.Hits,
			"misses", s.Misses,
			"entries", s.Entries)
	})
	return nil
}

// HotDomain aggregates hit counters for one name across query types.
type HotDomain struct {
	Domain        string    `json:"domain"`
	Hits          uint64    `json:"hits"`
	Hits10m       uint64    `json:"hits_10m"`
	Hits1h        uint64    `json:"hits_1h"`
	LastHit       time.Time `json:"last_hit"`
	AvgTTLSeconds float64   `json:"avg_ttl_seconds"`
}

// HotDomains returns the most-hit names, ranked by the window matching
// window (10m or 1h).
func (c *ShardedCache) HotDomains(limit int, window time.Duration) []HotDomain {
	now := c.now()
	type agg struct {
		HotDomain
		ttlSum float64
		n      int
	}
	byName := make(map[string]*agg)

	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			e.hitMu.Lock()
			short := e.short.value(now, hotShortWindow)
			long := e.long.value(now, hotLongWindow)
			last := e.lastAccess
			e.hitMu.Unlock()
			if long == 0 {
				continue
			}
			name := strings.TrimSuffix(e.name, ".")
			a, ok := byName[name]
			if !ok {
				a = &agg{HotDomain: HotDomain{Domain: name}}
				byName[name] = a
			}
			a.Hits10m += short
			a.Hits1h += long
			if last.After(a.LastHit) {
				a.LastHit = last
			}
			a.ttlSum += e.ttl.Seconds()
			a.n++
		}
		sh.mu.RUnlock()
	}

	out := make([]HotDomain, 0, len(byName))
	for _, a := range byName {
		a.AvgTTLSeconds = a.ttlSum / float64(a.n)
		a.Hits = a.Hits1h
		if window <= hotShortWindow {
			a.Hits = a.Hits10m
		}
		if a.Hits == 0 {
			continue
		}
		out = append(out, a.HotDomain)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Domain < out[j].Domain
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
