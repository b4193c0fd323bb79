package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// bucketCount covers one hour of per-minute buckets plus the current minute.
const bucketCount = 61

type bucket struct {
	minute       atomic.Int64
	hits         atomic.Uint64
	misses       atomic.Uint64
	negativeHits atomic.Uint64
	inserts      atomic.Uint64
	expired      atomic.Uint64
	evictions    atomic.Uint64
}

func (b *bucket) reset(minute int64) {
	b.hits.Store(0)
	b.misses.Store(0)
	b.negativeHits.Store(0)
	b.inserts.Store(0)
	b.expired.Store(0)
	b.evictions.Store(0)
	b.minute.Store(minute)
}

// rollingStats keeps cumulative counters and a ring of per-minute buckets.
type rollingStats struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	expired   atomic.Uint64
	evictions atomic.Uint64

	rollMu  sync.Mutex
	buckets [bucketCount]bucket
}

func newRollingStats() *rollingStats {
	s := &rollingStats{}
	for i := range s.buckets {
		s.buckets[i].minute.Store(-1)
	}
	return s
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// record applies fn to the bucket for now, recycling it first if it holds
// an older minute.
func (s *rollingStats) record(now time.Time, fn func(*bucket)) {
	m := minuteOf(now)
	b := &s.buckets[m%bucketCount]
	if b.minute.Load() != m {
		s.rollMu.Lock()
		if b.minute.Load() != m {
			b.reset(m)
		}
		s.rollMu.Unlock()
	}
	fn(b)
}

// WindowStats summarizes cache activity over a trailing window.
// EvictionsPerMin counts TTL expiries and capacity evictions alike.
type WindowStats struct {
	Window          time.Duration `json:"-"`
	WindowLabel     string        `json:"window"`
	Hits            uint64        `json:"hits"`
	Misses          uint64        `json:"misses"`
	NegativeHits    uint64        `json:"negative_hits"`
	Inserts         uint64        `json:"inserts"`
	Expired         uint64        `json:"expired"`
	Evictions       uint64        `json:"evictions"`
	HitRatio        float64       `json:"hit_ratio"`
	EvictionsPerMin float64       `json:"evictions_per_min"`
}

// Window sums the buckets whose minute falls inside (now-d, now].
func (s *rollingStats) window(d time.Duration, now time.Time) WindowStats {
	if d > time.Hour {
		d = time.Hour
	}
	cur := minuteOf(now)
	oldest := minuteOf(now.Add(-d)) + 1
	if d < time.Minute {
		oldest = cur
	}
	w := WindowStats{Window: d, WindowLabel: d.String()}
	for i := range s.buckets {
		b := &s.buckets[i]
		m := b.minute.Load()
		if m < oldest || m > cur {
			continue
		}
		w.Hits += b.hits.Load()
		w.Misses += b.misses.Load()
		w.NegativeHits += b.negativeHits.Load()
		w.Inserts += b.inserts.Load()
		w.Expired += b.expired.Load()
		w.Evictions += b.evictions.Load()
	}
	if total := w.Hits + w.Misses; total > 0 {
		w.HitRatio = float64(w.Hits) / float64(total)
	}
	w.EvictionsPerMin = float64(w.Expired+w.Evictions) / max(d.Minutes(), 1)
	return w
}

// Stats is the cumulative state of the cache.
type Stats struct {
	Entries   int     `json:"entries"`
	Shards    int     `json:"shards"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Inserts   uint64  `json:"inserts"`
	Expired   uint64  `json:"expired"`
	Evictions uint64  `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Stats returns cumulative counters since start.
func (c *ShardedCache) Stats() Stats {
	s := Stats{
		Entries:   c.Len(),
		Shards:    len(c.shards),
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Inserts:   c.stats.inserts.Load(),
		Expired:   c.stats.expired.Load(),
		Evictions: c.stats.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// Window returns activity over the trailing window d (capped at one hour).
func (c *ShardedCache) Window(d time.Duration) WindowStats {
	return c.stats.window(d, c.now())
}
