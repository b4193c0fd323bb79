package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"wequi-guard/pkg/event"
)

// Windows accepted by Overview and the cache summary.
var windows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
}

// ParseWindow parses "5m", "10m", "1h" or "24h". An empty string selects 1h.
func ParseWindow(s string) (time.Duration, error) {
	if s == "" {
		return time.Hour, nil
	}
	if d, ok := windows[strings.ToLower(s)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unsupported window %q", s)
}

// WindowLabel is the inverse of ParseWindow for supported windows.
func WindowLabel(d time.Duration) string {
	for k, v := range windows {
		if v == d {
			return k
		}
	}
	return d.String()
}

// bucketStep picks the sparkline resolution for a window.
func bucketStep(window time.Duration) time.Duration {
	switch {
	case window <= 10*time.Minute:
		return time.Minute
	case window <= time.Hour:
		return 5 * time.Minute
	default:
		return time.Hour
	}
}

// KPIs are the headline counters for a window.
type KPIs struct {
	Total       int     `json:"total"`
	QPS         float64 `json:"qps"`
	Blocked     int     `json:"blocked"`
	BlockPct    float64 `json:"block_pct"`
	Rewrites    int     `json:"rewrites"`
	Errors      int     `json:"errors"`
	ErrorPct    float64 `json:"error_pct"`
	CacheHitPct float64 `json:"cache_hit_pct"`
	SuccessPct  float64 `json:"success_pct"`
}

// Latency summarizes end-to-end latency and its breakdown.
type Latency struct {
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
	AvgMs      float64 `json:"avg_ms"`
	CacheMs    float64 `json:"cache_ms"`
	UpstreamMs float64 `json:"upstream_ms"`
	PolicyMs   float64 `json:"policy_ms"`
}

// CacheRatio is the share of resolutions answered from cache.
type CacheRatio struct {
	Hits     int     `json:"hits"`
	Misses   int     `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// HandshakeSummary counts DoT handshakes.
type HandshakeSummary struct {
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	SuccessPct float64 `json:"success_pct"`
}

// Bucket is one sparkline point.
type Bucket struct {
	Start     time.Time `json:"ts"`
	Total     int       `json:"total"`
	Blocked   int       `json:"blocked"`
	Errors    int       `json:"errors"`
	CacheHits int       `json:"cache_hits"`
	P95Ms     float64   `json:"p95_ms"`
}

// Overview is the aggregate view over one window.
type Overview struct {
	Window      string           `json:"window"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	KPIs        KPIs             `json:"kpis"`
	Latency     Latency          `json:"latency"`
	Cache       CacheRatio       `json:"cache"`
	Handshake   HandshakeSummary `json:"handshake"`
	ByProtocol  map[string]int   `json:"traffic_by_protocol"`
	ByAction    map[string]int   `json:"traffic_by_action"`
	TopBlocked  []DomainCount    `json:"top_blocked"`
	Series      []Bucket         `json:"series"`
	Badges      []Badge          `json:"badges"`
	StepSeconds int              `json:"step_seconds"`
}

// DomainCount pairs a name with a count.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Overview aggregates events with now-window <= ts <= now. Events outside
// that range never contribute.
func (a *Aggregator) Overview(window time.Duration, now time.Time) *Overview {
	start := now.Add(-window)
	events := a.events.between(start, now)

	o := summarize(events, start, now, window)
	o.Handshake = a.handshakes.summarize(start, now)
	o.Badges = a.collectBadges()
	return o
}

func summarize(events []*event.QueryEvent, start, end time.Time, window time.Duration) *Overview {
	step := bucketStep(window)
	o := &Overview{
		Window:      WindowLabel(window),
		Start:       start,
		End:         end,
		ByProtocol:  map[string]int{},
		ByAction:    map[string]int{},
		StepSeconds: int(step / time.Second),
	}

	n := int(window / step)
	if window%step != 0 {
		n++
	}
	buckets := make([]Bucket, n)
	bucketLat := make([][]float64, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * step)
	}

	latencies := make([]float64, 0, len(events))
	blockedDomains := map[string]int{}
	var (
		latSum                     float64
		cacheSum, upSum, policySum float64
		cacheN, upN, policyN       int
	)
	for _, e := range events {
		o.KPIs.Total++
		o.ByProtocol[string(e.Protocol)]++
		o.ByAction[string(e.Action)]++
		latencies = append(latencies, e.LatencyMs)
		latSum += e.LatencyMs

		i := int(e.Timestamp.Sub(start) / step)
		if i >= n {
			i = n - 1
		}
		b := &buckets[i]
		b.Total++
		bucketLat[i] = append(bucketLat[i], e.LatencyMs)

		switch e.Action {
		case event.ActionBlock:
			o.KPIs.Blocked++
			b.Blocked++
			blockedDomains[strings.TrimSuffix(e.QName, ".")]++
		case event.ActionRewrite:
			o.KPIs.Rewrites++
		case event.ActionError:
			o.KPIs.Errors++
			b.Errors++
		}

		switch e.ServedFrom {
		case event.ServedFromCache:
			o.Cache.Hits++
			b.CacheHits++
			cacheSum += e.LatencyMs
			cacheN++
		case event.ServedFromUpstream:
			o.Cache.Misses++
		}
		if e.UpstreamMs > 0 {
			upSum += e.UpstreamMs
			upN++
		}
		if e.PolicyMs > 0 || e.ServedFrom == event.ServedFromPolicy {
			policySum += e.PolicyMs
			policyN++
		}
	}

	total := o.KPIs.Total
	if secs := window.Seconds(); secs > 0 {
		o.KPIs.QPS = float64(total) / secs
	}
	o.KPIs.SuccessPct = 100
	if total > 0 {
		o.KPIs.BlockPct = pct(o.KPIs.Blocked, total)
		o.KPIs.ErrorPct = pct(o.KPIs.Errors, total)
		o.KPIs.SuccessPct = pct(total-o.KPIs.Errors, total)
		o.Latency.AvgMs = latSum / float64(total)
	}
	if lookups := o.Cache.Hits + o.Cache.Misses; lookups > 0 {
		o.Cache.HitRatio = float64(o.Cache.Hits) / float64(lookups)
		o.KPIs.CacheHitPct = o.Cache.HitRatio * 100
	}
	o.Latency.CacheMs = avg(cacheSum, cacheN)
	o.Latency.UpstreamMs = avg(upSum, upN)
	o.Latency.PolicyMs = avg(policySum, policyN)

	sort.Float64s(latencies)
	o.Latency.P50Ms = percentile(latencies, 0.50)
	o.Latency.P95Ms = percentile(latencies, 0.95)
	o.Latency.P99Ms = percentile(latencies, 0.99)

	for i := range buckets {
		sort.Float64s(bucketLat[i])
		buckets[i].P95Ms = percentile(bucketLat[i], 0.95)
	}
	o.Series = buckets
	o.TopBlocked = topDomains(blockedDomains, 10)
	return o
}

func topDomains(counts map[string]int, limit int) []DomainCount {
	out := make([]DomainCount, 0, len(counts))
	for d, c := range counts {
		out = append(out, DomainCount{Domain: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// percentile uses nearest-rank on sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func pct(part, total int) float64 {
	return float64(part) / float64(total) * 100
}

func avg(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
