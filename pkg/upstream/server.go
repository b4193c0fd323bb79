package upstream

import (
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wequi-guard/pkg/config"
)

// Protocols understood by the exchanger.
const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
	ProtocolDoT = "dot"
)

// result slots in the rolling window
const (
	slotEmpty uint32 = iota
	slotSuccess
	slotFailure
)

// Server is one upstream resolver with lock-free health counters.
type Server struct {
	Address    string
	Protocol   string
	Weight     int
	ServerName string

	healthy     atomic.Bool
	consecutive atomic.Int64
	successes   atomic.Uint64
	failures    atomic.Uint64
	lastCheck   atomic.Int64 // unix nanos
	lastErr     atomic.Pointer[string]

	window    []atomic.Uint32
	windowPos atomic.Uint64

	latency    []atomic.Int64 // nanoseconds + 1; zero is an empty slot
	latencyPos atomic.Uint64

	// current-minute counters drained by the history sampler
	minuteOK   atomic.Uint64
	minuteFail atomic.Uint64

	histMu  sync.Mutex
	history []HistoryPoint
	histCap int
}

func newServer(sc config.UpstreamServer, cfg config.UpstreamConfig) *Server {
	s := &Server{
		Address:    normalizeAddress(sc.Address, sc.Protocol),
		Protocol:   strings.ToLower(sc.Protocol),
		Weight:     sc.Weight,
		ServerName: sc.ServerName,
		window:     make([]atomic.Uint32, max(cfg.WindowSize, 1)),
		latency:    make([]atomic.Int64, max(cfg.LatencySamples, 1)),
		histCap:    max(cfg.HistorySize, 1),
	}
	if s.Protocol == "" {
		s.Protocol = ProtocolUDP
	}
	if s.Weight <= 0 {
		s.Weight = 1
	}
	s.healthy.Store(true)
	return s
}

// normalizeAddress adds the default port for the protocol when missing.
func normalizeAddress(addr, protocol string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := "53"
	if strings.EqualFold(protocol, ProtocolDoT) {
		port = "853"
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), port)
}

// Healthy reports whether the server is eligible for selection.
func (s *Server) Healthy() bool { return s.healthy.Load() }

// ConsecutiveFailures returns the current failure streak.
func (s *Server) ConsecutiveFailures() int64 { return s.consecutive.Load() }

func (s *Server) pushResult(success bool) {
	v := slotFailure
	if success {
		v = slotSuccess
	}
	i := s.windowPos.Add(1) - 1
	s.window[i%uint64(len(s.window))].Store(v)
}

func (s *Server) clearWindow() {
	for i := range s.window {
		s.window[i].Store(slotEmpty)
	}
}

// windowCounts returns successes and total results in the rolling window.
func (s *Server) windowCounts() (ok, total int) {
	for i := range s.window {
		switch s.window[i].Load() {
		case slotSuccess:
			ok++
			total++
		case slotFailure:
			total++
		}
	}
	return ok, total
}

func (s *Server) pushLatency(d time.Duration) {
	i := s.latencyPos.Add(1) - 1
	s.latency[i%uint64(len(s.latency))].Store(int64(d) + 1)
}

// Percentiles returns latency quantiles over the sample ring. Missing
// samples yield zero.
func (s *Server) Percentiles(qs ...float64) []time.Duration {
	samples := make([]int64, 0, len(s.latency))
	for i := range s.latency {
		if v := s.latency[i].Load(); v > 0 {
			samples = append(samples, v-1)
		}
	}
	out := make([]time.Duration, len(qs))
	if len(samples) == 0 {
		return out
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	for i, q := range qs {
		out[i] = time.Duration(samples[quantileIndex(len(samples), q)])
	}
	return out
}

// quantileIndex uses the nearest-rank method.
func quantileIndex(n int, q float64) int {
	idx := int(q*float64(n)+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// HistoryPoint is one per-minute sample of a server's health.
type HistoryPoint struct {
	Timestamp  time.Time `json:"ts"`
	SuccessPct float64   `json:"success_pct"`
	Queries    uint64    `json:"queries"`
	P95Ms      float64   `json:"p95_ms"`
	Healthy    bool      `json:"healthy"`
}

func (s *Server) sample(now time.Time) {
	ok := s.minuteOK.Swap(0)
	fail := s.minuteFail.Swap(0)
	p := HistoryPoint{
		Timestamp:  now.Truncate(time.Minute),
		Queries:    ok + fail,
		SuccessPct: 100,
		P95Ms:      durationMs(s.Percentiles(0.95)[0]),
		Healthy:    s.Healthy(),
	}
	if p.Queries > 0 {
		p.SuccessPct = float64(ok) / float64(p.Queries) * 100
	}

	s.histMu.Lock()
	s.history = append(s.history, p)
	if len(s.history) > s.histCap {
		s.history = s.history[len(s.history)-s.histCap:]
	}
	s.histMu.Unlock()
}

// History returns the retained per-minute samples, oldest first.
func (s *Server) History() []HistoryPoint {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]HistoryPoint(nil), s.history...)
}

// Status is the API view of a server.
type Status struct {
	Address             string         `json:"address"`
	Protocol            string         `json:"protocol"`
	Weight              int            `json:"weight"`
	Healthy             bool           `json:"healthy"`
	SuccessRate         float64        `json:"success_rate"`
	Successes           uint64         `json:"successes"`
	Failures            uint64         `json:"failures"`
	ConsecutiveFailures int64          `json:"consecutive_failures"`
	P50Ms               float64        `json:"p50_ms"`
	P95Ms               float64        `json:"p95_ms"`
	LastCheck           *time.Time     `json:"last_check,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	History             []HistoryPoint `json:"history"`
}

// Status returns a point-in-time view of the server.
func (s *Server) Status() Status {
	ok, total := s.windowCounts()
	st := Status{
		Address:             s.Address,
		Protocol:            s.Protocol,
		Weight:              s.Weight,
		Healthy:             s.Healthy(),
		SuccessRate:         1,
		Successes:           s.successes.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
		History:             s.History(),
	}
	if total > 0 {
		st.SuccessRate = float64(ok) / float64(total)
	}
	p := s.Percentiles(0.50, 0.95)
	st.P50Ms, st.P95Ms = durationMs(p[0]), durationMs(p[1])
	if ns := s.lastCheck.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		st.LastCheck = &t
	}
	if e := s.lastErr.Load(); e != nil {
		st.LastError = *e
	}
	return st
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
