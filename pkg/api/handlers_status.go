package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"wequi-guard/pkg/cache"
	"wequi-guard/pkg/monitor"
	"wequi-guard/pkg/tlscert"
	"wequi-guard/pkg/upstream"
)

const hotDomainLimit = 20

// UpstreamsResponse is the upstream pool status.
type UpstreamsResponse struct {
	Healthy   int               `json:"healthy"`
	Total     int               `json:"total"`
	Upstreams []upstream.Status `json:"upstreams"`
}

// TLSResponse is the DoT certificate report plus recent handshake failures.
type TLSResponse struct {
	Configured    bool                     `json:"configured"`
	Certificate   *tlscert.Report          `json:"certificate,omitempty"`
	Error         string                   `json:"error,omitempty"`
	ErrorsLast24h int                      `json:"errors_last_24h"`
	Handshakes    monitor.HandshakeSummary `json:"handshakes_24h"`
}

// CacheResponse is the cache view for one window.
type CacheResponse struct {
	Totals          cache.Stats       `json:"totals"`
	ItemsCached     int               `json:"items_cached"`
	EvictionsPerMin float64           `json:"evictions_per_min"`
	HitRatio10m     float64           `json:"hit_ratio_10m"`
	HitRatio1h      float64           `json:"hit_ratio_1h"`
	Window          cache.WindowStats `json:"window"`
	Last10m         cache.WindowStats `json:"last_10m"`
	Last1h          cache.WindowStats `json:"last_1h"`
	HotDomains      []cache.HotDomain `json:"hot_domains"`
	Latency         *monitor.Latency  `json:"latency,omitempty"`
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	if s.upstreams == nil {
		s.writeError(w, http.StatusServiceUnavailable, "upstream pool not available")
		return
	}
	st := s.upstreams.Status()
	s.writeData(w, http.StatusOK, UpstreamsResponse{
		Healthy:   s.upstreams.HealthyCount(),
		Total:     len(st),
		Upstreams: st,
	})
}

func (s *Server) handleTLS(w http.ResponseWriter, r *http.Request) {
	var resp TLSResponse
	if s.monitor != nil {
		resp.Handshakes = s.monitor.Handshakes(24 * time.Hour)
		resp.ErrorsLast24h = resp.Handshakes.Failed
	}
	if s.tls == nil {
		s.writeData(w, http.StatusOK, resp)
		return
	}

	rep, err := s.tls.Report()
	switch {
	case errors.Is(err, tlscert.ErrNotConfigured):
	case err != nil:
		resp.Configured = true
		resp.Error = err.Error()
	default:
		resp.Configured = true
		resp.Certificate = rep
	}
	s.writeData(w, http.StatusOK, resp)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}
	window := 10 * time.Minute
	switch v := r.URL.Query().Get("window"); v {
	case "", "10m":
	case "1h":
		window = time.Hour
	default:
		s.writeError(w, http.StatusBadRequest, "window must be 10m or 1h")
		return
	}

	resp := CacheResponse{
		Totals:     s.cache.Stats(),
		Window:     s.cache.Window(window),
		Last10m:    s.cache.Window(10 * time.Minute),
		Last1h:     s.cache.Window(time.Hour),
		HotDomains: s.cache.HotDomains(hotDomainLimit, window),
	}
	resp.ItemsCached = resp.Totals.Entries
	resp.EvictionsPerMin = resp.Window.EvictionsPerMin
	resp.HitRatio10m = resp.Last10m.HitRatio
	resp.HitRatio1h = resp.Last1h.HitRatio
	if s.monitor != nil {
		lat := s.monitor.Overview(window, s.now()).Latency
		resp.Latency = &lat
	}
	s.writeData(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerter == nil {
		s.writeData(w, http.StatusOK, []monitor.Alert{})
		return
	}
	q := r.URL.Query()
	if refresh, _ := strconv.ParseBool(q.Get("refresh")); refresh {
		s.alerter.Evaluate(r.Context(), s.now())
	}
	all, _ := strconv.ParseBool(q.Get("all"))
	alerts := s.alerter.Active()
	if all {
		alerts = s.alerter.All()
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	s.writeData(w, http.StatusOK, alerts)
}
