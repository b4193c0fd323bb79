package api

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is returned by the liveness probe.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// ReadyResponse lists each readiness check and its outcome.
type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  s.now().Sub(s.startTime).Round(time.Second).String(),
		Version: s.version,
	})
}

// handleReadyz reports ready once policies are loaded, at least one upstream
// is healthy and the archive answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Ready: true, Checks: map[string]string{}}
	fail := func(name, reason string) {
		resp.Ready = false
		resp.Checks[name] = reason
	}

	if s.policies == nil || len(s.policies.Policies()) == 0 {
		fail("policies", "not loaded")
	} else {
		resp.Checks["policies"] = "ok"
	}

	switch {
	case s.upstreams == nil:
		fail("upstreams", "not configured")
	case s.upstreams.HealthyCount() == 0:
		fail("upstreams", "no healthy upstream")
	default:
		resp.Checks["upstreams"] = "ok"
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.storage.Ping(ctx)
		cancel()
		if err != nil {
			fail("storage", err.Error())
		} else {
			resp.Checks["storage"] = "ok"
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeData(w, status, resp)
}
