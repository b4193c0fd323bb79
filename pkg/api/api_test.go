package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/cache"
	"wequi-guard/pkg/config"
	"wequi-guard/pkg/directory"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/monitor"
	"wequi-guard/pkg/policy"
	"wequi-guard/pkg/telemetry"
	"wequi-guard/pkg/tlscert"
	"wequi-guard/pkg/upstream"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fixture struct {
	clk     *clock
	dir     *directory.Directory
	store   *policy.Store
	monitor *monitor.Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: baseTime}
	dir := directory.New(config.DirectoryConfig{
		Users: []config.UserConfig{
			{ID: "u1", Name: "alice", Email: "alice@example.com"},
			{ID: "u2", Name: "bob"},
		},
		Devices: []config.DeviceConfig{
			{ID: "d1", UserID: "u1", Name: "laptop", Platform: "macos", Hostname: "laptop.dot.example"},
			{ID: "d2", UserID: "u1", Name: "phone"},
			{ID: "d3", UserID: "u2", Name: "tablet"},
		},
	})
	store := policy.NewStore(dir, nil, config.PolicyConfig{
		Categories: []config.CategoryConfig{{Name: "ads"}, {Name: "malware"}},
		SafeSearch: config.DefaultSafeSearchProviders(),
		Defaults:   config.DefaultPolicyConfig{Categories: map[string]bool{"malware": true}},
	}, logging.NewDiscard(), policy.WithClock(clk.Now))
	require.NoError(t, store.Load(context.Background()))

	agg := monitor.New(config.MonitorConfig{RingSize: 1000}, logging.NewDiscard(), monitor.WithClock(clk.Now))
	return &fixture{clk: clk, dir: dir, store: store, monitor: agg}
}

func (f *fixture) server(mutate func(*Config)) *Server {
	cfg := &Config{
		Policies:  f.store,
		Directory: f.dir,
		Monitor:   f.monitor,
		Auth:      config.AuthConfig{DisabledApprovedBy: "tests"},
		Logger:    logging.NewDiscard(),
		Version:   "test",
		Now:       f.clk.Now,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func queryEvent(id string, ts time.Time, action event.Action, qname string) *event.QueryEvent {
	e := &event.QueryEvent{
		ID:         id,
		Timestamp:  ts,
		ClientIP:   "192.0.2.10",
		Protocol:   event.ProtocolUDP,
		QName:      qname,
		QType:      "A",
		UserID:     "u1",
		UserName:   "alice",
		Action:     action,
		ServedFrom: event.ServedFromUpstream,
		Upstream:   "192.0.2.53:53",
		Rcode:      "NOERROR",
		LatencyMs:  12.5,
		Attempts:   1,
	}
	if action == event.ActionBlock {
		e.ServedFrom = event.ServedFromPolicy
		e.Upstream = ""
		e.Rcode = "NXDOMAIN"
	}
	return e
}

type envelopeBody struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
	Pagination    *Pagination     `json:"pagination"`
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) envelopeBody {
	t.Helper()
	var env envelopeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	assert.Equal(t, SchemaVersion, e.SchemaVersion)
	assert.Equal(t, rec.Code, e.Code)
	return e
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	f.clk.Advance(90 * time.Second)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h HealthResponse
	decodeEnvelope(t, rec, &h)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "1m30s", h.Uptime)
	assert.Equal(t, "test", h.Version)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	pool, err := upstream.NewPool(config.UpstreamConfig{
		Servers: []config.UpstreamServer{{Address: "192.0.2.53"}},
	}, upstream.ExchangerFunc(func(context.Context, *dns.Msg, *upstream.Server) (*dns.Msg, time.Duration, error) {
		return nil, 0, errors.New("unused")
	}), logging.NewDiscard(), telemetry.NoopMetrics())
	require.NoError(t, err)

	t.Run("no upstreams", func(t *testing.T) {
		rec := do(t, f.server(nil).Handler(), http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var r ReadyResponse
		decodeEnvelope(t, rec, &r)
		assert.False(t, r.Ready)
		assert.Equal(t, "ok", r.Checks["policies"])
		assert.Equal(t, "not configured", r.Checks["upstreams"])
	})

	t.Run("ready", func(t *testing.T) {
		s := f.server(func(c *Config) {
			c.Upstreams = pool
			c.Storage = fakePinger{}
		})
		rec := do(t, s.Handler(), http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var r ReadyResponse
		decodeEnvelope(t, rec, &r)
		assert.True(t, r.Ready)
		assert.Equal(t, "ok", r.Checks["storage"])
	})

	t.Run("storage down", func(t *testing.T) {
		s := f.server(func(c *Config) {
			c.Upstreams = pool
			c.Storage = fakePinger{err: errors.New("database is closed")}
		})
		rec := do(t, s.Handler(), http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var r ReadyResponse
		decodeEnvelope(t, rec, &r)
		assert.Equal(t, "database is closed", r.Checks["storage"])
	})
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	f.monitor.RecordEvent(queryEvent("q1", baseTime.Add(-time.Minute), event.ActionAllow, "example.com."))
	f.monitor.RecordEvent(queryEvent("q2", baseTime.Add(-2*time.Minute), event.ActionBlock, "ads.example."))
	s := f.server(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/overview?window=10m", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var o struct {
		Window string `json:"window"`
		KPIs   struct {
			Total   int `json:"total"`
			Blocked int `json:"blocked"`
		} `json:"kpis"`
		TLS *TLSSummary `json:"tls"`
	}
	decodeEnvelope(t, rec, &o)
	assert.Equal(t, "10m", o.Window)
	assert.Equal(t, 2, o.KPIs.Total)
	assert.Equal(t, 1, o.KPIs.Blocked)
	assert.Nil(t, o.TLS)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/overview?window=7d", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "unsupported window")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) {
		c.CORSOrigins = []string{"https://dash.example"}
		c.Auth = config.AuthConfig{APITokens: []string{"secret"}}
	})

	rec := do(t, s.Handler(), http.MethodOptions, "/api/v1/admin/monitor/overview", "", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, s.Handler(), http.MethodOptions, "/api/v1/admin/monitor/overview", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverMiddleware(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, h, http.MethodGet, "/anything", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	decodeError(t, rec)
}
