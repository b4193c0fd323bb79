package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/ratelimit"
	"wequi-guard/pkg/telemetry"
)

func authConfig(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	inactive := false
	return config.AuthConfig{
		JWTSecret: "test-signing-secret",
		TokenTTL:  time.Hour,
		APITokens: []string{"static-token"},
		Accounts: []config.AccountConfig{
			{ID: "a1", Username: "admin", Email: "admin@example.com", PasswordHash: string(hash)},
			{ID: "a2", Username: "former", PasswordHash: string(hash), Active: &inactive},
		},
	}
}

func login(t *testing.T, h http.Handler, body string) (*LoginResponse, int) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/login", body, nil)
	if rec.Code != http.StatusOK {
		decodeError(t, rec)
		return nil, rec.Code
	}
	var resp LoginResponse
	decodeEnvelope(t, rec, &resp)
	return &resp, rec.Code
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) { c.Auth = authConfig(t) })
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/admin/monitor/policies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "missing bearer token", decodeError(t, rec).Message)

	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/policies", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", decodeError(t, rec).Message)

	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/policies", "", map[string]string{"Authorization": "Bearer static-token"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "probes bypass auth")
}

func TestDefaultConfigRejectsAnonymousWrites(t *testing.T) {
	cfg, err := config.Parse([]byte("upstream:\n  servers:\n    - address: \"192.0.2.53\"\n"))
	require.NoError(t, err)

	f := newFixture(t)
	s := f.server(func(c *Config) { c.Auth = cfg.Auth })
	h := s.Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/admin/monitor/policies/global", `{"categories":{"ads":true}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	eff, err := f.store.EffectivePolicy("u2", "d3", "", baseTime)
	require.NoError(t, err)
	assert.False(t, eff.CategoryEnabled("ads"), "rejected write must not change the policy")

	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/query-feed", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovedAuthOptOut(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) {
		c.Auth = config.AuthConfig{DisabledApprovedBy: "sec-review-7"}
	})

	rec := do(t, s.Handler(), http.MethodPut, "/api/v1/admin/monitor/policies/global", `{"categories":{"ads":true}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginIssuesUsableToken(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) { c.Auth = authConfig(t) })
	h := s.Handler()

	resp, code := login(t, h, `{"username":"admin","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, resp.AccessToken, resp.Token)
	assert.True(t, baseTime.Add(time.Hour).Equal(resp.ExpiresAt))
	assert.Equal(t, AccountView{ID: "a1", Username: "admin", Email: "admin@example.com", Active: true}, resp.User)

	auth := map[string]string{"Authorization": "Bearer " + resp.AccessToken}
	rec := do(t, h, http.MethodGet, "/api/v1/admin/monitor/policies", "", auth)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Login by email works too.
	_, code = login(t, h, `{"email":"ADMIN@example.com","password":"correct horse"}`)
	assert.Equal(t, http.StatusOK, code)

	f.clk.Advance(2 * time.Hour)
	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/policies", "", auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", decodeError(t, rec).Message)
}

func TestLoginRejections(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) { c.Auth = authConfig(t) })
	h := s.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"wrong password", `{"username":"admin","password":"battery staple"}`, http.StatusUnauthorized},
		{"unknown user", `{"username":"nobody","password":"correct horse"}`, http.StatusUnauthorized},
		{"inactive account", `{"username":"former","password":"correct horse"}`, http.StatusUnauthorized},
		{"missing password", `{"username":"admin"}`, http.StatusBadRequest},
		{"malformed body", `{"username":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, code := login(t, h, tt.body)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestLoginWithoutSecret(t *testing.T) {
	f := newFixture(t)
	cfg := authConfig(t)
	cfg.JWTSecret = ""
	s := f.server(func(c *Config) { c.Auth = cfg })

	_, code := login(t, s.Handler(), `{"username":"admin","password":"correct horse"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestLoginThrottled(t *testing.T) {
	f := newFixture(t)
	limiter := ratelimit.NewManager(config.RateLimitConfig{RequestsPerSecond: 0.1, Burst: 2},
		"login", logging.NewDiscard(), telemetry.NoopMetrics(), ratelimit.WithClock(f.clk.Now))
	defer limiter.Stop()
	s := f.server(func(c *Config) {
		c.Auth = authConfig(t)
		c.LoginLimiter = limiter
	})
	h := s.Handler()

	for range 2 {
		_, code := login(t, h, `{"username":"admin","password":"guess"}`)
		assert.Equal(t, http.StatusUnauthorized, code)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/login", `{"username":"admin","password":"correct horse"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	decodeError(t, rec)

	f.clk.Advance(11 * time.Second)
	_, code := login(t, h, `{"username":"admin","password":"correct horse"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestStreamAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) { c.Auth = authConfig(t) })

	req := authRequest(t, "/api/v1/admin/monitor/query-feed/stream?access_token=static-token")
	p, err := s.auth.authorize(req)
	require.NoError(t, err)
	assert.Equal(t, "api-token", p.Subject)

	req = authRequest(t, "/api/v1/admin/monitor/query-feed?access_token=static-token")
	_, err = s.auth.authorize(req)
	assert.Error(t, err, "query tokens are only accepted on the stream")
}

func authRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}
