package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/event"
	"wequi-guard/pkg/policy"
)

func TestGetPolicies(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/policies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PoliciesResponse
	decodeEnvelope(t, rec, &resp)
	require.Len(t, resp.Policies, 1)
	assert.Equal(t, policy.ScopeGlobal, resp.Policies[0].Scope)
	assert.Equal(t, []string{"ads", "malware"}, resp.Categories)
	assert.NotEmpty(t, resp.Providers)
	assert.Nil(t, resp.Effective)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/policies?user_id=u1&device_id=d1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &resp)
	require.NotNil(t, resp.Effective)
	assert.True(t, resp.Effective.CategoryEnabled("malware"))
	assert.False(t, resp.Effective.CategoryEnabled("ads"))

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/policies?scope=planet", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePolicy(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/admin/monitor/policies/u1", `{"block_ads":true,"description":"kids"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res policy.UpdateResult
	decodeEnvelope(t, rec, &res)
	assert.Equal(t, policy.ScopeUser, res.Policy.Scope)
	assert.Equal(t, "u1", res.Policy.OwnerID)
	assert.Equal(t, "anonymous", res.Policy.UpdatedBy)
	require.NotNil(t, res.Policy.Categories["ads"])
	assert.True(t, *res.Policy.Categories["ads"])
	assert.Positive(t, res.AffectedCount)

	// The global policy is addressed by its owner id without a scope.
	rec = do(t, h, http.MethodPut, "/api/v1/admin/monitor/policies/global", `{"categories":{"ads":true}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/api/v1/admin/monitor/policies/d3?scope=device", `{"block_malware":false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	eff, err := f.store.EffectivePolicy("u2", "d3", "", baseTime)
	require.NoError(t, err)
	assert.True(t, eff.CategoryEnabled("ads"))
	assert.False(t, eff.CategoryEnabled("malware"))

	tests := []struct {
		name   string
		target string
		body   string
		code   int
	}{
		{"unknown user", "/api/v1/admin/monitor/policies/u9", `{"block_ads":true}`, http.StatusNotFound},
		{"unknown device", "/api/v1/admin/monitor/policies/d9?scope=device", `{"block_ads":true}`, http.StatusNotFound},
		{"unknown category", "/api/v1/admin/monitor/policies/u1", `{"block_crypto":true}`, http.StatusBadRequest},
		{"non boolean toggle", "/api/v1/admin/monitor/policies/u1", `{"block_ads":"yes"}`, http.StatusBadRequest},
		{"global unset", "/api/v1/admin/monitor/policies/global", `{"block_ads":null}`, http.StatusBadRequest},
		{"bad scope", "/api/v1/admin/monitor/policies/u1?scope=tenant", `{"block_ads":true}`, http.StatusBadRequest},
		{"empty body", "/api/v1/admin/monitor/policies/u1", ` `, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version := f.store.Version()
			rec := do(t, h, http.MethodPut, tt.target, tt.body, nil)
			assert.Equal(t, tt.code, rec.Code)
			decodeError(t, rec)
			assert.Equal(t, version, f.store.Version(), "rejected patches change nothing")
		})
	}
}

func TestOverridesLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	h := s.Handler()

	expires := baseTime.Add(time.Hour).Format(time.RFC3339)
	rec := do(t, h, http.MethodPost, "/api/v1/admin/monitor/overrides",
		`{"user_id":"u1","domain":"Games.Example.","action":"allow","expires_at":"`+expires+`"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created OverrideView
	decodeEnvelope(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "games.example", created.Domain)
	assert.Equal(t, event.ActionAllow, created.Action)
	assert.False(t, created.Expired)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/monitor/overrides",
		`{"scope":"device","scope_target_id":"d3","domain":"social.example","action":"block"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Two queries were answered by the first override.
	for _, id := range []string{"h1", "h2"} {
		e := queryEvent(id, baseTime.Add(-time.Minute), event.ActionAllow, "games.example.")
		e.Reason = "override:" + created.ID
		f.monitor.RecordEvent(e)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/overrides?user_id=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []OverrideView
	env := decodeEnvelope(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, 1, env.Pagination.Total)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, 2, list[0].Hits24h)

	f.clk.Advance(2 * time.Hour)
	rec = do(t, h, http.MethodGet, "/api/v1/admin/monitor/overrides", "", nil)
	decodeEnvelope(t, rec, &list)
	require.Len(t, list, 2)
	for _, o := range list {
		if o.ID == created.ID {
			assert.True(t, o.Expired, "expired overrides stay listed")
		}
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/admin/monitor/overrides/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/admin/monitor/overrides/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	decodeError(t, rec)
}

func TestCreateOverrideRejections(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	h := s.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad domain", `{"user_id":"u1","domain":"not a domain","action":"block"}`, http.StatusBadRequest},
		{"bad action", `{"user_id":"u1","domain":"a.example","action":"rewrite"}`, http.StatusBadRequest},
		{"global scope", `{"scope":"global","domain":"a.example","action":"block"}`, http.StatusBadRequest},
		{"unknown user", `{"user_id":"u9","domain":"a.example","action":"block"}`, http.StatusNotFound},
		{"device of other user", `{"user_id":"u1","scope":"device","scope_target_id":"d3","domain":"a.example","action":"block"}`, http.StatusBadRequest},
		{"past expiry", `{"user_id":"u1","domain":"a.example","action":"block","expires_at":"2020-01-01T00:00:00Z"}`, http.StatusBadRequest},
		{"not json", `domain=a.example`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/admin/monitor/overrides", tt.body, nil)
			assert.Equal(t, tt.code, rec.Code)
			decodeError(t, rec)
		})
	}
	assert.Empty(t, f.store.ListOverrides(""))
}
