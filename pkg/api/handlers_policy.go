package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"wequi-guard/pkg/policy"
)

// PoliciesResponse lists stored policies and the toggle keys they accept.
type PoliciesResponse struct {
	Policies   []*policy.Policy  `json:"policies"`
	Categories []string          `json:"categories"`
	Providers  []string          `json:"safe_search_providers"`
	Effective  *policy.Effective `json:"effective,omitempty"`
}

// OverrideView is an override with its recent activity.
type OverrideView struct {
	*policy.Override
	Expired bool `json:"expired"`
	Hits24h int  `json:"hits_24h"`
}

func (s *Server) handleGetPolicies(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "policy store not available")
		return
	}
	q := r.URL.Query()
	all := s.policies.Policies()
	if v := q.Get("scope"); v != "" {
		scope, ok := policy.ParseScope(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid scope")
			return
		}
		filtered := all[:0:0]
		for _, p := range all {
			if p.Scope == scope {
				filtered = append(filtered, p)
			}
		}
		all = filtered
	}

	resp := PoliciesResponse{
		Policies:   all,
		Categories: s.policies.Categories(),
		Providers:  s.policies.Providers(),
	}
	if userID, deviceID := q.Get("user_id"), q.Get("device_id"); userID != "" || deviceID != "" {
		eff, err := s.policies.EffectivePolicy(userID, deviceID, q.Get("domain"), s.now())
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		resp.Effective = eff
	}
	s.writeData(w, http.StatusOK, resp)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "policy store not available")
		return
	}
	ownerID := r.PathValue("ownerId")
	rawScope := r.URL.Query().Get("scope")
	if rawScope == "" && ownerID == policy.GlobalOwner {
		rawScope = string(policy.ScopeGlobal)
	}
	scope, ok := policy.ParseScope(rawScope)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}

	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(patch))) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty policy patch")
		return
	}

	res, err := s.policies.UpdatePolicy(r.Context(), scope, ownerID, patch, actor(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, res)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "policy store not available")
		return
	}
	now := s.now()
	var hits map[string]int
	if s.monitor != nil {
		hits = s.monitor.OverrideHits(now.Add(-24 * time.Hour))
	}

	list := s.policies.ListOverrides(r.URL.Query().Get("user_id"))
	out := make([]OverrideView, 0, len(list))
	for _, o := range list {
		out = append(out, OverrideView{Override: o, Expired: o.Expired(now), Hits24h: hits[o.ID]})
	}
	s.writePage(w, out, Pagination{Limit: len(out), Total: len(out)})
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "policy store not available")
		return
	}
	var in policy.OverrideInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.policies.CreateOverride(r.Context(), in, actor(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, OverrideView{Override: o, Expired: o.Expired(s.now())})
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "policy store not available")
		return
	}
	id := r.PathValue("id")
	if err := s.policies.DeleteOverride(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
