// Package policy stores per-owner filtering policies and domain overrides,
// merges them into the effective policy for a query, and classifies queries
// against it.
package policy

import (
	"strings"
	"time"

	"wequi-guard/pkg/event"
)

// Scope is the level a policy or override applies at.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
	ScopeDevice Scope = "device"
)

// GlobalOwner is the owner id of the single global policy.
const GlobalOwner = "global"

// ParseScope parses a scope name; empty means user.
func ParseScope(s string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeUser:
		return ScopeUser, true
	case ScopeGlobal:
		return ScopeGlobal, true
	case ScopeDevice:
		return ScopeDevice, true
	}
	return "", false
}

// Policy is one scope's toggles. A nil toggle inherits from the next broader
// scope; the global policy always has every toggle set.
type Policy struct {
	Scope       Scope            `json:"scope"`
	OwnerID     string           `json:"owner_id"`
	Categories  map[string]*bool `json:"categories"`
	SafeSearch  map[string]*bool `json:"safe_search"`
	Description string           `json:"description,omitempty"`
	Version     int64            `json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
	UpdatedBy   string           `json:"updated_by,omitempty"`
}

func (p *Policy) clone() *Policy {
	c := *p
	c.Categories = make(map[string]*bool, len(p.Categories))
	for k, v := range p.Categories {
		if v != nil {
			b := *v
			c.Categories[k] = &b
		}
	}
	c.SafeSearch = make(map[string]*bool, len(p.SafeSearch))
	for k, v := range p.SafeSearch {
		if v != nil {
			b := *v
			c.SafeSearch[k] = &b
		}
	}
	return &c
}

// Override is a domain-level allow/block exception for a user or device.
type Override struct {
	ID        string       `json:"id"`
	Scope     Scope        `json:"scope"`
	UserID    string       `json:"user_id"`
	TargetID  string       `json:"target_id"`
	Domain    string       `json:"domain"`
	Action    event.Action `json:"action"`
	CreatedAt time.Time    `json:"created_at"`
	CreatedBy string       `json:"created_by,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the override no longer applies at now. Expired
// overrides stay stored.
func (o *Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Effective is the merged policy for one query.
type Effective struct {
	UserID     string          `json:"user_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	Categories map[string]bool `json:"categories"`
	SafeSearch map[string]bool `json:"safe_search"`
	// Override is the unexpired override for the queried domain, if any.
	Override *Override `json:"override,omitempty"`
	Version  int64     `json:"version"`
}

// CategoryEnabled reports whether blocking is on for category.
func (e *Effective) CategoryEnabled(category string) bool {
	return e.Categories[category]
}

// SafeSearchEnabled reports whether provider's restricted mode is enforced.
func (e *Effective) SafeSearchEnabled(provider string) bool {
	return e.SafeSearch[provider]
}

// NormalizeDomain lowercases and strips the trailing dot.
func NormalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func boolPtr(b bool) *bool { return &b }
