package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/directory"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
)

// Directory is the set of owners policies can target.
type Directory interface {
	User(id string) (*directory.User, bool)
	Device(id string) (*directory.Device, bool)
	Users() []*directory.User
	DevicesOf(userID string) []*directory.Device
}

// Persister stores policies and overrides. SavePolicy must keep every
// revision; policies are superseded, never deleted.
type Persister interface {
	LoadPolicies(ctx context.Context) ([]*Policy, error)
	LoadOverrides(ctx context.Context) ([]*Override, error)
	SavePolicy(ctx context.Context, p *Policy) error
	SaveOverride(ctx context.Context, o *Override) error
	DeleteOverride(ctx context.Context, id string) error
}

// NopPersister keeps nothing. Used when storage is disabled.
type NopPersister struct{}

func (NopPersister) LoadPolicies(context.Context) ([]*Policy, error) { return nil, nil }
func (NopPersister) LoadOverrides(context.Context) ([]*Override, error) { return nil, nil }
func (NopPersister) SavePolicy(context.Context, *Policy) error { return nil }
func (NopPersister) SaveOverride(context.Context, *Override) error { return nil }
func (NopPersister) DeleteOverride(context.Context, string) error { return nil }

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the override id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// snapshot is never modified once published.
type snapshot struct {
	version    int64
	categories []string
	providers  []string
	global     *Policy
	users      map[string]*Policy
	devices    map[string]*Policy
	overrides  map[string]*Override
	byDomain   map[string][]*Override
}

func (s *snapshot) clone() *snapshot {
	c := *s
	c.users = make(map[string]*Policy, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.devices = make(map[string]*Policy, len(s.devices))
	for k, v := range s.devices {
		c.devices[k] = v
	}
	c.overrides = make(map[string]*Override, len(s.overrides))
	for k, v := range s.overrides {
		c.overrides[k] = v
	}
	c.reindex()
	return &c
}

func (s *snapshot) reindex() {
	s.byDomain = make(map[string][]*Override, len(s.overrides))
	for _, o := range s.overrides {
		s.byDomain[o.Domain] = append(s.byDomain[o.Domain], o)
	}
}

func (s *snapshot) put(p *Policy) {
	switch p.Scope {
	case ScopeGlobal:
		s.global = p
	case ScopeUser:
		s.users[p.OwnerID] = p
	case ScopeDevice:
		s.devices[p.OwnerID] = p
	}
}

// Store holds policies and overrides behind copy-on-write snapshots.
// Readers never lock; writers are serialized and persist before publishing.
type Store struct {
	dir     Directory
	persist Persister
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	defaults config.DefaultPolicyConfig
	snap     atomic.Pointer[snapshot]
}

// NewStore creates a store seeded with the configured global defaults.
// Call Load to merge persisted state.
func NewStore(dir Directory, persist Persister, cfg config.PolicyConfig, logger *logging.Logger, opts ...Option) *Store {
	if persist == nil {
		persist = NopPersister{}
	}
	s := &Store{
		dir:     dir,
		persist: persist,
		logger:  logger,
		now:      time.Now,
		newID:    uuid.NewString,
		defaults: cfg.Defaults,
	}
	for _, opt := range opts {
		opt(s)
	}

	cats, provs := keysFromConfig(cfg)
	snap := &snapshot{
		categories: cats,
		providers:  provs,
		global:     seedGlobal(cfg, cats, provs, s.now()),
		users:      map[string]*Policy{},
		devices:    map[string]*Policy{},
		overrides:  map[string]*Override{},
	}
	snap.reindex()
	s.snap.Store(snap)
	return s
}

func keysFromConfig(cfg config.PolicyConfig) (cats, provs []string) {
	for _, c := range cfg.Categories {
		cats = append(cats, strings.ToLower(c.Name))
	}
	for _, p := range cfg.SafeSearch {
		provs = append(provs, strings.ToLower(p.Name))
	}
	return cats, provs
}

func seedGlobal(cfg config.PolicyConfig, cats, provs []string, now time.Time) *Policy {
	p := &Policy{
		Scope:      ScopeGlobal,
		OwnerID:    GlobalOwner,
		Categories: make(map[string]*bool, len(cats)),
		SafeSearch: make(map[string]*bool, len(provs)),
		UpdatedAt:  now.UTC(),
		UpdatedBy:  "config",
	}
	for _, c := range cats {
		p.Categories[c] = boolPtr(lookupFold(cfg.Defaults.Categories, c))
	}
	for _, pr := range provs {
		p.SafeSearch[pr] = boolPtr(lookupFold(cfg.Defaults.SafeSearch, pr))
	}
	return p
}

// withDefaults fills toggles the global policy lacks, such as a category
// added to the configuration after the policy was persisted. g itself is
// never modified.
func withDefaults(g *Policy, cats, provs []string, defaults config.DefaultPolicyConfig) *Policy {
	missing := false
	for _, c := range cats {
		missing = missing || g.Categories[c] == nil
	}
	for _, pr := range provs {
		missing = missing || g.SafeSearch[pr] == nil
	}
	if !missing {
		return g
	}
	out := g.clone()
	for _, c := range cats {
		if out.Categories[c] == nil {
			out.Categories[c] = boolPtr(lookupFold(defaults.Categories, c))
		}
	}
	for _, pr := range provs {
		if out.SafeSearch[pr] == nil {
			out.SafeSearch[pr] = boolPtr(lookupFold(defaults.SafeSearch, pr))
		}
	}
	return out
}

func lookupFold(m map[string]bool, key string) bool {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return false
}

// Load merges persisted policies and overrides into the store. When no
// global policy has been persisted the seeded one is saved.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.persist.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	overrides, err := s.persist.LoadOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}

	next := s.snap.Load().clone()
	hasGlobal := false
	for _, p := range policies {
		if p.Categories == nil {
			p.Categories = map[string]*bool{}
		}
		if p.SafeSearch == nil {
			p.SafeSearch = map[string]*bool{}
		}
		if p.Scope == ScopeGlobal {
			hasGlobal = true
		}
		next.put(p)
		if p.Version > next.version {
			next.version = p.Version
		}
	}
	for _, o := range overrides {
		next.overrides[o.ID] = o
	}
	next.reindex()
	next.global = withDefaults(next.global, next.categories, next.providers, s.defaults)

	if !hasGlobal {
		if err := s.persist.SavePolicy(ctx, next.global); err != nil {
			return fmt.Errorf("seed global policy: %w", err)
		}
	}

	s.snap.Store(next)
	s.logger.Info("Policy store loaded",
		"policies", len(policies),
		"overrides", len(overrides),
		"version", next.version)
	return nil
}

// SetKeys replaces the known category and provider names, e.g. after a
// configuration reload.
func (s *Store) SetKeys(cfg config.PolicyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Load().clone()
	next.categories, next.providers = keysFromConfig(cfg)
	s.defaults = cfg.Defaults
	next.global = withDefaults(next.global, next.categories, next.providers, s.defaults)
	s.snap.Store(next)
}

// Version returns the current snapshot version.
func (s *Store) Version() int64 { return s.snap.Load().version }

// Categories returns category names in evaluation order.
func (s *Store) Categories() []string {
	return append([]string(nil), s.snap.Load().categories...)
}

// Providers returns SafeSearch provider names.
func (s *Store) Providers() []string {
	return append([]string(nil), s.snap.Load().providers...)
}

// Policy returns the stored policy for a scope owner.
func (s *Store) Policy(scope Scope, ownerID string) (*Policy, bool) {
	snap := s.snap.Load()
	var p *Policy
	switch scope {
	case ScopeGlobal:
		p = snap.global
	case ScopeUser:
		p = snap.users[ownerID]
	case ScopeDevice:
		p = snap.devices[ownerID]
	}
	return p, p != nil
}

// Policies returns every stored policy: global first, then users and
// devices ordered by owner id.
func (s *Store) Policies() []*Policy {
	snap := s.snap.Load()
	out := make([]*Policy, 0, 1+len(snap.users)+len(snap.devices))
	out = append(out, snap.global)
	for _, layer := range []map[string]*Policy{snap.users, snap.devices} {
		owners := make([]string, 0, len(layer))
		for id := range layer {
			owners = append(owners, id)
		}
		sort.Strings(owners)
		for _, id := range owners {
			out = append(out, layer[id])
		}
	}
	return out
}

// EffectivePolicy merges global, user and device layers and attaches the
// unexpired override matching domain, if any. A device override beats a
// user override. deviceID must belong to userID when both are given.
func (s *Store) EffectivePolicy(userID, deviceID, domain string, now time.Time) (*Effective, error) {
	snap := s.snap.Load()
	return s.effective(snap, userID, deviceID, domain, now)
}

func (s *Store) effective(snap *snapshot, userID, deviceID, domain string, now time.Time) (*Effective, error) {
	if deviceID != "" {
		if dev, ok := s.dir.Device(deviceID); ok {
			switch {
			case userID == "":
				userID = dev.UserID
			case dev.UserID != userID:
				return nil, &PolicyConflictError{
					UserID: userID, DeviceID: deviceID, Domain: domain,
					Reason: fmt.Sprintf("device belongs to user %q", dev.UserID),
				}
			}
		}
	}

	eff := &Effective{
		UserID:     userID,
		DeviceID:   deviceID,
		Categories: make(map[string]bool, len(snap.categories)),
		SafeSearch: make(map[string]bool, len(snap.providers)),
		Version:    snap.version,
	}

	layers := make([]*Policy, 0, 3)
	layers = append(layers, snap.global)
	if p := snap.users[userID]; userID != "" && p != nil {
		layers = append(layers, p)
	}
	if p := snap.devices[deviceID]; deviceID != "" && p != nil {
		layers = append(layers, p)
	}
	for _, c := range snap.categories {
		eff.Categories[c] = resolveToggle(layers, c, func(p *Policy) map[string]*bool { return p.Categories })
	}
	for _, pr := range snap.providers {
		eff.SafeSearch[pr] = resolveToggle(layers, pr, func(p *Policy) map[string]*bool { return p.SafeSearch })
	}

	if domain != "" {
		o, err := snap.matchOverride(userID, deviceID, NormalizeDomain(domain), now)
		if err != nil {
			return nil, err
		}
		eff.Override = o
	}
	return eff, nil
}

// resolveToggle walks layers broad to narrow; the last set value wins.
func resolveToggle(layers []*Policy, key string, field func(*Policy) map[string]*bool) bool {
	v := false
	for _, l := range layers {
		if l == nil {
			continue
		}
		if b := field(l)[key]; b != nil {
			v = *b
		}
	}
	return v
}

func (s *snapshot) matchOverride(userID, deviceID, domain string, now time.Time) (*Override, error) {
	var deviceHit, userHit *Override
	for _, o := range s.byDomain[domain] {
		if o.Expired(now) {
			continue
		}
		var slot **Override
		switch {
		case o.Scope == ScopeDevice && deviceID != "" && o.TargetID == deviceID:
			slot = &deviceHit
		case o.Scope == ScopeUser && userID != "" && o.TargetID == userID:
			slot = &userHit
		default:
			continue
		}
		if *slot != nil && (*slot).Action != o.Action {
			return nil, &PolicyConflictError{
				UserID: userID, DeviceID: deviceID, Domain: domain,
				Reason: fmt.Sprintf("overrides %s and %s disagree", (*slot).ID, o.ID),
			}
		}
		// Agreeing duplicates resolve to the newest.
		if *slot == nil || o.CreatedAt.After((*slot).CreatedAt) {
			*slot = o
		}
	}
	if deviceHit != nil {
		return deviceHit, nil
	}
	return userHit, nil
}

// UpdateResult is returned by UpdatePolicy.
type UpdateResult struct {
	Policy        *Policy      `json:"policy"`
	Affected      []*Effective `json:"affected"`
	AffectedCount int          `json:"affected_count"`
}

// UpdatePolicy applies a JSON patch to the policy of one owner. ownerID is
// ignored for the global scope. Accepted keys are block_<category>,
// enable_safe_search, safe_search_<provider>, categories{}, safe_search{}
// and description. Toggles must be booleans; null unsets a toggle on a
// user or device policy.
func (s *Store) UpdatePolicy(ctx context.Context, scope Scope, ownerID string, patch []byte, actor string) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	var base *Policy
	switch scope {
	case ScopeGlobal:
		if ownerID != "" && ownerID != GlobalOwner {
			return nil, &NotFoundError{Kind: "global policy", ID: ownerID}
		}
		ownerID = GlobalOwner
		base = snap.global
	case ScopeUser:
		if _, ok := s.dir.User(ownerID); !ok {
			return nil, &NotFoundError{Kind: "user", ID: ownerID}
		}
		base = snap.users[ownerID]
	case ScopeDevice:
		if _, ok := s.dir.Device(ownerID); !ok {
			return nil, &NotFoundError{Kind: "device", ID: ownerID}
		}
		base = snap.devices[ownerID]
	default:
		return nil, &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
	}

	var next *Policy
	if base != nil {
		next = base.clone()
	} else {
		next = &Policy{
			Scope:      scope,
			OwnerID:    ownerID,
			Categories: map[string]*bool{},
			SafeSearch: map[string]*bool{},
		}
	}
	if err := applyPatch(next, patch, snap.categories, snap.providers, scope == ScopeGlobal); err != nil {
		return nil, err
	}
	next.Version = snap.version + 1
	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = actor

	if err := s.persist.SavePolicy(ctx, next); err != nil {
		return nil, fmt.Errorf("persist policy: %w", err)
	}

	published := snap.clone()
	published.version = next.Version
	published.put(next)
	s.snap.Store(published)

	affected := s.affected(published, scope, ownerID)
	s.logger.Info("Policy updated",
		"component", "policy",
		"scope", scope,
		"owner", ownerID,
		"version", next.Version,
		"actor", actor,
		"affected", len(affected))

	return &UpdateResult{Policy: next, Affected: affected, AffectedCount: len(affected)}, nil
}

// affected computes the effective policies of every owner the change
// reaches.
func (s *Store) affected(snap *snapshot, scope Scope, ownerID string) []*Effective {
	now := s.now()
	var out []*Effective
	add := func(userID, deviceID string) {
		if eff, err := s.effective(snap, userID, deviceID, "", now); err == nil {
			out = append(out, eff)
		}
	}
	addUser := func(userID string) {
		add(userID, "")
		for _, dev := range s.dir.DevicesOf(userID) {
			add(userID, dev.ID)
		}
	}

	switch scope {
	case ScopeGlobal:
		for _, u := range s.dir.Users() {
			addUser(u.ID)
		}
	case ScopeUser:
		addUser(ownerID)
	case ScopeDevice:
		if dev, ok := s.dir.Device(ownerID); ok {
			add(dev.UserID, dev.ID)
		}
	}
	return out
}

func applyPatch(p *Policy, raw []byte, categories, providers []string, global bool) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return &ValidationError{Reason: "patch must be a JSON object"}
	}
	if len(fields) == 0 {
		return &ValidationError{Reason: "patch is empty"}
	}

	catSet := toSet(categories)
	provSet := toSet(providers)

	setToggle := func(field string, target map[string]*bool, key string, val json.RawMessage) error {
		if string(bytes.TrimSpace(val)) == "null" {
			if global {
				return &ValidationError{Field: field, Reason: "global toggles cannot be unset"}
			}
			delete(target, key)
			return nil
		}
		var b bool
		if err := json.Unmarshal(val, &b); err != nil {
			return &ValidationError{Field: field, Reason: "must be a boolean"}
		}
		target[key] = &b
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := fields[key]
		switch {
		case key == "description":
			var d string
			if err := json.Unmarshal(val, &d); err != nil {
				return &ValidationError{Field: key, Reason: "must be a string"}
			}
			p.Description = d

		case key == "enable_safe_search":
			for _, pr := range providers {
				if err := setToggle(key, p.SafeSearch, pr, val); err != nil {
					return err
				}
			}

		case key == "categories" || key == "safe_search":
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(val, &nested); err != nil {
				return &ValidationError{Field: key, Reason: "must be an object"}
			}
			known, target := catSet, p.Categories
			if key == "safe_search" {
				known, target = provSet, p.SafeSearch
			}
			for k, v := range nested {
				name := strings.ToLower(k)
				if !known[name] {
					return &ValidationError{Field: key + "." + k, Reason: "unknown key"}
				}
				if err := setToggle(key+"."+k, target, name, v); err != nil {
					return err
				}
			}

		case strings.HasPrefix(key, "block_"):
			name := strings.ToLower(strings.TrimPrefix(key, "block_"))
			if !catSet[name] {
				return &ValidationError{Field: key, Reason: "unknown category"}
			}
			if err := setToggle(key, p.Categories, name, val); err != nil {
				return err
			}

		case strings.HasPrefix(key, "safe_search_"):
			name := strings.ToLower(strings.TrimPrefix(key, "safe_search_"))
			if !provSet[name] {
				return &ValidationError{Field: key, Reason: "unknown safe search provider"}
			}
			if err := setToggle(key, p.SafeSearch, name, val); err != nil {
				return err
			}

		default:
			return &ValidationError{Field: key, Reason: "unknown field"}
		}
	}
	return nil
}

func toSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// OverrideInput is the payload accepted by CreateOverride.
type OverrideInput struct {
	UserID    string     `json:"user_id"`
	Domain    string     `json:"domain"`
	Action    string     `json:"action"`
	Scope     string     `json:"scope"`
	TargetID  string     `json:"scope_target_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateOverride validates and stores a new override. A second active
// override for the same scope, target and domain is rejected.
func (s *Store) CreateOverride(ctx context.Context, in OverrideInput, actor string) (*Override, error) {
	domain, err := ValidateDomain(in.Domain)
	if err != nil {
		return nil, err
	}
	action, ok := event.ParseAction(in.Action)
	if !ok || (action != event.ActionAllow && action != event.ActionBlock) {
		return nil, &ValidationError{Field: "action", Reason: "must be allow or block"}
	}
	scope, ok := ParseScope(in.Scope)
	if !ok || scope == ScopeGlobal {
		return nil, &ValidationError{Field: "scope", Reason: "must be user or device"}
	}

	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}

	o := &Override{
		Scope:     scope,
		Domain:    domain,
		Action:    action,
		CreatedAt: now.UTC(),
		CreatedBy: actor,
		ExpiresAt: in.ExpiresAt,
	}
	switch scope {
	case ScopeUser:
		target := in.TargetID
		if target == "" {
			target = in.UserID
		}
		if target == "" {
			return nil, &ValidationError{Field: "user_id", Reason: "required"}
		}
		if in.UserID != "" && in.UserID != target {
			return nil, &ValidationError{Field: "scope_target_id", Reason: "does not match user_id"}
		}
		if _, ok := s.dir.User(target); !ok {
			return nil, &NotFoundError{Kind: "user", ID: target}
		}
		o.UserID, o.TargetID = target, target
	case ScopeDevice:
		if in.TargetID == "" {
			return nil, &ValidationError{Field: "scope_target_id", Reason: "required for device scope"}
		}
		dev, ok := s.dir.Device(in.TargetID)
		if !ok {
			return nil, &NotFoundError{Kind: "device", ID: in.TargetID}
		}
		if in.UserID != "" && in.UserID != dev.UserID {
			return nil, &ValidationError{Field: "scope_target_id", Reason: "device does not belong to user"}
		}
		o.UserID, o.TargetID = dev.UserID, dev.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	for _, existing := range snap.byDomain[domain] {
		if existing.Scope == o.Scope && existing.TargetID == o.TargetID && !existing.Expired(now) {
			return nil, &ValidationError{Field: "domain", Reason: fmt.Sprintf("active override %s already exists", existing.ID)}
		}
	}

	o.ID = s.newID()
	if err := s.persist.SaveOverride(ctx, o); err != nil {
		return nil, fmt.Errorf("persist override: %w", err)
	}

	next := snap.clone()
	next.version++
	next.overrides[o.ID] = o
	next.reindex()
	s.snap.Store(next)

	s.logger.Info("Override created",
		"component", "policy",
		"id", o.ID,
		"scope", o.Scope,
		"target", o.TargetID,
		"domain", o.Domain,
		"action", o.Action,
		"actor", actor)
	return o, nil
}

// DeleteOverride removes an override by id.
func (s *Store) DeleteOverride(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	if _, ok := snap.overrides[id]; !ok {
		return &NotFoundError{Kind: "override", ID: id}
	}
	if err := s.persist.DeleteOverride(ctx, id); err != nil {
		return fmt.Errorf("delete override: %w", err)
	}

	next := snap.clone()
	next.version++
	delete(next.overrides, id)
	next.reindex()
	s.snap.Store(next)

	s.logger.Info("Override deleted", "component", "policy", "id", id)
	return nil
}

// Override returns an override by id.
func (s *Store) Override(id string) (*Override, bool) {
	o, ok := s.snap.Load().overrides[id]
	return o, ok
}

// ListOverrides returns overrides, newest first, optionally limited to one
// user. Expired overrides are included.
func (s *Store) ListOverrides(userID string) []*Override {
	snap := s.snap.Load()
	out := make([]*Override, 0, len(snap.overrides))
	for _, o := range snap.overrides {
		if userID == "" || o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ValidateDomain normalizes d and rejects anything that is not a plain
// domain name.
func ValidateDomain(d string) (string, error) {
	name := NormalizeDomain(d)
	if name == "" {
		return "", &ValidationError{Field: "domain", Reason: "required"}
	}
	if strings.ContainsAny(name, "*/ \t:@") {
		return "", &ValidationError{Field: "domain", Reason: "invalid characters"}
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return "", &ValidationError{Field: "domain", Reason: "must be a domain name, not an address"}
	}
	if _, ok := dns.IsDomainName(name); !ok || !strings.Contains(name, ".") {
		return "", &ValidationError{Field: "domain", Reason: "not a valid domain name"}
	}
	return name, nil
}
