// Package safesearch maps search and video providers to the restricted
// hostnames that enforce their safe modes.
package safesearch

import (
	"sort"
	"strings"

	"wequi-guard/pkg/config"
)

// Provider is one search or video service.
type Provider struct {
	Name       string
	Restricted string
	Domains    []string
}

// Table resolves query names to providers. Immutable after construction.
type Table struct {
	providers map[string]*Provider
	byDomain  map[string]*Provider
	order     []string
}

// New builds a table from configuration. Provider names are lowercased.
func New(providers []config.SafeSearchProvider) *Table {
	t := &Table{
		providers: make(map[string]*Provider, len(providers)),
		byDomain:  make(map[string]*Provider),
	}
	for _, pc := range providers {
		p := &Provider{
			Name:       strings.ToLower(pc.Name),
			Restricted: normalize(pc.Restricted),
		}
		for _, d := range pc.Domains {
			d = normalize(d)
			if d == "" {
				continue
			}
			p.Domains = append(p.Domains, d)
			t.byDomain[d] = p
		}
		t.providers[p.Name] = p
		t.order = append(t.order, p.Name)
	}
	return t
}

// Default returns the built-in provider table.
func Default() *Table {
	return New(config.DefaultSafeSearchProviders())
}

// Lookup returns the provider whose domain list contains qname exactly.
// The restricted host itself never matches, so rewritten answers are not
// rewritten again.
func (t *Table) Lookup(qname string) (*Provider, bool) {
	p, ok := t.byDomain[normalize(qname)]
	return p, ok
}

// Provider returns the named provider.
func (t *Table) Provider(name string) (*Provider, bool) {
	p, ok := t.providers[strings.ToLower(name)]
	return p, ok
}

// Names lists provider names in configuration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// SortedNames lists provider names alphabetically.
func (t *Table) SortedNames() []string {
	out := t.Names()
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
