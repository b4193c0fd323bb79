package policy

import (
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"wequi-guard/pkg/blocklist"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/safesearch"
)

// Decision is the outcome of classifying one query.
type Decision struct {
	Action event.Action
	// Rcode is the response code for policy answers (NXDOMAIN for blocks).
	Rcode int
	// RewriteTarget is the restricted host for SafeSearch rewrites.
	RewriteTarget string
	Category      string
	Provider      string
	OverrideID    string
	Reason        string
}

// Classify decides what to do with qname under eff. It is a pure function
// of its arguments:
//  1. an unexpired override for the exact domain wins;
//  2. else the first enabled category (in list order) that lists the
//     domain or a parent blocks it with NXDOMAIN;
//  3. else a SafeSearch provider domain with enforcement on is rewritten;
//  4. else the query is allowed.
func Classify(qname string, eff *Effective, lists *blocklist.Snapshot, table *safesearch.Table) Decision {
	if o := eff.Override; o != nil {
		d := Decision{Action: o.Action, OverrideID: o.ID, Reason: "override:" + o.ID}
		if o.Action == event.ActionBlock {
			d.Rcode = dns.RcodeNameError
		}
		return d
	}

	if lists != nil {
		for _, cat := range lists.Categories() {
			if !eff.CategoryEnabled(cat.Name) {
				continue
			}
			if _, ok := lists.Match(cat.Name, qname); ok {
				return Decision{
					Action:   event.ActionBlock,
					Rcode:    dns.RcodeNameError,
					Category: cat.Name,
					Reason:   "category:" + cat.Name,
				}
			}
		}
	}

	if table != nil {
		if p, ok := table.Lookup(qname); ok && eff.SafeSearchEnabled(p.Name) {
			return Decision{
				Action:        event.ActionRewrite,
				RewriteTarget: p.Restricted,
				Provider:      p.Name,
				Reason:        "safesearch:" + p.Name,
			}
		}
	}

	return Decision{Action: event.ActionAllow}
}

// ListSource supplies the current category snapshot.
type ListSource interface {
	Snapshot() *blocklist.Snapshot
}

// Engine binds the store, category lists and SafeSearch table so the
// pipeline can classify with one call.
type Engine struct {
	store *Store
	lists ListSource
	table atomic.Pointer[safesearch.Table]
}

// NewEngine creates an engine.
func NewEngine(store *Store, lists ListSource, table *safesearch.Table) *Engine {
	e := &Engine{store: store, lists: lists}
	e.table.Store(table)
	return e
}

// SetSafeSearch swaps the provider table.
func (e *Engine) SetSafeSearch(t *safesearch.Table) {
	e.table.Store(t)
}

// Store returns the underlying policy store.
func (e *Engine) Store() *Store { return e.store }

// Evaluate resolves the effective policy for the query and classifies it.
// Errors come from policy resolution (PolicyConflictError); the caller
// decides whether to fail closed or open.
func (e *Engine) Evaluate(userID, deviceID, qname string, now time.Time) (Decision, *Effective, error) {
	eff, err := e.store.EffectivePolicy(userID, deviceID, qname, now)
	if err != nil {
		return Decision{}, nil, err
	}
	var lists *blocklist.Snapshot
	if e.lists != nil {
		lists = e.lists.Snapshot()
	}
	return Classify(qname, eff, lists, e.table.Load()), eff, nil
}
