package monitor

import (
	"sort"
	"strings"
	"time"

	"wequi-guard/pkg/event"
)

// FeedFilter selects events for the live query feed. Zero values match
// everything.
type FeedFilter struct {
	Start      time.Time
	End        time.Time
	Action     event.Action
	Protocol   event.Protocol
	Rcode      string
	ServedFrom event.ServedFrom
	UserID     string
	DeviceID   string
	ClientIP   string
	// Search is a case-insensitive substring of the query name.
	Search string
	// Suffix matches the query name or any subdomain of it.
	Suffix    string
	Ascending bool
	// Limit <= 0 returns every match.
	Limit  int
	Offset int
}

// FeedPage is one page of feed results. Total counts every match
// regardless of Limit and Offset.
type FeedPage struct {
	Events []*event.QueryEvent
	Total  int
	Limit  int
	Offset int
}

func (f *FeedFilter) normalize() {
	f.Search = strings.ToLower(strings.TrimSpace(f.Search))
	f.Suffix = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(f.Suffix)), ".")
	f.Rcode = strings.ToUpper(strings.TrimSpace(f.Rcode))
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f *FeedFilter) match(e *event.QueryEvent) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Protocol != "" && e.Protocol != f.Protocol {
		return false
	}
	if f.Rcode != "" && e.Rcode != f.Rcode {
		return false
	}
	if f.ServedFrom != "" && e.ServedFrom != f.ServedFrom {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.ClientIP != "" && e.ClientIP != f.ClientIP {
		return false
	}
	name := strings.TrimSuffix(strings.ToLower(e.QName), ".")
	if f.Search != "" && !strings.Contains(name, f.Search) {
		return false
	}
	if f.Suffix != "" && name != f.Suffix && !strings.HasSuffix(name, "."+f.Suffix) {
		return false
	}
	return true
}

// Matches reports whether e passes every field filter. The time range,
// ordering and paging are not considered.
func (f FeedFilter) Matches(e *event.QueryEvent) bool {
	f.normalize()
	return f.match(e)
}

// QueryFeed returns matching events ordered by timestamp (then id) in the
// requested direction.
func (a *Aggregator) QueryFeed(f FeedFilter) FeedPage {
	f.normalize()
	candidates := a.events.between(f.Start, f.End)

	matched := candidates[:0]
	for _, e := range candidates {
		if f.match(e) {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		x, y := matched[i], matched[j]
		if !x.Timestamp.Equal(y.Timestamp) {
			if f.Ascending {
				return x.Timestamp.Before(y.Timestamp)
			}
			return x.Timestamp.After(y.Timestamp)
		}
		if f.Ascending {
			return x.ID < y.ID
		}
		return x.ID > y.ID
	})

	page := FeedPage{Total: len(matched), Limit: f.Limit, Offset: f.Offset}
	if f.Offset >= len(matched) {
		page.Events = []*event.QueryEvent{}
		return page
	}
	end := len(matched)
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	page.Events = matched[f.Offset:end]
	return page
}

// CountSince returns how many events matched f since the given time. It is
// used for per-override hit counts.
func (a *Aggregator) CountSince(since time.Time, f FeedFilter) int {
	f.Start = since
	f.Limit = 0
	return a.QueryFeed(f).Total
}

// OverrideHits counts events attributed to each override id since the
// given time.
func (a *Aggregator) OverrideHits(since time.Time) map[string]int {
	out := make(map[string]int)
	for _, e := range a.events.between(since, time.Time{}) {
		if id, ok := strings.CutPrefix(e.Reason, "override:"); ok {
			out[id]++
		}
	}
	return out
}
