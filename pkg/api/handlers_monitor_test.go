package api

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/event"
)

func seedFeed(f *fixture) {
	for i := 1; i <= 5; i++ {
		action := event.ActionAllow
		qname := fmt.Sprintf("host%d.example.com.", i)
		if i%2 == 0 {
			action = event.ActionBlock
			qname = fmt.Sprintf("ads%d.tracker.net.", i)
		}
		f.monitor.RecordEvent(queryEvent(fmt.Sprintf("q%d", i), baseTime.Add(-time.Duration(i)*time.Minute), action, qname))
	}
}

func TestQueryFeedPagination(t *testing.T) {
	f := newFixture(t)
	seedFeed(f)
	s := f.server(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/query-feed?time_range=10m&limit=2&offset=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []event.QueryEvent
	env := decodeEnvelope(t, rec, &events)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, Pagination{Limit: 2, Offset: 1, Total: 5}, *env.Pagination)
	require.Len(t, events, 2)
	assert.Equal(t, "q2", events[0].ID, "newest first by default")
	assert.Equal(t, "q3", events[1].ID)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/query-feed?time_range=10m&order=asc", "", nil)
	env = decodeEnvelope(t, rec, &events)
	assert.Equal(t, defaultFeedLimit, env.Pagination.Limit)
	require.Len(t, events, 5)
	assert.Equal(t, "q5", events[0].ID)
}

func TestQueryFeedFilters(t *testing.T) {
	f := newFixture(t)
	seedFeed(f)
	s := f.server(nil)

	tests := []struct {
		name  string
		query string
		ids   []string
	}{
		{"action", "action=block", []string{"q2", "q4"}},
		{"all is no filter", "action=all&proto=all", []string{"q1", "q2", "q3", "q4", "q5"}},
		{"domain suffix", "domain=tracker.net", []string{"q2", "q4"}},
		{"search", "search=HOST3", []string{"q3"}},
		{"rcode", "rcode=nxdomain", []string{"q2", "q4"}},
		{"served from", "served_from=upstream", []string{"q1", "q3", "q5"}},
		{"narrow window", "time_range=5m&action=allow", []string{"q1", "q3", "q5"}},
		{"custom range", "time_range=custom&start=" + url.QueryEscape(baseTime.Add(-150*time.Second).Format(time.RFC3339)) +
			"&end=" + url.QueryEscape(baseTime.Add(-90*time.Second).Format(time.RFC3339)), []string{"q2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/query-feed?"+tt.query, "", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var events []event.QueryEvent
			env := decodeEnvelope(t, rec, &events)
			ids := make([]string, 0, len(events))
			for _, e := range events {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, len(tt.ids), env.Pagination.Total)
		})
	}
}

func TestQueryFeedBadParams(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)

	for _, q := range []string{
		"limit=5000",
		"limit=-1",
		"offset=-3",
		"limit=ten",
		"action=maybe",
		"proto=doh",
		"served_from=disk",
		"order=sideways",
		"time_range=1y",
		"time_range=custom&start=yesterday",
		"time_range=custom&start=2026-03-01T12:00:00Z&end=2026-03-01T11:00:00Z",
	} {
		t.Run(q, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/query-feed?"+q, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			decodeError(t, rec)
		})
	}
}

func TestQueryFeedExport(t *testing.T) {
	f := newFixture(t)
	seedFeed(f)
	s := f.server(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/admin/monitor/query-feed/export?action=block", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "query-feed-20260301-120000.csv")
	assert.Equal(t, "2", rec.Header().Get("X-Total-Count"))

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportColumns, rows[0])
	assert.Equal(t, "q2", rows[1][1])
	assert.Equal(t, "block", rows[1][9])
	assert.Equal(t, "policy", rows[1][10])
	assert.Equal(t, "12.500", rows[1][13])
}

func TestQueryFeedStream(t *testing.T) {
	f := newFixture(t)
	s := f.server(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/admin/monitor/query-feed/stream?action=block", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.monitor.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.monitor.RecordEvent(queryEvent("allowed", baseTime, event.ActionAllow, "example.com."))
	f.monitor.RecordEvent(queryEvent("blocked", baseTime, event.ActionBlock, "ads.example."))

	reader := bufio.NewReader(resp.Body)
	var id, name, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, "blocked", id, "filtered events are skipped")
	assert.Equal(t, "query", name)
	var e event.QueryEvent
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "ads.example.", e.QName)

	cancel()
	assert.Eventually(t, func() bool { return f.monitor.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorUnavailable(t *testing.T) {
	f := newFixture(t)
	s := f.server(func(c *Config) { c.Monitor = nil })

	for _, path := range []string{
		"/api/v1/admin/monitor/overview",
		"/api/v1/admin/monitor/query-feed",
		"/api/v1/admin/monitor/query-feed/export",
		"/api/v1/admin/monitor/query-feed/stream",
	} {
		rec := do(t, s.Handler(), http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
