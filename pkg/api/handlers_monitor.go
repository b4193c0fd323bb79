package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wequi-guard/pkg/event"
	"wequi-guard/pkg/monitor"
)

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 1000
	maxExportRows    = 10000
	streamHeartbeat  = 15 * time.Second
)

// OverviewResponse adds the certificate summary to the monitor overview.
type OverviewResponse struct {
	*monitor.Overview
	TLS *TLSSummary `json:"tls,omitempty"`
}

// TLSSummary is the short certificate view shown on the overview.
type TLSSummary struct {
	CommonName    string    `json:"common_name"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	Status        string    `json:"status"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}
	window, err := monitor.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := OverviewResponse{Overview: s.monitor.Overview(window, s.now())}
	if s.tls != nil {
		if rep, err := s.tls.Report(); err == nil {
			resp.TLS = &TLSSummary{
				CommonName:    rep.CommonName,
				NotAfter:      rep.NotAfter,
				DaysRemaining: rep.DaysRemaining,
				Status:        rep.Status,
			}
		}
	}
	s.writeData(w, http.StatusOK, resp)
}

func (s *Server) handleQueryFeed(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}
	f, err := parseFeedFilter(r.URL.Query(), s.now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = defaultFeedLimit
	}

	page := s.monitor.QueryFeed(f)
	s.writePage(w, page.Events, Pagination{Limit: page.Limit, Offset: page.Offset, Total: page.Total})
}

var exportColumns = []string{
	"timestamp", "id", "client_ip", "asn", "proto", "qname", "qtype",
	"user", "device", "action", "served_from", "upstream", "rcode",
	"latency_ms", "attempts", "reason",
}

func (s *Server) handleQueryFeedExport(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}
	f, err := parseFeedFilter(r.URL.Query(), s.now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 || f.Limit > maxExportRows {
		f.Limit = maxExportRows
	}
	page := s.monitor.QueryFeed(f)

	name := fmt.Sprintf("query-feed-%s.csv", s.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))

	cw := csv.NewWriter(w)
	_ = cw.Write(exportColumns)
	for _, e := range page.Events {
		_ = cw.Write([]string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ID,
			e.ClientIP,
			e.ASN,
			string(e.Protocol),
			e.QName,
			e.QType,
			e.UserName,
			e.DeviceName,
			string(e.Action),
			string(e.ServedFrom),
			e.Upstream,
			e.Rcode,
			strconv.FormatFloat(e.LatencyMs, 'f', 3, 64),
			strconv.Itoa(e.Attempts),
			e.Reason,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.WarnContext(r.Context(), "CSV export interrupted", "component", "api", "error", err)
	}
}

// handleQueryFeedStream pushes matching events as Server-Sent Events until
// the client goes away.
func (s *Server) handleQueryFeedStream(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}
	f, err := parseFeedFilter(r.URL.Query(), s.now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(r.Context(), "Streaming not supported", "component", "api", "error", err)
		return
	}

	events, cancel := s.monitor.Subscribe(256)
	defer cancel()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	fmt.Fprintf(w, "retry: 3000\n: schema_version=%d\n\n", SchemaVersion)
	_ = rc.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if !f.Matches(e) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: query\ndata: %s\n\n", e.ID, payload); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// parseFeedFilter reads the query-feed parameters. time_range is one of the
// monitor windows or "custom" with RFC 3339 start and end.
func parseFeedFilter(q url.Values, now time.Time) (monitor.FeedFilter, error) {
	var f monitor.FeedFilter

	switch tr := strings.ToLower(q.Get("time_range")); tr {
	case "custom":
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			return f, fmt.Errorf("invalid start: %w", err)
		}
		end := now
		if v := q.Get("end"); v != "" {
			if end, err = time.Parse(time.RFC3339, v); err != nil {
				return f, fmt.Errorf("invalid end: %w", err)
			}
		}
		if end.Before(start) {
			return f, fmt.Errorf("end is before start")
		}
		f.Start, f.End = start, end
	default:
		window, err := monitor.ParseWindow(tr)
		if err != nil {
			return f, fmt.Errorf("invalid time_range: %w", err)
		}
		f.Start, f.End = now.Add(-window), now
	}

	if v := q.Get("action"); v != "" && v != "all" {
		a, ok := event.ParseAction(v)
		if !ok {
			return f, fmt.Errorf("invalid action %q", v)
		}
		f.Action = a
	}
	if v := q.Get("proto"); v != "" && v != "all" {
		p, ok := event.ParseProtocol(v)
		if !ok {
			return f, fmt.Errorf("invalid proto %q", v)
		}
		f.Protocol = p
	}
	if v := q.Get("served_from"); v != "" && v != "all" {
		sf, ok := event.ParseServedFrom(v)
		if !ok {
			return f, fmt.Errorf("invalid served_from %q", v)
		}
		f.ServedFrom = sf
	}
	if v := q.Get("rcode"); v != "all" {
		f.Rcode = v
	}
	f.UserID = q.Get("user_id")
	f.DeviceID = q.Get("device_id")
	f.ClientIP = q.Get("client_ip")
	f.Search = q.Get("search")
	f.Suffix = q.Get("domain")

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return f, fmt.Errorf("invalid order %q", q.Get("order"))
	}

	var err error
	if f.Limit, err = intParam(q, "limit", 0); err != nil {
		return f, err
	}
	if f.Limit < 0 || f.Limit > maxFeedLimit {
		return f, fmt.Errorf("limit must be between 1 and %d", maxFeedLimit)
	}
	if f.Offset, err = intParam(q, "offset", 0); err != nil {
		return f, err
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("offset must not be negative")
	}
	return f, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
