// Package pipeline turns one DNS question into an answer: it attributes the
// query, classifies it against policy, answers from cache or the upstream
// pool, and emits exactly one QueryEvent per answered query.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"wequi-guard/pkg/cache"
	"wequi-guard/pkg/config"
	"wequi-guard/pkg/directory"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/policy"
	"wequi-guard/pkg/telemetry"
	"wequi-guard/pkg/upstream"
)

// ErrResolutionFailure means every upstream attempt failed. The client gets
// SERVFAIL.
var ErrResolutionFailure = errors.New("resolution failure")

// Classifier decides allow, block or rewrite for one query.
type Classifier interface {
	Evaluate(userID, deviceID, qname string, now time.Time) (policy.Decision, *policy.Effective, error)
}

// Attributor maps a client address and DoT server name to a device.
type Attributor interface {
	Resolve(addr netip.Addr, serverName string) directory.Client
}

// Request is one query as received by a listener.
type Request struct {
	Msg        *dns.Msg
	ClientIP   netip.Addr
	ServerName string
	Protocol   event.Protocol
}

// Pipeline is safe for concurrent use. Queries never share locks beyond the
// cache shard and ring append critical sections.
type Pipeline struct {
	cfg        config.PipelineConfig
	classifier Classifier
	attributor Attributor
	cache      *cache.ShardedCache
	pool       *upstream.Pool
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	sinkMu sync.RWMutex
	sinks  []event.Sink
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator replaces the event id generator.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// WithTracer sets the tracer used for per-query spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithSinks registers event sinks.
func WithSinks(sinks ...event.Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

// New creates a pipeline. c may be nil to disable caching; attributor may
// be nil when no directory is configured.
func New(cfg config.PipelineConfig, classifier Classifier, attributor Attributor, c *cache.ShardedCache, pool *upstream.Pool, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*Pipeline, error) {
	if classifier == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	if pool == nil {
		return nil, errors.New("pipeline: upstream pool is required")
	}
	switch cfg.FailureMode {
	case "", config.FailureModeClosed:
		cfg.FailureMode = config.FailureModeClosed
	case config.FailureModeOpen:
		if strings.TrimSpace(cfg.FailureModeApprovedBy) == "" {
			return nil, errors.New("pipeline: failure mode open requires an approver")
		}
	default:
		return nil, fmt.Errorf("pipeline: unknown failure mode %q", cfg.FailureMode)
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 400 * time.Millisecond
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}

	p := &Pipeline{
		cfg:        cfg,
		classifier: classifier,
		attributor: attributor,
		cache:      c,
		pool:       pool,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracenoop.NewTracerProvider().Tracer("pipeline"),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.FailureMode == config.FailureModeOpen {
		logger.Warn("Policy errors fail open",
			"component", "pipeline",
			"approved_by", cfg.FailureModeApprovedBy)
	}
	return p, nil
}

// AddSink registers an additional event sink.
func (p *Pipeline) AddSink(s event.Sink) {
	p.sinkMu.Lock()
	p.sinks = append(p.sinks, s)
	p.sinkMu.Unlock()
}

// MaxLatency bounds the time spent on upstream attempts for one query.
func (p *Pipeline) MaxLatency() time.Duration {
	return time.Duration(p.cfg.RetryBudget+1) * p.cfg.AttemptTimeout
}

// query carries per-query state through the state machine.
type query struct {
	req    Request
	ev     *event.QueryEvent
	qname  string
	qtype  uint16
	start  time.Time
	client directory.Client
}

// Handle answers req. The returned error is non-nil only when ctx was
// canceled before an answer existed; nothing is emitted in that case.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*dns.Msg, error) {
	if req.Msg == nil || len(req.Msg.Question) == 0 {
		resp := new(dns.Msg)
		if req.Msg != nil {
			resp.SetRcode(req.Msg, dns.RcodeFormatError)
		} else {
			resp.Rcode = dns.RcodeFormatError
		}
		return resp, nil
	}

	q := p.received(req)
	ctx, span := p.tracer.Start(ctx, "pipeline.Handle",
		trace.WithAttributes(
			attribute.String("dns.qname", q.ev.QName),
			attribute.String("dns.qtype", q.ev.QType),
			attribute.String("dns.proto", string(req.Protocol)),
			attribute.String("query.id", q.ev.ID),
		))
	defer span.End()

	decision := p.classify(ctx, q)

	var (
		resp *dns.Msg
		err  error
	)
	switch decision.Action {
	case event.ActionBlock:
		resp = p.blocked(q, decision)
	case event.ActionRewrite:
		resp, err = p.rewritten(ctx, q, decision)
	default:
		resp, err = p.allowed(ctx, q)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.logged(ctx, q, resp)
	span.SetAttributes(
		attribute.String("query.action", string(q.ev.Action)),
		attribute.String("query.served_from", string(q.ev.ServedFrom)),
		attribute.String("dns.rcode", q.ev.Rcode),
	)
	return resp, nil
}

// received builds the event skeleton and attributes the query.
func (p *Pipeline) received(req Request) *query {
	question := req.Msg.Question[0]
	q := &query{
		req:   req,
		qname: strings.ToLower(dns.Fqdn(question.Name)),
		qtype: question.Qtype,
		start: p.now(),
	}
	if p.attributor != nil {
		q.client = p.attributor.Resolve(req.ClientIP, req.ServerName)
	}

	q.ev = &event.QueryEvent{
		ID:        p.newID(),
		Timestamp: q.start,
		Protocol:  req.Protocol,
		QName:     policy.NormalizeDomain(question.Name),
		QType:     typeLabel(question.Qtype),
		ASN:       q.client.ASN,
	}
	if req.ClientIP.IsValid() {
		q.ev.ClientIP = req.ClientIP.Unmap().String()
	}
	if q.client.User != nil {
		q.ev.UserID = q.client.User.ID
		q.ev.UserName = q.client.User.Name
	}
	if q.client.Device != nil {
		q.ev.DeviceID = q.client.Device.ID
		q.ev.DeviceName = q.client.Device.Name
	}
	return q
}

// classify evaluates policy. Policy errors resolve to block unless the
// deployment explicitly configured fail-open.
func (p *Pipeline) classify(ctx context.Context, q *query) policy.Decision {
	t0 := p.now()
	d, _, err := p.classifier.Evaluate(q.ev.UserID, q.ev.DeviceID, q.ev.QName, q.start)
	q.ev.PolicyMs = ms(p.now().Sub(t0))
	if err == nil {
		q.ev.Reason = d.Reason
		return d
	}

	if p.cfg.FailureMode == config.FailureModeOpen {
		q.ev.Reason = "fail_open(approved_by=" + p.cfg.FailureModeApprovedBy + "): " + err.Error()
		p.logger.WarnContext(ctx, "Policy evaluation failed, allowing",
			"query_id", q.ev.ID,
			"component", "pipeline",
			"timestamp", q.start,
			"domain", q.ev.QName,
			"error", err)
		return policy.Decision{Action: event.ActionAllow, Reason: q.ev.Reason}
	}

	q.ev.Reason = "fail_closed: " + err.Error()
	p.logger.ErrorContext(ctx, "Policy evaluation failed, blocking",
		"query_id", q.ev.ID,
		"component", "pipeline",
		"timestamp", q.start,
		"domain", q.ev.QName,
		"error", err)
	return policy.Decision{Action: event.ActionBlock, Rcode: dns.RcodeNameError, Reason: q.ev.Reason}
}

func (p *Pipeline) blocked(q *query, d policy.Decision) *dns.Msg {
	rcode := d.Rcode
	if rcode == 0 {
		rcode = dns.RcodeNameError
	}
	resp := reply(q.req.Msg)
	resp.Rcode = rcode
	q.ev.Action = event.ActionBlock
	q.ev.ServedFrom = event.ServedFromPolicy
	return resp
}

func (p *Pipeline) allowed(ctx context.Context, q *query) (*dns.Msg, error) {
	if entry, ok := p.lookup(ctx, q.qname, q.qtype); ok {
		resp := reply(q.req.Msg)
		copyAnswer(resp, entry.Msg)
		q.ev.ServedFrom = event.ServedFromCache
		q.ev.Action = event.ActionAllow
		if entry.Msg.Rcode == dns.RcodeServerFailure {
			q.ev.Action = event.ActionError
		}
		return resp, nil
	}

	up, err := p.resolve(ctx, q, q.qname, q.qtype)
	if err != nil {
		return nil, err
	}
	resp := reply(q.req.Msg)
	if up.failed {
		resp.Rcode = dns.RcodeServerFailure
		q.ev.Action = event.ActionError
		q.ev.ServedFrom = event.ServedFromUpstream
		return resp, nil
	}
	copyAnswer(resp, up.msg)
	q.ev.Action = event.ActionAllow
	q.ev.ServedFrom = event.ServedFromUpstream
	return resp, nil
}

// rewritten answers with a CNAME to the restricted host followed by that
// host's records. The records are cached under the restricted host's key.
func (p *Pipeline) rewritten(ctx context.Context, q *query, d policy.Decision) (*dns.Msg, error) {
	target := strings.ToLower(dns.Fqdn(d.RewriteTarget))
	q.ev.Action = event.ActionRewrite

	var (
		answer     *dns.Msg
		servedFrom event.ServedFrom
	)
	if entry, ok := p.lookup(ctx, target, q.qtype); ok {
		answer, servedFrom = entry.Msg, event.ServedFromCache
	} else {
		up, err := p.resolve(ctx, q, target, q.qtype)
		if err != nil {
			return nil, err
		}
		if up.failed {
			resp := reply(q.req.Msg)
			resp.Rcode = dns.RcodeServerFailure
			q.ev.Action = event.ActionError
			q.ev.ServedFrom = event.ServedFromUpstream
			return resp, nil
		}
		answer, servedFrom = up.msg, event.ServedFromPolicy
	}
	if answer.Rcode == dns.RcodeServerFailure {
		resp := reply(q.req.Msg)
		resp.Rcode = dns.RcodeServerFailure
		q.ev.Action = event.ActionError
		q.ev.ServedFrom = servedFrom
		return resp, nil
	}

	resp := reply(q.req.Msg)
	resp.Answer = append(resp.Answer, &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   q.req.Msg.Question[0].Name,
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    rewriteTTL(answer),
		},
		Target: target,
	})
	resp.Answer = append(resp.Answer, answer.Answer...)
	resp.Ns = append(resp.Ns, answer.Ns...)
	resp.Rcode = answer.Rcode
	q.ev.ServedFrom = servedFrom
	return resp, nil
}

func (p *Pipeline) lookup(ctx context.Context, name string, qtype uint16) (*cache.Entry, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Lookup(ctx, name, qtype)
}

// logged finalizes the event, records metrics and hands the event to every
// sink. The event is not touched afterwards.
func (p *Pipeline) logged(ctx context.Context, q *query, resp *dns.Msg) {
	ev := q.ev
	ev.Rcode = rcodeLabel(resp.Rcode)
	ev.LatencyMs = ms(p.now().Sub(q.start))

	if err := ev.Validate(); err != nil {
		p.logger.ErrorContext(ctx, "Inconsistent query event",
			"query_id", ev.ID,
			"component", "pipeline",
			"timestamp", ev.Timestamp,
			"error", err)
	}

	attrs := metric.WithAttributes(
		attribute.String("action", string(ev.Action)),
		attribute.String("served_from", string(ev.ServedFrom)),
		attribute.String("proto", string(ev.Protocol)),
	)
	p.metrics.QueriesTotal.Add(ctx, 1, attrs)
	p.metrics.QueryDuration.Record(ctx, ev.LatencyMs, attrs)

	p.sinkMu.RLock()
	sinks := p.sinks
	p.sinkMu.RUnlock()
	for _, s := range sinks {
		s.RecordEvent(ev)
	}
}

func reply(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	return resp
}

// copyAnswer copies sections from src, leaving out any OPT record.
func copyAnswer(dst, src *dns.Msg) {
	dst.Rcode = src.Rcode
	dst.Answer = append(dst.Answer, src.Answer...)
	dst.Ns = append(dst.Ns, src.Ns...)
	for _, rr := range src.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		dst.Extra = append(dst.Extra, rr)
	}
	dst.AuthenticatedData = src.AuthenticatedData
}

const defaultRewriteTTL = 300

func rewriteTTL(answer *dns.Msg) uint32 {
	ttl := uint32(defaultRewriteTTL)
	for _, rr := range answer.Answer {
		if t := rr.Header().Ttl; t < ttl {
			ttl = t
		}
	}
	return ttl
}

func typeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func rcodeLabel(rcode int) string {
	if label := dns.RcodeToString[rcode]; label != "" {
		return label
	}
	return "RCODE" + strconv.Itoa(rcode)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
