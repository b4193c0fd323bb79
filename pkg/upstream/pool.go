// Package upstream manages the resolvers allowed queries are forwarded to:
// weighted selection, health tracking, latency percentiles and probing.
package upstream

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

// Pool selects upstream servers and tracks their health.
type Pool struct {
	servers   []*Server
	cfg       config.UpstreamConfig
	exchanger Exchanger
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
	randIntN  func(n int) int
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRand overrides the random source used for weighted selection.
func WithRand(intN func(n int) int) Option {
	return func(p *Pool) { p.randIntN = intN }
}

// NewPool builds a pool from configuration.
func NewPool(cfg config.UpstreamConfig, ex Exchanger, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*Pool, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoUpstreams
	}
	p := &Pool{
		cfg:       cfg,
		exchanger: ex,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		randIntN:  rand.IntN,
	}
	for _, opt := range opts {
		opt(p)
	}
	addrs := make([]string, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		s := newServer(sc, cfg)
		p.servers = append(p.servers, s)
		addrs = append(addrs, s.Protocol+"://"+s.Address)
	}

	logger.Info("Upstream pool initialized",
		"upstreams", addrs,
		"failure_threshold", cfg.FailureThreshold,
		"window_size", cfg.WindowSize,
		"min_success_rate", cfg.MinSuccessRate,
		"probe_interval", cfg.ProbeInterval)
	return p, nil
}

// Servers returns the configured servers in config order.
func (p *Pool) Servers() []*Server {
	return p.servers
}

// Server looks up a server by address.
func (p *Pool) Server(address string) *Server {
	for _, s := range p.servers {
		if s.Address == address {
			return s
		}
	}
	return nil
}

// Select picks a healthy server not in exclude, weighted by the configured
// weight.
func (p *Pool) Select(exclude map[*Server]bool) (*Server, error) {
	total := 0
	candidates := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		if !s.Healthy() || exclude[s] {
			continue
		}
		candidates = append(candidates, s)
		total += s.Weight
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyUpstreams
	}

	r := p.randIntN(total)
	for _, s := range candidates {
		if r < s.Weight {
			return s, nil
		}
		r -= s.Weight
	}
	return candidates[len(candidates)-1], nil
}

// HealthyCount returns how many servers are currently selectable.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, s := range p.servers {
		if s.Healthy() {
			n++
		}
	}
	return n
}

// Exchange performs one attempt against s bounded by timeout and records
// the outcome. If the parent context is canceled nothing is recorded and
// the context error is returned. A SERVFAIL answer is recorded as a
// failure and returned together with a ServerFailureError.
func (p *Pool) Exchange(ctx context.Context, s *Server, msg *dns.Msg, timeout time.Duration) (*dns.Msg, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	resp, rtt, err := p.exchanger.Exchange(attemptCtx, msg, s)
	if rtt <= 0 {
		rtt = p.now().Sub(start)
	}

	if ctx.Err() != nil {
		return nil, rtt, ctx.Err()
	}

	attrs := metric.WithAttributes(attribute.String("server", s.Address))
	if p.metrics != nil {
		p.metrics.UpstreamAttempts.Add(ctx, 1, attrs)
	}

	switch {
	case err != nil && (errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isNetTimeout(err)):
		err = &UpstreamTimeoutError{Server: s.Address, Timeout: timeout, Err: err}
		p.RecordResult(ctx, s, false, rtt, err)
		return nil, rtt, err
	case err != nil:
		p.RecordResult(ctx, s, false, rtt, err)
		return nil, rtt, err
	case resp == nil:
		err = errors.New("empty response from " + s.Address)
		p.RecordResult(ctx, s, false, rtt, err)
		return nil, rtt, err
	case resp.Rcode == dns.RcodeServerFailure:
		err = &ServerFailureError{Server: s.Address}
		p.RecordResult(ctx, s, false, rtt, err)
		return resp, rtt, err
	}

	p.RecordResult(ctx, s, true, rtt, nil)
	if p.metrics != nil {
		p.metrics.UpstreamLatency.Record(ctx, durationMs(rtt), attrs)
	}
	return resp, rtt, nil
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RecordResult updates counters for s. Failures flip the server unhealthy
// after FailureThreshold consecutive failures or when the rolling success
// rate drops below MinSuccessRate; any success flips it back.
func (p *Pool) RecordResult(ctx context.Context, s *Server, success bool, latency time.Duration, cause error) {
	s.lastCheck.Store(p.now().UnixNano())
	s.pushResult(success)

	if success {
		s.successes.Add(1)
		s.minuteOK.Add(1)
		s.consecutive.Store(0)
		if latency > 0 {
			s.pushLatency(latency)
		}
		if s.healthy.CompareAndSwap(false, true) {
			s.clearWindow()
			s.pushResult(true)
			p.logger.Info("Upstream marked healthy",
				"component", "upstream",
				"upstream", s.Address)
			p.metrics.RecordHealthFlip(ctx, s.Address, true)
		}
		return
	}

	s.failures.Add(1)
	s.minuteFail.Add(1)
	if cause != nil {
		msg := cause.Error()
		s.lastErr.Store(&msg)
	}
	if p.metrics != nil {
		p.metrics.UpstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("server", s.Address)))
	}

	streak := s.consecutive.Add(1)
	reason := ""
	switch {
	case p.cfg.FailureThreshold > 0 && streak >= int64(p.cfg.FailureThreshold):
		reason = "consecutive_failures"
	case p.belowSuccessRate(s):
		reason = "success_rate"
	default:
		return
	}
	if s.healthy.CompareAndSwap(true, false) {
		p.logger.Warn("Upstream marked unhealthy",
			"component", "upstream",
			"upstream", s.Address,
			"reason", reason,
			"consecutive_failures", streak,
			"error", cause)
		p.metrics.RecordHealthFlip(ctx, s.Address, false)
	}
}

func (p *Pool) belowSuccessRate(s *Server) bool {
	ok, total := s.windowCounts()
	if total == 0 || total < p.cfg.MinSamples {
		return false
	}
	return float64(ok)/float64(total) < p.cfg.MinSuccessRate
}

// Probe sends the configured probe query to s and records the result.
func (p *Pool) Probe(ctx context.Context, s *Server) error {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(p.cfg.ProbeName), dns.TypeNS)
	timeout := p.cfg.ProbeInterval
	if timeout <= 0 || timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	_, _, err := p.Exchange(ctx, s, q, timeout)
	return err
}

// Start runs the probe loop for unhealthy servers and the per-minute
// history sampler until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.ProbeInterval > 0 {
		go p.probeLoop(ctx)
	}
	go p.sampleLoop(ctx)
}

func (p *Pool) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeUnhealthy(ctx)
		}
	}
}

// ProbeUnhealthy probes every unhealthy server once.
func (p *Pool) ProbeUnhealthy(ctx context.Context) {
	for _, s := range p.servers {
		if s.Healthy() {
			continue
		}
		if err := p.Probe(ctx, s); err != nil {
			p.logger.Debug("Upstream probe failed", "upstream", s.Address, "error", err)
		}
	}
}

func (p *Pool) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SampleHistory()
		}
	}
}

// SampleHistory appends one history point per server.
func (p *Pool) SampleHistory() {
	now := p.now()
	for _, s := range p.servers {
		s.sample(now)
	}
}

// Status returns the state of every server.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.Status())
	}
	return out
}
