package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wequi-guard/pkg/upstream"
)

const upstreamUDPSize = 4096

type upstreamResult struct {
	msg    *dns.Msg
	failed bool
}

// resolve queries the pool for name/qtype, retrying on a different healthy
// server up to the retry budget. A successful answer is cached. When every
// attempt fails the result is marked failed; a SERVFAIL seen on the way is
// negative-cached, timeouts are not. Only a canceled ctx returns an error.
func (p *Pipeline) resolve(ctx context.Context, q *query, name string, qtype uint16) (*upstreamResult, error) {
	out := upstreamQuery(q.req.Msg, name, qtype)
	exclude := make(map[*upstream.Server]bool, p.cfg.RetryBudget+1)

	var (
		lastErr  error
		servfail *dns.Msg
	)
	for attempt := 0; attempt <= p.cfg.RetryBudget; attempt++ {
		s, err := p.pool.Select(exclude)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		exclude[s] = true
		q.ev.Attempts++
		q.ev.Upstream = s.Address
		out.Id = dns.Id()

		actx, span := p.tracer.Start(ctx, "upstream.Exchange", trace.WithAttributes(
			attribute.String("upstream.server", s.Address),
			attribute.Int("upstream.attempt", attempt+1),
		))
		resp, rtt, err := p.pool.Exchange(actx, s, out, p.cfg.AttemptTimeout)
		span.End()
		q.ev.UpstreamMs += ms(rtt)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			resp = withoutOPT(resp)
			if p.cache != nil {
				p.cache.Insert(name, qtype, resp, 0)
			}
			return &upstreamResult{msg: resp}, nil
		}

		lastErr = err
		var sf *upstream.ServerFailureError
		if errors.As(err, &sf) && resp != nil {
			servfail = withoutOPT(resp)
		}
		p.logger.DebugContext(ctx, "Upstream attempt failed",
			"query_id", q.ev.ID,
			"component", "pipeline",
			"server", s.Address,
			"attempt", attempt+1,
			"error", err)
	}

	if servfail != nil && p.cache != nil {
		p.cache.Insert(name, qtype, servfail, 0)
	}
	failure := fmt.Errorf("%w: %v", ErrResolutionFailure, lastErr)
	q.ev.Reason = joinReason(q.ev.Reason, "upstream_exhausted: "+lastErr.Error())
	p.logger.WarnContext(ctx, "Upstream attempts exhausted",
		"query_id", q.ev.ID,
		"component", "pipeline",
		"timestamp", q.start,
		"domain", name,
		"attempts", q.ev.Attempts,
		"error", failure)
	return &upstreamResult{failed: true}, nil
}

func upstreamQuery(req *dns.Msg, name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	m.CheckingDisabled = req.CheckingDisabled
	if opt := req.IsEdns0(); opt != nil {
		m.SetEdns0(upstreamUDPSize, opt.Do())
	}
	return m
}

func withoutOPT(msg *dns.Msg) *dns.Msg {
	if msg.IsEdns0() == nil {
		return msg
	}
	c := msg.Copy()
	extra := c.Extra[:0]
	for _, rr := range c.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			extra = append(extra, rr)
		}
	}
	c.Extra = extra
	return c
}

func joinReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
