package upstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

func testUpstreamConfig(addrs ...string) config.UpstreamConfig {
	cfg := config.UpstreamConfig{
		FailureThreshold: 3,
		WindowSize:       20,
		MinSamples:       10,
		MinSuccessRate:   0.5,
		LatencySamples:   128,
		ProbeName:        ".",
		HistorySize:      3,
	}
	for _, a := range addrs {
		cfg.Servers = append(cfg.Servers, config.UpstreamServer{Address: a, Protocol: "udp", Weight: 1})
	}
	return cfg
}

func okExchanger() ExchangerFunc {
	return func(_ context.Context, msg *dns.Msg, _ *Server) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.SetReply(msg)
		return resp, 5 * time.Millisecond, nil
	}
}

func newTestPool(t *testing.T, cfg config.UpstreamConfig, ex Exchanger, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(cfg, ex, logging.NewDiscard(), telemetry.NoopMetrics(), opts...)
	require.NoError(t, err)
	return p
}

func query(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

func TestNewPoolRequiresServers(t *testing.T) {
	_, err := NewPool(testUpstreamConfig(), okExchanger(), logging.NewDiscard(), nil)
	assert.ErrorIs(t, err, ErrNoUpstreams)
}

func TestAddressNormalization(t *testing.T) {
	cfg := testUpstreamConfig("1.1.1.1", "9.9.9.9:5353", "2606:4700::1111")
	cfg.Servers = append(cfg.Servers, config.UpstreamServer{Address: "1.0.0.1", Protocol: "dot", ServerName: "one.one.one.one"})
	p := newTestPool(t, cfg, okExchanger())

	assert.Equal(t, "1.1.1.1:53", p.Servers()[0].Address)
	assert.Equal(t, "9.9.9.9:5353", p.Servers()[1].Address)
	assert.Equal(t, "[2606:4700::1111]:53", p.Servers()[2].Address)
	assert.Equal(t, "1.0.0.1:853", p.Servers()[3].Address)
	assert.Equal(t, 1, p.Servers()[3].Weight, "weight defaults to 1")
}

func TestSelectIsWeighted(t *testing.T) {
	cfg := testUpstreamConfig("10.0.0.1", "10.0.0.2")
	cfg.Servers[0].Weight = 1
	cfg.Servers[1].Weight = 3

	var next int
	p := newTestPool(t, cfg, okExchanger(), WithRand(func(n int) int {
		require.Equal(t, 4, n)
		return next
	}))

	next = 0
	s, err := p.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:53", s.Address)

	for _, r := range []int{1, 2, 3} {
		next = r
		s, err = p.Select(nil)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:53", s.Address)
	}
}

func TestSelectHonorsExclusion(t *testing.T) {
	p := newTestPool(t, testUpstreamConfig("10.0.0.1", "10.0.0.2"), okExchanger())
	first := p.Servers()[0]

	s, err := p.Select(map[*Server]bool{first: true})
	require.NoError(t, err)
	assert.Equal(t, p.Servers()[1], s)

	_, err = p.Select(map[*Server]bool{first: true, s: true})
	assert.ErrorIs(t, err, ErrNoHealthyUpstreams)
}

func TestHealthFlipAfterThreeFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testUpstreamConfig("10.0.0.1", "10.0.0.2"), okExchanger())
	bad := p.Servers()[0]

	for i := 0; i < 2; i++ {
		p.RecordResult(ctx, bad, false, 0, errors.New("boom"))
	}
	assert.True(t, bad.Healthy(), "two failures keep the server healthy")

	p.RecordResult(ctx, bad, false, 0, errors.New("boom"))
	assert.False(t, bad.Healthy())
	assert.Equal(t, 1, p.HealthyCount())

	for i := 0; i < 50; i++ {
		s, err := p.Select(nil)
		require.NoError(t, err)
		assert.NotEqual(t, bad, s, "unhealthy server never selected")
	}

	p.RecordResult(ctx, bad, true, time.Millisecond, nil)
	assert.True(t, bad.Healthy())
	assert.Equal(t, int64(0), bad.ConsecutiveFailures())
	assert.Equal(t, "boom", bad.Status().LastError)
}

func TestHealthFlipOnSuccessRate(t *testing.T) {
	ctx := context.Background()
	cfg := testUpstreamConfig("10.0.0.1")
	p := newTestPool(t, cfg, okExchanger())
	s := p.Servers()[0]

	pattern := []bool{false, false, true, false, false, true, false, false, true}
	for _, ok := range pattern {
		p.RecordResult(ctx, s, ok, time.Millisecond, nil)
	}
	assert.True(t, s.Healthy(), "below min samples")

	p.RecordResult(ctx, s, false, 0, nil)
	assert.False(t, s.Healthy(), "3/10 success is below 50%")
	assert.InDelta(t, 0.3, s.Status().SuccessRate, 1e-9)
}

func TestConcurrentFailuresFlipOnce(t *testing.T) {
	ctx := context.Background()
	var flips int
	var mu sync.Mutex
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), okExchanger())
	s := p.Servers()[0]

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wasHealthy := s.Healthy()
			p.RecordResult(ctx, s, false, 0, nil)
			if wasHealthy && !s.Healthy() {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.False(t, s.Healthy())
	assert.Equal(t, uint64(16), s.Status().Failures)
	assert.GreaterOrEqual(t, flips, 1)
}

func TestExchangeTimeoutCountsAsFailure(t *testing.T) {
	blocking := ExchangerFunc(func(ctx context.Context, _ *dns.Msg, _ *Server) (*dns.Msg, time.Duration, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), blocking)
	s := p.Servers()[0]

	_, _, err := p.Exchange(context.Background(), s, query("example.com"), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var te *UpstreamTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "10.0.0.1:53", te.Server)
	assert.Equal(t, uint64(1), s.Status().Failures)
	assert.Equal(t, int64(1), s.ConsecutiveFailures())
}

func TestExchangeCanceledRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	blocking := ExchangerFunc(func(ctx context.Context, _ *dns.Msg, _ *Server) (*dns.Msg, time.Duration, error) {
		close(started)
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), blocking)
	s := p.Servers()[0]

	go func() {
		<-started
		cancel()
	}()
	_, _, err := p.Exchange(ctx, s, query("example.com"), time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	st := s.Status()
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Successes)
	assert.Nil(t, st.LastCheck)
}

func TestExchangeServfailIsFailure(t *testing.T) {
	servfail := ExchangerFunc(func(_ context.Context, msg *dns.Msg, _ *Server) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.SetRcode(msg, dns.RcodeServerFailure)
		return resp, time.Millisecond, nil
	})
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), servfail)
	s := p.Servers()[0]

	resp, _, err := p.Exchange(context.Background(), s, query("example.com"), time.Second)
	var sf *ServerFailureError
	require.ErrorAs(t, err, &sf)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, uint64(1), s.Status().Failures)
}

func TestLatencyPercentiles(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), okExchanger())
	s := p.Servers()[0]

	assert.Equal(t, []time.Duration{0}, s.Percentiles(0.95))

	for i := 100; i >= 1; i-- {
		p.RecordResult(ctx, s, true, time.Duration(i)*time.Millisecond, nil)
	}
	q := s.Percentiles(0.50, 0.95)
	assert.Equal(t, 50*time.Millisecond, q[0])
	assert.Equal(t, 95*time.Millisecond, q[1])

	st := s.Status()
	assert.InDelta(t, 95.0, st.P95Ms, 1e-9)
}

func TestLatencyRingKeepsRecentSamples(t *testing.T) {
	ctx := context.Background()
	cfg := testUpstreamConfig("10.0.0.1")
	cfg.LatencySamples = 4
	p := newTestPool(t, cfg, okExchanger())
	s := p.Servers()[0]

	for _, ms := range []int{500, 500, 500, 500, 1, 2, 3, 4} {
		p.RecordResult(ctx, s, true, time.Duration(ms)*time.Millisecond, nil)
	}
	assert.Equal(t, 4*time.Millisecond, s.Percentiles(1)[0])
}

func TestProbeRecoversUnhealthyServer(t *testing.T) {
	ctx := context.Background()
	var probed []string
	ex := ExchangerFunc(func(_ context.Context, msg *dns.Msg, s *Server) (*dns.Msg, time.Duration, error) {
		probed = append(probed, s.Address)
		assert.Equal(t, dns.TypeNS, msg.Question[0].Qtype)
		resp := new(dns.Msg)
		resp.SetReply(msg)
		return resp, time.Millisecond, nil
	})
	p := newTestPool(t, testUpstreamConfig("10.0.0.1", "10.0.0.2"), ex)
	bad := p.Servers()[1]
	for i := 0; i < 3; i++ {
		p.RecordResult(ctx, bad, false, 0, nil)
	}
	require.False(t, bad.Healthy())

	p.ProbeUnhealthy(ctx)
	assert.Equal(t, []string{"10.0.0.2:53"}, probed, "only unhealthy servers are probed")
	assert.True(t, bad.Healthy())
}

func TestHistorySampling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	p := newTestPool(t, testUpstreamConfig("10.0.0.1"), okExchanger(), WithClock(func() time.Time { return now }))
	s := p.Servers()[0]

	p.RecordResult(ctx, s, true, 10*time.Millisecond, nil)
	p.RecordResult(ctx, s, true, 10*time.Millisecond, nil)
	p.RecordResult(ctx, s, true, 10*time.Millisecond, nil)
	p.RecordResult(ctx, s, false, 0, nil)
	p.SampleHistory()

	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), h[0].Timestamp)
	assert.Equal(t, uint64(4), h[0].Queries)
	assert.InDelta(t, 75.0, h[0].SuccessPct, 1e-9)
	assert.InDelta(t, 10.0, h[0].P95Ms, 1e-9)

	for i := 0; i < 5; i++ {
		p.SampleHistory()
	}
	h = s.History()
	assert.Len(t, h, 3, "history capped")
	assert.Equal(t, uint64(0), h[2].Queries)
	assert.InDelta(t, 100.0, h[2].SuccessPct, 1e-9)
}

func TestDNSExchangerUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.53")
			m.Answer = append(m.Answer, rr)
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	cfg := testUpstreamConfig(pc.LocalAddr().String())
	p := newTestPool(t, cfg, NewDNSExchanger(time.Second))
	s := p.Servers()[0]

	resp, rtt, err := p.Exchange(context.Background(), s, query("example.com"), time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.53", resp.Answer[0].(*dns.A).A.String())
	assert.Positive(t, rtt)
	assert.Equal(t, uint64(1), s.Status().Successes)
}
