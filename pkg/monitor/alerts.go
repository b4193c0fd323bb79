package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

// alertWindow is the overview window rules are evaluated against.
const alertWindow = 10 * time.Minute

// AlertEnv is the variable set available to alert expressions.
type AlertEnv struct {
	Total               int     `expr:"total"`
	QPS                 float64 `expr:"qps"`
	BlockPct            float64 `expr:"block_pct"`
	ErrorPct            float64 `expr:"error_pct"`
	CacheHitPct         float64 `expr:"cache_hit_pct"`
	SuccessPct          float64 `expr:"success_pct"`
	P50Ms               float64 `expr:"p50_ms"`
	P95Ms               float64 `expr:"p95_ms"`
	P99Ms               float64 `expr:"p99_ms"`
	HandshakeTotal      int     `expr:"handshake_total"`
	HandshakeSuccessPct float64 `expr:"handshake_success_pct"`

	// Filled by FactsFuncs.
	HealthyUpstreams   int     `expr:"healthy_upstreams"`
	UnhealthyUpstreams int     `expr:"unhealthy_upstreams"`
	CertDaysRemaining  int     `expr:"cert_days_remaining"`
	CacheHitRatio10m   float64 `expr:"cache_hit_ratio_10m"`
	EvictionsPerMin    float64 `expr:"evictions_per_min"`
}

// FactsFunc contributes values that do not come from the event ring.
type FactsFunc func(env *AlertEnv)

// DefaultAlertRules are used when no rules are configured.
func DefaultAlertRules() []config.AlertRuleConfig {
	return []config.AlertRuleConfig{
		{Key: "upstream_unhealthy", Severity: "critical", Description: "One or more upstream resolvers are unhealthy", Expr: "unhealthy_upstreams > 0"},
		{Key: "error_rate_high", Severity: "warning", Description: "More than 5% of queries failed in the last 10 minutes", Expr: "total >= 20 && error_pct > 5"},
		{Key: "latency_p95_high", Severity: "warning", Description: "p95 latency above 250ms", Expr: "total >= 20 && p95_ms > 250"},
		{Key: "dot_handshake_failures", Severity: "warning", Description: "DoT handshake success below 90%", Expr: "handshake_total >= 10 && handshake_success_pct < 90"},
		{Key: "certificate_expiring", Severity: "critical", Description: "DoT certificate expires within 7 days", Expr: "cert_days_remaining >= 0 && cert_days_remaining <= 7"},
	}
}

// Alert is the state of one rule.
type Alert struct {
	Key           string     `json:"key"`
	Severity      string     `json:"severity"`
	Description   string     `json:"description"`
	Expr          string     `json:"expr"`
	Active        bool       `json:"active"`
	TriggeredAt   *time.Time `json:"triggered_at,omitempty"`
	LastEvaluated time.Time  `json:"last_evaluated"`
}

type alertRule struct {
	cfg         config.AlertRuleConfig
	program     *vm.Program
	active      bool
	triggeredAt time.Time
	evaluatedAt time.Time
}

// Alerter evaluates expression rules over the aggregator's overview.
type Alerter struct {
	agg     *Aggregator
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	rules []*alertRule
	facts []FactsFunc
}

// CompileRule checks that r compiles to a boolean expression.
func CompileRule(r config.AlertRuleConfig) (*vm.Program, error) {
	program, err := expr.Compile(r.Expr, expr.Env(AlertEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", r.Key, err)
	}
	return program, nil
}

// NewAlerter compiles the configured rules (or the defaults).
func NewAlerter(cfg config.MonitorConfig, agg *Aggregator, logger *logging.Logger, metrics *telemetry.Metrics, facts ...FactsFunc) (*Alerter, error) {
	a := &Alerter{agg: agg, logger: logger, metrics: metrics, facts: facts}
	if err := a.SetRules(cfg.Alerts); err != nil {
		return nil, err
	}
	return a, nil
}

// SetRules replaces the rule set. Rules whose key and expression are
// unchanged keep their trigger state.
func (a *Alerter) SetRules(cfgs []config.AlertRuleConfig) error {
	if len(cfgs) == 0 {
		cfgs = DefaultAlertRules()
	}
	rules := make([]*alertRule, 0, len(cfgs))
	for _, c := range cfgs {
		program, err := CompileRule(c)
		if err != nil {
			return err
		}
		rules = append(rules, &alertRule{cfg: c, program: program})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev := make(map[string]*alertRule, len(a.rules))
	for _, r := range a.rules {
		prev[r.cfg.Key] = r
	}
	for _, r := range rules {
		if old, ok := prev[r.cfg.Key]; ok && old.cfg.Expr == r.cfg.Expr {
			r.active, r.triggeredAt, r.evaluatedAt = old.active, old.triggeredAt, old.evaluatedAt
		}
	}
	a.rules = rules
	return nil
}

// AddFacts registers an extra value provider.
func (a *Alerter) AddFacts(f FactsFunc) {
	a.mu.Lock()
	a.facts = append(a.facts, f)
	a.mu.Unlock()
}

func (a *Alerter) env(now time.Time, facts []FactsFunc) AlertEnv {
	o := a.agg.Overview(alertWindow, now)
	env := AlertEnv{
		Total:               o.KPIs.Total,
		QPS:                 o.KPIs.QPS,
		BlockPct:            o.KPIs.BlockPct,
		ErrorPct:            o.KPIs.ErrorPct,
		CacheHitPct:         o.KPIs.CacheHitPct,
		SuccessPct:          o.KPIs.SuccessPct,
		P50Ms:               o.Latency.P50Ms,
		P95Ms:               o.Latency.P95Ms,
		P99Ms:               o.Latency.P99Ms,
		HandshakeTotal:      o.Handshake.Total,
		HandshakeSuccessPct: o.Handshake.SuccessPct,
		CertDaysRemaining:   -1,
	}
	for _, f := range facts {
		f(&env)
	}
	return env
}

// Evaluate runs every rule at now and returns the resulting states.
func (a *Alerter) Evaluate(ctx context.Context, now time.Time) []Alert {
	a.mu.Lock()
	facts := append([]FactsFunc(nil), a.facts...)
	a.mu.Unlock()

	env := a.env(now, facts)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.rules {
		out, err := expr.Run(r.program, env)
		r.evaluatedAt = now
		if err != nil {
			a.logger.Error("Alert evaluation failed",
				"component", "monitor",
				"alert", r.cfg.Key,
				"error", err,
				"timestamp", now)
			continue
		}
		firing, _ := out.(bool)
		switch {
		case firing && !r.active:
			r.active = true
			r.triggeredAt = now
			a.logger.Warn("Alert triggered",
				"alert", r.cfg.Key,
				"severity", r.cfg.Severity,
				"description", r.cfg.Description)
			if a.metrics != nil {
				a.metrics.AlertsTriggered.Add(ctx, 1, metric.WithAttributes(
					attribute.String("alert", r.cfg.Key),
					attribute.String("severity", r.cfg.Severity)))
			}
		case !firing && r.active:
			r.active = false
			r.triggeredAt = time.Time{}
			a.logger.Info("Alert resolved", "alert", r.cfg.Key)
		}
	}
	return a.snapshotLocked(false)
}

// Active returns firing alerts, most severe first.
func (a *Alerter) Active() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(true)
}

// All returns every rule's state.
func (a *Alerter) All() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(false)
}

var severityRank = map[string]int{"critical": 0, "warning": 1, "info": 2}

func (a *Alerter) snapshotLocked(activeOnly bool) []Alert {
	out := make([]Alert, 0, len(a.rules))
	for _, r := range a.rules {
		if activeOnly && !r.active {
			continue
		}
		al := Alert{
			Key:           r.cfg.Key,
			Severity:      r.cfg.Severity,
			Description:   r.cfg.Description,
			Expr:          r.cfg.Expr,
			Active:        r.active,
			LastEvaluated: r.evaluatedAt,
		}
		if r.active {
			t := r.triggeredAt
			al.TriggeredAt = &t
		}
		out = append(out, al)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return severityRank[out[i].Severity] < severityRank[out[j].Severity]
	})
	return out
}

// Start evaluates rules every interval until ctx is canceled.
func (a *Alerter) Start(ctx context.Context, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Evaluate(ctx, now())
			}
		}
	}()
}
