// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
)

const instrumentationName = "wequi-guard"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheCorruptions metric.Int64Counter
	CacheSize        metric.Int64UpDownCounter

	UpstreamAttempts    metric.Int64Counter
	UpstreamFailures    metric.Int64Counter
	UpstreamHealthFlips metric.Int64Counter
	UpstreamLatency     metric.Float64Histogram

	PolicyUpdates    metric.Int64Counter
	DoTHandshakes    metric.Int64Counter
	LoginThrottled   metric.Int64Counter
	ArchiveDropped   metric.Int64Counter
	BlocklistDomains metric.Int64UpDownCounter
	AlertsTriggered  metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		t.meterProvider = noop.NewMeterProvider()
		t.tracerProvider = tracenoop.NewTracerProvider()
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)
	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if t.cfg.PrometheusPort > 0 {
		t.startPrometheusServer()
		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	}
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "component", "telemetry", "error", err)
		}
	}()
}

// Handler returns the Prometheus scrape handler, or nil when Prometheus
// export is off.
func (t *Telemetry) Handler() http.Handler {
	if t.prometheusExporter == nil {
		return nil
	}
	return promhttp.Handler()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(instrumentationName)
	var m Metrics
	b := builder{meter: meter}

	m.QueriesTotal = b.counter("dns.queries.total", "DNS queries by action and protocol")
	m.QueryDuration = b.histogram("dns.query.duration", "End-to-end query latency in milliseconds")
	m.CacheHits = b.counter("dns.cache.hits", "Resolution cache hits")
	m.CacheMisses = b.counter("dns.cache.misses", "Resolution cache misses")
	m.CacheCorruptions = b.counter("dns.cache.corruptions", "Cache entries discarded as corrupt")
	m.CacheSize = b.upDown("dns.cache.size", "Entries held in the resolution cache")
	m.UpstreamAttempts = b.counter("upstream.attempts", "Upstream exchange attempts")
	m.UpstreamFailures = b.counter("upstream.failures", "Failed upstream attempts")
	m.UpstreamHealthFlips = b.counter("upstream.health.transitions", "Upstream health state changes")
	m.UpstreamLatency = b.histogram("upstream.latency", "Upstream exchange latency in milliseconds")
	m.PolicyUpdates = b.counter("policy.updates", "Committed policy and override changes")
	m.DoTHandshakes = b.counter("dot.handshakes", "DoT handshakes by outcome")
	m.LoginThrottled = b.counter("api.login.throttled", "Login attempts rejected by rate limiting")
	m.ArchiveDropped = b.counter("storage.events.dropped", "Events dropped because the archive buffer was full")
	m.BlocklistDomains = b.upDown("blocklist.domains", "Domains loaded across all categories")
	m.AlertsTriggered = b.counter("monitor.alerts.triggered", "Alert rule activations")

	if b.err != nil {
		return nil, b.err
	}
	return &m, nil
}

type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return c
}

func (b *builder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return h
}

// NoopMetrics returns metrics backed by the no-op provider.
func NoopMetrics() *Metrics {
	t := &Telemetry{meterProvider: noop.NewMeterProvider()}
	m, _ := t.InitMetrics()
	return m
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the application tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

// AddDroppedEvent implements storage.MetricsRecorder.
func (m *Metrics) AddDroppedEvent(ctx context.Context, count int64) {
	if m != nil && m.ArchiveDropped != nil {
		m.ArchiveDropped.Add(ctx, count)
	}
}

// RecordHealthFlip implements upstream.MetricsRecorder.
func (m *Metrics) RecordHealthFlip(ctx context.Context, server string, healthy bool) {
	if m == nil || m.UpstreamHealthFlips == nil {
		return
	}
	m.UpstreamHealthFlips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.Bool("healthy", healthy),
	))
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.logger.Info("Telemetry shut down")
	return nil
}
