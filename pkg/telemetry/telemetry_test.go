package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
)

func TestNew(t *testing.T) {
	logger := logging.NewDiscard()

	tests := []struct {
		cfg  *config.TelemetryConfig
		name string
	}{
		{name: "disabled", cfg: &config.TelemetryConfig{Enabled: false}},
		{name: "metrics only", cfg: &config.TelemetryConfig{Enabled: true, ServiceName: "t", ServiceVersion: "1"}},
		{name: "tracing", cfg: &config.TelemetryConfig{Enabled: true, ServiceName: "t", TracingEnabled: true}},
		{name: "prometheus without listener", cfg: &config.TelemetryConfig{Enabled: true, ServiceName: "t", PrometheusEnabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, logger)
			require.NoError(t, err)
			require.NotNil(t, tel)

			m, err := tel.InitMetrics()
			require.NoError(t, err)
			assert.NotNil(t, m.QueriesTotal)
			assert.NotNil(t, m.UpstreamLatency)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, tel.Shutdown(ctx))
		})
	}
}

func TestHandlerOnlyWithPrometheus(t *testing.T) {
	logger := logging.NewDiscard()

	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: true, ServiceName: "t"}, logger)
	require.NoError(t, err)
	assert.Nil(t, tel.Handler())

	tel, err = New(context.Background(), &config.TelemetryConfig{Enabled: true, ServiceName: "t", PrometheusEnabled: true}, logger)
	require.NoError(t, err)
	assert.NotNil(t, tel.Handler())
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddDroppedEvent(context.Background(), 3)
	m.RecordHealthFlip(context.Background(), "9.9.9.9:53", false)

	NoopMetrics().AddDroppedEvent(context.Background(), 1)
}
