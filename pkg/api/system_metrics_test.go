package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wequi-guard/pkg/monitor"
)

func TestSystemMetricsBadge(t *testing.T) {
	tests := []struct {
		name   string
		m      systemMetrics
		status string
	}{
		{"idle", systemMetrics{CPUPercent: 3, HostMemPct: 40}, monitor.StatusOK},
		{"busy cpu", systemMetrics{CPUPercent: 85, HostMemPct: 40}, monitor.StatusWarning},
		{"memory pressure", systemMetrics{CPUPercent: 5, HostMemPct: 97}, monitor.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.m.badge()
			assert.Equal(t, "host", b.Name)
			assert.Equal(t, tt.status, b.Status)
			assert.Contains(t, b.Detail, "cpu")
		})
	}

	b := systemMetrics{TemperatureC: 61, temperatureOK: true}.badge()
	assert.Contains(t, b.Detail, "61°C")
}

func TestHostBadgeCachesSamples(t *testing.T) {
	clk := &clock{now: baseTime}
	calls := 0
	h := &HostBadge{
		collect: func(context.Context) systemMetrics {
			calls++
			return systemMetrics{CPUPercent: float64(calls * 50)}
		},
		now: clk.Now,
	}

	assert.Equal(t, monitor.StatusOK, h.Badge().Status)
	clk.Advance(5 * time.Second)
	assert.Equal(t, monitor.StatusOK, h.Badge().Status)
	assert.Equal(t, 1, calls)

	clk.Advance(hostSampleTTL)
	assert.Equal(t, monitor.StatusCritical, h.Badge().Status)
	assert.Equal(t, 2, calls)
}

func TestCollectSystemMetrics(t *testing.T) {
	m := collectSystemMetrics(context.Background())
	assert.GreaterOrEqual(t, m.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, m.MemPercent, 0.0)
}
