package api

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"wequi-guard/pkg/monitor"
)

const (
	hostWarnPercent     = 80.0
	hostCriticalPercent = 95.0
	hostSampleTTL       = 15 * time.Second
)

type systemMetrics struct {
	CPUPercent    float64
	MemUsed       uint64
	MemTotal      uint64
	MemPercent    float64
	HostMemPct    float64
	TemperatureC  float64
	temperatureOK bool
}

func collectSystemMetrics(ctx context.Context) systemMetrics {
	var metrics systemMetrics

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// Zero interval compares against the previous call.
		if cpuPercent, err := proc.PercentWithContext(ctx, 0); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				metrics.CPUPercent = cpuPercent / float64(n)
			} else {
				metrics.CPUPercent = cpuPercent
			}
		} else if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			metrics.CPUPercent = percents[0]
		}
		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			metrics.MemUsed = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemTotal = vm.Total
		metrics.HostMemPct = vm.UsedPercent
		if metrics.MemTotal > 0 && metrics.MemUsed > 0 {
			metrics.MemPercent = float64(metrics.MemUsed) / float64(metrics.MemTotal) * 100
		}
	}

	// Sensors are often missing in containers and VMs.
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		var sum, count float64
		for _, sensor := range temps {
			if sensor.Temperature == 0 {
				continue
			}
			sum += sensor.Temperature
			count++
			key := strings.ToLower(sensor.SensorKey)
			if strings.Contains(key, "package") || strings.Contains(key, "cpu") {
				metrics.TemperatureC = sensor.Temperature
				metrics.temperatureOK = true
				break
			}
		}
		if !metrics.temperatureOK && count > 0 {
			metrics.TemperatureC = sum / count
			metrics.temperatureOK = true
		}
	}

	return metrics
}

func (m systemMetrics) TemperatureAvailable() bool {
	return m.temperatureOK && m.TemperatureC != 0
}

// badge grades the sample by the worse of process CPU and host memory use.
func (m systemMetrics) badge() monitor.Badge {
	b := monitor.Badge{Name: "host", Status: monitor.StatusOK}
	worst := max(m.CPUPercent, m.HostMemPct)
	switch {
	case worst >= hostCriticalPercent:
		b.Status = monitor.StatusCritical
	case worst >= hostWarnPercent:
		b.Status = monitor.StatusWarning
	}
	b.Detail = fmt.Sprintf("cpu %.1f%%, rss %d MiB, host mem %.1f%%", m.CPUPercent, m.MemUsed>>20, m.HostMemPct)
	if m.TemperatureAvailable() {
		b.Detail += fmt.Sprintf(", %.0f°C", m.TemperatureC)
	}
	return b
}

// HostBadge reports process CPU and host memory pressure as an overview
// badge. Samples are cached so overview requests never block on gopsutil.
type HostBadge struct {
	collect func(context.Context) systemMetrics
	now     func() time.Time

	mu      sync.Mutex
	last    monitor.Badge
	sampled time.Time
}

// NewHostBadge creates a host badge source.
func NewHostBadge() *HostBadge {
	return &HostBadge{collect: collectSystemMetrics, now: time.Now}
}

// Badge implements monitor.BadgeSource.
func (h *HostBadge) Badge() monitor.Badge {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if h.sampled.IsZero() || now.Sub(h.sampled) >= hostSampleTTL {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		h.last = h.collect(ctx).badge()
		cancel()
		h.sampled = now
	}
	return h.last
}
