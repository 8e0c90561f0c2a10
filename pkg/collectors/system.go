// Package collectors hosts the built-in telemetry producers: a gopsutil
// system-metrics sampler and an fsnotify log tailer. Both write rows into the
// time-series store and publish raw events for classification.
package collectors

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// DefaultMetricsInterval is the sampling period when none is configured.
const DefaultMetricsInterval = 15 * time.Second

// SystemCollector samples host metrics on a fixed interval. Every tick lands
// one batch in system_metrics and one raw metric event on the bus carrying
// the full reading map, the shape the classifier thresholds expect.
type SystemCollector struct {
	store    *timeseries.Store
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	hostname string
	diskPath string

	// Rate baseline from the previous tick.
	lastNet  *psnet.IOCountersStat
	lastTick time.Time

	mu     sync.Mutex
	latest map[string]float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSystemCollector creates a sampler writing to the given store and bus.
func NewSystemCollector(store *timeseries.Store, b *bus.Bus, logger *slog.Logger, interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &SystemCollector{
		store:    store,
		bus:      b,
		logger:   logger.With("component", "collectors"),
		interval: interval,
		hostname: hostname,
		diskPath: "/",
	}
}

// Start launches the sampling loop. The first tick runs immediately; it also
// primes the CPU and network baselines, so its cpu_percent and rates read
// zero.
func (c *SystemCollector) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)
	c.logger.Info("System metrics collector started", "interval", c.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *SystemCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("System metrics collector stopped")
}

// Latest returns the most recent reading map, for the status surface.
func (c *SystemCollector) Latest() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

func (c *SystemCollector) run(ctx context.Context) {
	defer close(c.done)

	c.CollectOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce samples every probe, stores the batch, and publishes the raw
// event. Probes that fail on this platform are skipped; their keys are simply
// absent from the reading.
func (c *SystemCollector) CollectOnce(ctx context.Context) map[string]float64 {
	now := time.Now().UTC()
	metrics := make(map[string]float64, 20)

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics["cpu_percent"] = percents[0]
	}
	cores := 0
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		cores = n
		metrics["cpu_count"] = float64(n)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		metrics["load_1m"] = avg.Load1
		metrics["load_5m"] = avg.Load5
		metrics["load_15m"] = avg.Load15
		if cores > 0 {
			metrics["load_per_cpu"] = avg.Load1 / float64(cores)
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory_percent"] = vm.UsedPercent
		metrics["memory_used_bytes"] = float64(vm.Used)
		metrics["memory_total_bytes"] = float64(vm.Total)
		metrics["memory_available_bytes"] = float64(vm.Available)
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		metrics["swap_percent"] = swap.UsedPercent
		metrics["swap_used_bytes"] = float64(swap.Used)
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		metrics["disk_percent"] = usage.UsedPercent
		metrics["disk_used_bytes"] = float64(usage.Used)
		metrics["disk_total_bytes"] = float64(usage.Total)
		metrics["disk_free_bytes"] = float64(usage.Free)
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		current := counters[0]
		if c.lastNet != nil {
			if dt := now.Sub(c.lastTick).Seconds(); dt > 0 {
				metrics["net_bytes_sent_per_sec"] = float64(current.BytesSent-c.lastNet.BytesSent) / dt
				metrics["net_bytes_recv_per_sec"] = float64(current.BytesRecv-c.lastNet.BytesRecv) / dt
			}
		}
		c.lastNet = &current
		c.lastTick = now
	}

	if len(metrics) == 0 {
		c.logger.Warn("No system metrics could be sampled on this platform")
		return metrics
	}

	rows := make(timeseries.MetricRows, 0, len(metrics))
	for name, value := range metrics {
		rows = append(rows, timeseries.MetricRow{TS: now, Name: name, Value: value})
	}
	if err := c.store.Append(ctx, rows); err != nil {
		c.logger.Error("Failed to store system metrics", "error", err)
	}

	data := make(map[string]any, len(metrics))
	for name, value := range metrics {
		data[name] = value
	}
	c.bus.Publish(bus.TopicTelemetryRaw, &models.Event{
		ID:        uuid.New().String(),
		Timestamp: now,
		Kind:      models.KindMetric,
		Source:    c.hostname,
		Data:      data,
	})

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()
	return metrics
}
