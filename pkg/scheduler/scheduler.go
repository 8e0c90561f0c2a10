// Package scheduler runs the periodic maintenance jobs: a five-minute host
// health check that turns store aggregates into threshold findings, the
// retention purge, and a daily budget usage report. Findings become
// classified events directly, so routine health coverage costs no tokens.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/classifier"
	"github.com/precious112/Argus/pkg/config"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// Default job schedules, standard five-field cron format. The purge schedule
// derives from the retention config's purge interval instead.
const (
	DefaultHealthSpec = "*/5 * * * *"
	DefaultBudgetSpec = "0 0 * * *"
)

// healthWindow is the averaging window behind each health check.
const healthWindow = 5 * time.Minute

// stopTimeout bounds the wait for running jobs at shutdown.
const stopTimeout = 10 * time.Second

// healthMetrics are the averaged readings the check evaluates, in report
// order. The names match the classifier's metric thresholds.
var healthMetrics = []string{"cpu_percent", "memory_percent", "disk_percent", "load_per_cpu"}

// Config overrides the job schedules. Zero values take the defaults.
type Config struct {
	HealthSpec string
	BudgetSpec string
}

func (c Config) withDefaults() Config {
	if c.HealthSpec == "" {
		c.HealthSpec = DefaultHealthSpec
	}
	if c.BudgetSpec == "" {
		c.BudgetSpec = DefaultBudgetSpec
	}
	return c
}

// Scheduler owns the cron engine and the latest health snapshot. The snapshot
// feeds the status surface; threshold findings feed the alert engine through
// the classified-events topic.
type Scheduler struct {
	store      *timeseries.Store
	bus        *bus.Bus
	classifier *classifier.Classifier
	budget     *budget.Manager
	metrics    *metrics.Metrics
	retention  *config.RetentionConfig
	logger     *slog.Logger
	hostname   string
	cfg        Config

	engine *cron.Cron

	mu       sync.RWMutex
	snapshot *bus.SystemStatus
}

// New creates a scheduler. Call Start to register the jobs and begin running.
func New(store *timeseries.Store, b *bus.Bus, c *classifier.Classifier, bm *budget.Manager, m *metrics.Metrics, retention *config.RetentionConfig, logger *slog.Logger, cfg Config) *Scheduler {
	if retention == nil {
		retention = config.DefaultRetentionConfig()
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &Scheduler{
		store:      store,
		bus:        b,
		classifier: c,
		budget:     bm,
		metrics:    m,
		retention:  retention,
		logger:     logger.With("component", "scheduler"),
		hostname:   hostname,
		cfg:        cfg.withDefaults(),
	}
}

// Start registers the cron jobs and launches the engine. An immediate health
// check primes the snapshot so the status surface has data before the first
// scheduled run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.engine != nil {
		return nil
	}
	engine := cron.New()

	if _, err := engine.AddFunc(s.cfg.HealthSpec, func() { s.RunHealthCheck(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule health check: %w", err)
	}
	purgeSpec := fmt.Sprintf("@every %s", s.purgeInterval())
	if _, err := engine.AddFunc(purgeSpec, func() { s.RunPurge(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule retention purge: %w", err)
	}
	if _, err := engine.AddFunc(s.cfg.BudgetSpec, func() { s.runBudgetReport() }); err != nil {
		return fmt.Errorf("failed to schedule budget report: %w", err)
	}

	s.RunHealthCheck(ctx)

	s.engine = engine
	engine.Start()
	s.logger.Info("Scheduler started",
		"health", s.cfg.HealthSpec, "purge_interval", s.purgeInterval(), "budget", s.cfg.BudgetSpec)
	return nil
}

// Stop halts scheduling and waits briefly for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.engine == nil {
		return
	}
	drained := s.engine.Stop()
	select {
	case <-drained.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("Scheduler shutdown timeout, a job may still be running")
	}
	s.logger.Info("Scheduler stopped")
}

// Snapshot returns the latest health status, or nil before the first check.
// Callers treat the snapshot as immutable.
func (s *Scheduler) Snapshot() *bus.SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Scheduler) purgeInterval() time.Duration {
	if s.retention.PurgeInterval > 0 {
		return s.retention.PurgeInterval
	}
	return time.Hour
}

// RunHealthCheck averages recent host metrics, publishes a classified event
// when a threshold is breached, and refreshes the status snapshot. Exported
// so the REST surface can force a check.
func (s *Scheduler) RunHealthCheck(ctx context.Context) *bus.SystemStatus {
	now := time.Now().UTC()
	status := &bus.SystemStatus{Healthy: true, At: now}

	readings, err := s.recentAverages(ctx, now)
	switch {
	case err != nil:
		status.Healthy = false
		status.Message = fmt.Sprintf("time-series store unavailable: %v", err)
		status.Components = []string{"timeseries"}
		s.logger.Error("Health check could not read aggregates", "error", err)
	case len(readings) == 0:
		status.Message = fmt.Sprintf("no system samples in the last %s", healthWindow)
	default:
		s.evaluateReadings(status, readings, now)
	}

	if s.store.Saturated() {
		status.Healthy = false
		status.Components = append(status.Components, "ingest_queue")
		status.Message = joinSentences(status.Message, "ingest queue saturated")
	}
	if s.metrics != nil {
		s.metrics.StoreQueueDepth.Set(float64(s.store.Depth()))
	}

	s.mu.Lock()
	s.snapshot = status
	s.mu.Unlock()
	s.bus.Publish(bus.TopicSystemStatus, status)
	return status
}

// evaluateReadings classifies the averaged snapshot and, when anything is
// notable, emits one classified event shaped exactly like a collector tick so
// the seeded metric rules match it.
func (s *Scheduler) evaluateReadings(status *bus.SystemStatus, readings map[string]float64, now time.Time) {
	var findings []string
	for _, name := range healthMetrics {
		value, ok := readings[name]
		if !ok {
			continue
		}
		res := s.classifier.Classify(&models.Event{
			Kind: models.KindMetric,
			Data: map[string]any{"name": name, "value": value},
		})
		if res.Severity.AtLeast(models.SeverityNotable) {
			findings = append(findings, fmt.Sprintf("%s averaged %.1f", name, value))
			status.Components = append(status.Components, name)
		}
	}
	if len(findings) == 0 {
		return
	}

	status.Healthy = false
	status.Message = fmt.Sprintf("%s over the last %s", strings.Join(findings, ", "), healthWindow)

	data := make(map[string]any, len(readings)+2)
	for name, value := range readings {
		data[name] = value
	}
	data["origin"] = "health_check"

	event := &models.Event{
		ID:        uuid.New().String(),
		Timestamp: now,
		Kind:      models.KindMetric,
		Source:    s.hostname,
		Message:   status.Message,
		Data:      data,
	}
	res := s.classifier.Classify(event)
	event.Severity = res.Severity
	if res.Signal != "" {
		event.Data["signal"] = res.Signal
	}
	s.bus.Publish(bus.TopicEventsClassified, event)
	s.logger.Warn("Health check found threshold breaches",
		"severity", event.Severity, "findings", len(findings))
}

// recentAverages returns the per-metric average over the last window, keyed
// by metric name. Buckets arrive oldest first, so the newest wins.
func (s *Scheduler) recentAverages(ctx context.Context, now time.Time) (map[string]float64, error) {
	rows, err := s.store.Aggregate(ctx, timeseries.AggregateSpec{
		Kind:    timeseries.KindSystemMetrics,
		Bucket:  healthWindow,
		GroupBy: []string{"metric_name"},
		Aggs:    []string{"avg"},
		Since:   now.Add(-healthWindow),
	})
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(healthMetrics))
	for _, name := range healthMetrics {
		wanted[name] = true
	}
	out := make(map[string]float64, len(healthMetrics))
	for _, row := range rows {
		if name := row.Group["metric_name"]; wanted[name] {
			out[name] = row.Values["avg"]
		}
	}
	return out, nil
}

// RunPurge enforces the retention policy once. Exported so tests and the
// REST surface can trigger it outside the schedule.
func (s *Scheduler) RunPurge(ctx context.Context) {
	deleted, err := s.store.Purge(ctx, s.retentionByKind())
	if err != nil {
		s.logger.Error("Retention purge failed", "error", err)
		return
	}
	var total int64
	for kind, n := range deleted {
		total += n
		if n > 0 && s.metrics != nil {
			s.metrics.RowsPurged.WithLabelValues(string(kind)).Add(float64(n))
		}
	}
	if total > 0 {
		s.logger.Info("Retention purge completed", "rows", total)
	}
}

func (s *Scheduler) retentionByKind() map[timeseries.Kind]time.Duration {
	r := s.retention
	return map[timeseries.Kind]time.Duration{
		timeseries.KindSystemMetrics:   r.SystemMetrics,
		timeseries.KindLogIndex:        r.LogIndex,
		timeseries.KindSDKEvents:       r.SDKEvents,
		timeseries.KindSpans:           r.Spans,
		timeseries.KindDependencyCalls: r.DependencyCalls,
		timeseries.KindSDKMetrics:      r.SDKMetrics,
		timeseries.KindDeployEvents:    r.DeployEvents,
	}
}

func (s *Scheduler) runBudgetReport() {
	if s.budget == nil {
		return
	}
	st, err := s.budget.Status()
	if err != nil {
		s.logger.Warn("Budget status unavailable", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.BudgetUsed.WithLabelValues("hourly").Set(float64(st.HourlyUsed))
		s.metrics.BudgetUsed.WithLabelValues("daily").Set(float64(st.DailyUsed))
	}
	s.logger.Info("Daily budget report",
		"daily_used", st.DailyUsed,
		"daily_limit", st.DailyLimit,
		"total_tokens", st.TotalTokens,
		"total_requests", st.TotalRequests)
}

func joinSentences(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
