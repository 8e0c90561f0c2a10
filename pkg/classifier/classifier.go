// Package classifier assigns severities to raw events before they reach the
// alert engine.
package classifier

import (
	"strings"
	"sync"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// Thresholds are the tunable limits for metric and burst classification.
type Thresholds struct {
	CPUWarn  float64
	CPUCrit  float64
	MemWarn  float64
	MemCrit  float64
	DiskWarn float64
	DiskCrit float64
	LoadWarn float64 // load average per CPU
	LoadCrit float64

	BurstCount  int           // errors within BurstWindow that escalate to URGENT
	BurstWindow time.Duration
}

// DefaultThresholds mirror the host health-check limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 80, CPUCrit: 95,
		MemWarn: 85, MemCrit: 95,
		DiskWarn: 85, DiskCrit: 95,
		LoadWarn: 1.5, LoadCrit: 3.0,
		BurstCount:  10,
		BurstWindow: 60 * time.Second,
	}
}

// Result is the classification outcome: the severity plus the specific
// signal that produced it (empty when nothing notable matched).
type Result struct {
	Severity models.Severity
	Signal   string
}

// Classifier is a mostly pure severity function. The only state is the set
// of sliding-window burst counters keyed by (source, signal); counters reset
// when their window expires. Safe for concurrent use.
type Classifier struct {
	thresholds Thresholds

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a classifier with the given thresholds.
func New(t Thresholds) *Classifier {
	if t.BurstCount <= 0 {
		t.BurstCount = 10
	}
	if t.BurstWindow <= 0 {
		t.BurstWindow = 60 * time.Second
	}
	return &Classifier{
		thresholds: t,
		windows:    make(map[string]*window),
	}
}

// Classify maps an event to a severity. Ties between rules resolve to the
// highest severity matched.
func (c *Classifier) Classify(e *models.Event) Result {
	switch e.Kind {
	case models.KindMetric:
		return c.classifyMetric(e)
	case models.KindLog:
		return c.classifyLog(e)
	case models.KindProcess:
		return c.classifyProcess(e)
	case models.KindSecurity:
		return c.classifySecurity(e)
	case models.KindSDKEvent:
		return c.classifySDKEvent(e)
	case models.KindSpan, models.KindDependency:
		return c.classifyCall(e)
	case models.KindAlertDerived:
		// Already carries a severity from its producing alert.
		if e.Severity.Valid() {
			return Result{Severity: e.Severity, Signal: e.Signal()}
		}
	}
	return Result{Severity: models.SeverityInfo}
}

func (c *Classifier) classifyMetric(e *models.Event) Result {
	best := Result{Severity: models.SeverityInfo}

	check := func(value float64, warn, crit float64, signal string) {
		var sev models.Severity
		switch {
		case value >= crit:
			sev = models.SeverityUrgent
		case value >= warn:
			sev = models.SeverityNotable
		default:
			return
		}
		// Highest severity wins; the first signal at that severity sticks.
		if sev.AtLeast(best.Severity) && sev != best.Severity {
			best = Result{Severity: sev, Signal: signal}
		}
	}

	t := c.thresholds
	// A metric event is either a collector snapshot (many named values) or a
	// single SDK sample with name/value.
	if name := e.Str("name"); name != "" {
		if value, ok := e.Float("value"); ok {
			switch name {
			case "cpu_percent":
				check(value, t.CPUWarn, t.CPUCrit, models.SignalCPUHigh)
			case "memory_percent":
				check(value, t.MemWarn, t.MemCrit, models.SignalMemoryHigh)
			case "disk_percent":
				check(value, t.DiskWarn, t.DiskCrit, models.SignalDiskHigh)
			case "load_per_cpu":
				check(value, t.LoadWarn, t.LoadCrit, models.SignalLoadHigh)
			}
		}
		return best
	}

	if v, ok := e.Float("cpu_percent"); ok {
		check(v, t.CPUWarn, t.CPUCrit, models.SignalCPUHigh)
	}
	if v, ok := e.Float("memory_percent"); ok {
		check(v, t.MemWarn, t.MemCrit, models.SignalMemoryHigh)
	}
	if v, ok := e.Float("disk_percent"); ok {
		check(v, t.DiskWarn, t.DiskCrit, models.SignalDiskHigh)
	}
	if v, ok := e.Float("load_per_cpu"); ok {
		check(v, t.LoadWarn, t.LoadCrit, models.SignalLoadHigh)
	}
	return best
}

var criticalLogTokens = []string{"panic", "fatal", "out of memory", "oom-killer", "segfault", "core dumped"}
var errorLogTokens = []string{"error", "exception", "traceback", "failed", "failure"}

// LogSeverityHint maps a single log line to a severity by token scan alone,
// with no burst state. The log watcher stamps index rows with it; the
// pipeline's Classify remains the authority for the event severity.
func LogSeverityHint(line string) models.Severity {
	lower := strings.ToLower(line)
	for _, tok := range criticalLogTokens {
		if strings.Contains(lower, tok) {
			return models.SeverityUrgent
		}
	}
	for _, tok := range errorLogTokens {
		if strings.Contains(lower, tok) {
			return models.SeverityNotable
		}
	}
	return models.SeverityInfo
}

func (c *Classifier) classifyLog(e *models.Event) Result {
	line := strings.ToLower(e.Message)
	if line == "" {
		line = strings.ToLower(e.Str("line"))
	}

	for _, tok := range criticalLogTokens {
		if strings.Contains(line, tok) {
			return Result{Severity: models.SeverityUrgent, Signal: models.SignalLogCritical}
		}
	}
	for _, tok := range errorLogTokens {
		if strings.Contains(line, tok) {
			if c.bump(e.Source, models.SignalErrorBurst, e.Timestamp) >= c.thresholds.BurstCount {
				return Result{Severity: models.SeverityUrgent, Signal: models.SignalErrorBurst}
			}
			return Result{Severity: models.SeverityNotable, Signal: models.SignalErrorLog}
		}
	}
	return Result{Severity: models.SeverityInfo}
}

func (c *Classifier) classifyProcess(e *models.Event) Result {
	switch e.Str("status") {
	case "crashed":
		return Result{Severity: models.SeverityUrgent, Signal: models.SignalProcessCrashed}
	case "oom_killed":
		return Result{Severity: models.SeverityUrgent, Signal: models.SignalProcessOOMKilled}
	case "restart_loop":
		return Result{Severity: models.SeverityUrgent, Signal: models.SignalProcessRestarting}
	}
	return Result{Severity: models.SeverityInfo}
}

func (c *Classifier) classifySecurity(e *models.Event) Result {
	signal := e.Str("check")
	if signal == "" {
		signal = models.SignalSuspiciousProcess
	}
	switch e.Str("status") {
	case "fail":
		return Result{Severity: models.SeverityUrgent, Signal: signal}
	case "warn":
		return Result{Severity: models.SeverityNotable, Signal: signal}
	}
	return Result{Severity: models.SeverityInfo}
}

func (c *Classifier) classifySDKEvent(e *models.Event) Result {
	if e.Str("event_type") != "exception" && e.Str("error_type") == "" {
		return Result{Severity: models.SeverityInfo}
	}

	// Exceptions group by (service, error type); a recurring group inside the
	// burst window escalates to an error spike.
	group := e.Source + ":" + e.Str("error_type")
	if c.bump(group, models.SignalSDKErrorSpike, e.Timestamp) >= c.thresholds.BurstCount {
		return Result{Severity: models.SeverityUrgent, Signal: models.SignalSDKErrorSpike}
	}
	return Result{Severity: models.SeverityNotable, Signal: models.SignalSDKException}
}

func (c *Classifier) classifyCall(e *models.Event) Result {
	if e.Str("status") == "error" || e.Str("error") != "" {
		if c.bump(e.Source, models.SignalSDKErrorSpike, e.Timestamp) >= c.thresholds.BurstCount {
			return Result{Severity: models.SeverityUrgent, Signal: models.SignalSDKErrorSpike}
		}
		return Result{Severity: models.SeverityNotable, Signal: models.SignalErrorLog}
	}
	return Result{Severity: models.SeverityInfo}
}

// bump records one occurrence on the (source, signal) sliding window and
// returns the count inside the window.
func (c *Classifier) bump(source, signal string, at time.Time) int {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	key := source + "|" + signal

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok {
		if len(c.windows) >= 4096 {
			c.pruneLocked(at)
		}
		w = &window{}
		c.windows[key] = w
	}
	return w.add(at, c.thresholds.BurstWindow)
}

func (c *Classifier) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.thresholds.BurstWindow)
	for key, w := range c.windows {
		if len(w.times) == 0 || w.times[len(w.times)-1].Before(cutoff) {
			delete(c.windows, key)
		}
	}
}

// window is a sliding occurrence counter bounded by the burst window.
type window struct {
	times []time.Time
}

func (w *window) add(at time.Time, span time.Duration) int {
	cutoff := at.Add(-span)
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = append(keep, at)
	return len(w.times)
}
