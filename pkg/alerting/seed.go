package alerting

import (
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// DefaultRules are installed at first start. Operators can tune or delete
// them afterwards; Seed never overwrites an existing rule.
func DefaultRules() []*models.AlertRule {
	return []*models.AlertRule{
		{
			ID:              "cpu_critical",
			Name:            "CPU Critical",
			Kinds:           []models.EventKind{models.KindMetric},
			Signals:         []string{models.SignalCPUHigh},
			MinSeverity:     models.SeverityUrgent,
			Cooldown:        1800 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:              "memory_critical",
			Name:            "Memory Critical",
			Kinds:           []models.EventKind{models.KindMetric},
			Signals:         []string{models.SignalMemoryHigh},
			MinSeverity:     models.SeverityUrgent,
			Cooldown:        1800 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:              "disk_critical",
			Name:            "Disk Critical",
			Kinds:           []models.EventKind{models.KindMetric},
			Signals:         []string{models.SignalDiskHigh},
			MinSeverity:     models.SeverityUrgent,
			Cooldown:        3600 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:              "process_crash",
			Name:            "Process Crash",
			Kinds:           []models.EventKind{models.KindProcess},
			Signals:         []string{models.SignalProcessCrashed, models.SignalProcessOOMKilled, models.SignalProcessRestarting},
			MinSeverity:     models.SeverityUrgent,
			Cooldown:        300 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:              "error_burst",
			Name:            "Error Burst",
			Kinds:           []models.EventKind{models.KindLog},
			Signals:         []string{models.SignalErrorBurst},
			MinSeverity:     models.SeverityNotable,
			Cooldown:        600 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:              "security_event",
			Name:            "Security Event",
			Kinds:           []models.EventKind{models.KindSecurity},
			MinSeverity:     models.SeverityNotable,
			Cooldown:        600 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:          "resource_warning",
			Name:        "Resource Warning",
			Kinds:       []models.EventKind{models.KindMetric},
			Signals:     []string{models.SignalCPUHigh, models.SignalMemoryHigh, models.SignalDiskHigh, models.SignalLoadHigh},
			MinSeverity: models.SeverityNotable,
			MaxSeverity: models.SeverityNotable,
			Cooldown:    1800 * time.Second,
		},
		{
			ID:              "anomaly_detected",
			Name:            "Anomaly Detected",
			Kinds:           []models.EventKind{models.KindMetric, models.KindSDKEvent},
			Signals:         []string{models.SignalAnomaly},
			MinSeverity:     models.SeverityNotable,
			Cooldown:        1800 * time.Second,
			AutoInvestigate: true,
		},
		{
			ID:          "sdk_exception",
			Name:        "SDK Exception",
			Kinds:       []models.EventKind{models.KindSDKEvent},
			Signals:     []string{models.SignalSDKException},
			MinSeverity: models.SeverityNotable,
			Cooldown:    600 * time.Second,
		},
		{
			ID:              "sdk_error_burst",
			Name:            "SDK Error Rate Spike",
			Kinds:           []models.EventKind{models.KindSDKEvent, models.KindSpan, models.KindDependency},
			Signals:         []string{models.SignalSDKErrorSpike},
			MinSeverity:     models.SeverityUrgent,
			Cooldown:        900 * time.Second,
			AutoInvestigate: true,
		},
	}
}
