package models

// Signal names tag classified events with the specific condition detected.
// They live under Data["signal"] and give alert rules a finer grain than the
// event kind alone: cpu_critical and memory_critical both match metric
// events but fire on different signals.
const (
	SignalCPUHigh     = "cpu_high"
	SignalMemoryHigh  = "memory_high"
	SignalDiskHigh    = "disk_high"
	SignalLoadHigh    = "load_high"
	SignalErrorLog    = "error_log"
	SignalLogCritical = "log_critical"
	SignalErrorBurst  = "error_burst"

	SignalProcessCrashed    = "process_crashed"
	SignalProcessOOMKilled  = "process_oom_killed"
	SignalProcessRestarting = "process_restart_loop"

	SignalBruteForce         = "brute_force"
	SignalSuspiciousProcess  = "suspicious_process"
	SignalSuspiciousOutbound = "suspicious_outbound"
	SignalNewExecutable      = "new_executable"
	SignalNewOpenPort        = "new_open_port"
	SignalPermissionRisk     = "permission_risk"

	SignalSDKException  = "sdk_exception"
	SignalSDKErrorSpike = "sdk_error_spike"
	SignalSDKLatency    = "sdk_latency_degradation"
	SignalHealthCheck   = "health_check"
	SignalAnomaly       = "anomaly_detected"
)

// Signal returns the classified signal tag, if any.
func (e *Event) Signal() string {
	return e.Str("signal")
}
