// Package models contains the catalog record types and business domain enums.
package models

// Severity classifies an event's urgency.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityNotable Severity = "NOTABLE"
	SeverityUrgent  Severity = "URGENT"
)

// rank orders severities for comparison. Unknown severities rank below INFO.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityNotable:
		return 2
	case SeverityUrgent:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// AtMost reports whether s is at or below other.
func (s Severity) AtMost(other Severity) bool {
	return s.rank() <= other.rank()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.rank() > 0
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// RiskLevel gates whether a tool or command needs human approval before it
// may execute. Levels at or above RiskMedium require approval.
type RiskLevel string

const (
	RiskReadOnly RiskLevel = "READ_ONLY"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskReadOnly:
		return 1
	case RiskLow:
		return 2
	case RiskMedium:
		return 3
	case RiskHigh:
		return 4
	case RiskCritical:
		return 5
	default:
		return 0
	}
}

// RequiresApproval reports whether a tool at this risk level must pass
// through the action approval protocol.
func (r RiskLevel) RequiresApproval() bool {
	return r.rank() >= RiskMedium.rank()
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r.rank() > 0
}

// AlertStatus is the lifecycle state of a fired alert. Transitions are
// monotonic: active -> acknowledged -> resolved, and resolved is terminal.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// BudgetPriority orders LLM work by importance. Admission control may refuse
// lower priorities while the critical reserve still has headroom.
type BudgetPriority string

const (
	PriorityRoutine  BudgetPriority = "routine"
	PriorityElevated BudgetPriority = "elevated"
	PriorityUrgent   BudgetPriority = "urgent"
	PriorityCritical BudgetPriority = "critical"
)

// Valid reports whether p is a known priority.
func (p BudgetPriority) Valid() bool {
	switch p {
	case PriorityRoutine, PriorityElevated, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// ActionState is the lifecycle state of an action approval request.
type ActionState string

const (
	ActionPending  ActionState = "pending"
	ActionApproved ActionState = "approved"
	ActionRejected ActionState = "rejected"
	ActionTimedOut ActionState = "timed_out"
	ActionExecuted ActionState = "executed"
	ActionFailed   ActionState = "failed"
)

// InvestigationStatus tracks an auto-investigation run.
type InvestigationStatus string

const (
	InvestigationQueued    InvestigationStatus = "queued"
	InvestigationRunning   InvestigationStatus = "running"
	InvestigationCompleted InvestigationStatus = "completed"
	InvestigationFailed    InvestigationStatus = "failed"
	InvestigationCancelled InvestigationStatus = "cancelled"
)

// TerminationReason records why a reasoning run ended.
type TerminationReason string

const (
	TerminationFinalAnswer     TerminationReason = "final_answer"
	TerminationBudgetExhausted TerminationReason = "budget_exhausted"
	TerminationToolErrorFatal  TerminationReason = "tool_error_fatal"
	TerminationMaxSteps        TerminationReason = "max_steps"
	TerminationCancelled       TerminationReason = "cancelled"
)
