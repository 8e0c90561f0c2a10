package bus

import (
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// Payload types carried on the fixed topics. The push layer converts these
// into wire envelopes; components exchange them without sharing state.
//
// Topic -> payload:
//
//	telemetry.raw      *models.Event (unclassified)
//	events.classified  *models.Event (severity assigned)
//	alerts.fired       *AlertFired
//	alerts.state       *AlertStateChange
//	actions.requested  *ActionRequested
//	actions.completed  *ActionExecuting, then *ActionCompleted
//	react.delta        *RunDelta
//	budget.update      *BudgetUpdate
//	system.status      *SystemStatus

// AlertFired announces a new alert instance.
type AlertFired struct {
	Alert    *models.Alert `json:"alert"`
	RuleName string        `json:"rule_name"`
	Event    *models.Event `json:"event"`
}

// AlertStateChange announces an acknowledge/resolve transition.
type AlertStateChange struct {
	AlertID  string             `json:"alert_id"`
	RuleID   string             `json:"rule_id"`
	Previous models.AlertStatus `json:"previous"`
	Status   models.AlertStatus `json:"status"`
	Actor    string             `json:"actor,omitempty"`
	At       time.Time          `json:"at"`
}

// ActionRequested asks connected clients for an approval decision.
type ActionRequested struct {
	Request *models.ActionRequest `json:"request"`
}

// ActionExecuting announces that an approved command has started running.
type ActionExecuting struct {
	ActionID string   `json:"action_id"`
	Command  []string `json:"command"`
}

// ActionCompleted reports the terminal state of an action request, including
// command output when it executed.
type ActionCompleted struct {
	ActionID string                `json:"action_id"`
	State    models.ActionState    `json:"state"`
	Result   *models.ActionResult  `json:"result,omitempty"`
	Request  *models.ActionRequest `json:"request,omitempty"`
}

// DeltaKind discriminates RunDelta payloads.
type DeltaKind string

const (
	DeltaThinkingStart DeltaKind = "thinking_start"
	DeltaThinkingEnd   DeltaKind = "thinking_end"
	DeltaMessageStart  DeltaKind = "message_start"
	DeltaMessageChunk  DeltaKind = "message_delta"
	DeltaMessageEnd    DeltaKind = "message_end"
	DeltaToolCall      DeltaKind = "tool_call"
	DeltaToolResult    DeltaKind = "tool_result"
	DeltaRunStart      DeltaKind = "run_start"
	DeltaRunEnd        DeltaKind = "run_end"
	DeltaRunError      DeltaKind = "run_error"
)

// RunInitiator distinguishes chat runs from auto-investigations on the wire.
const (
	InitiatorChat          = "chat"
	InitiatorInvestigation = "investigation"
)

// RunDelta is one ordered streaming increment from a reasoning run. Seq is
// monotonic per run; the single-goroutine publisher plus FIFO queues keep
// client delivery in publish order.
type RunDelta struct {
	RunID     string    `json:"run_id"`
	Initiator string    `json:"initiator"`
	Seq       int64     `json:"seq"`
	Kind      DeltaKind `json:"kind"`

	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallInfo   `json:"tool_call,omitempty"`
	ToolResult *ToolResultInfo `json:"tool_result,omitempty"`
	Error      *RunError       `json:"error,omitempty"`
	Summary    *RunSummary     `json:"summary,omitempty"`
}

// ToolCallInfo describes a tool invocation announced by the model.
type ToolCallInfo struct {
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolResultInfo carries a tool's result for display.
type ToolResultInfo struct {
	CallID      string `json:"call_id"`
	Tool        string `json:"tool"`
	DisplayType string `json:"display_type"`
	Payload     any    `json:"payload,omitempty"`
	IsError     bool   `json:"is_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// RunError is a client-visible run failure. Code is stable; no stack traces.
type RunError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RunSummary accompanies DeltaRunEnd.
type RunSummary struct {
	Termination models.TerminationReason `json:"termination"`
	FinalText   string                   `json:"final_text,omitempty"`
	TokensUsed  int                      `json:"tokens_used"`
	Steps       int                      `json:"steps"`
}

// BudgetUpdate is published on every reserve/settle so clients can render
// live usage.
type BudgetUpdate struct {
	HourlyUsed   int       `json:"hourly_used"`
	HourlyLimit  int       `json:"hourly_limit"`
	DailyUsed    int       `json:"daily_used"`
	DailyLimit   int       `json:"daily_limit"`
	LastPriority string    `json:"last_priority,omitempty"`
	Refused      bool      `json:"refused,omitempty"`
	At           time.Time `json:"at"`
}

// SystemStatus is a periodic health snapshot for the status surface.
type SystemStatus struct {
	Healthy    bool      `json:"healthy"`
	Message    string    `json:"message,omitempty"`
	Components []string  `json:"components,omitempty"`
	At         time.Time `json:"at"`
}
