// Package tools holds the tool registry the reasoning loop draws from:
// declarative specs with JSON-schema argument validation, a dispatcher that
// runs handlers under a hard timeout, and the builtin observability tools.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// DisplayType hints how a client should render a tool result.
type DisplayType string

const (
	DisplayLogViewer     DisplayType = "log_viewer"
	DisplayMetricsChart  DisplayType = "metrics_chart"
	DisplayProcessTable  DisplayType = "process_table"
	DisplayTable         DisplayType = "table"
	DisplayChart         DisplayType = "chart"
	DisplayCommandOutput DisplayType = "command_output"
	DisplayCodeBlock     DisplayType = "code_block"
	DisplayJSONTree      DisplayType = "json_tree"
)

// Valid reports whether d is a known display type.
func (d DisplayType) Valid() bool {
	switch d {
	case DisplayLogViewer, DisplayMetricsChart, DisplayProcessTable, DisplayTable,
		DisplayChart, DisplayCommandOutput, DisplayCodeBlock, DisplayJSONTree:
		return true
	}
	return false
}

// Handler executes one tool call with already-validated arguments. Failures
// the model should observe are returned as errors; the dispatcher converts
// them into error results instead of failing the run.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Spec declares a tool: what the model sees, how arguments are validated,
// and how the call is executed.
type Spec struct {
	Name             string
	Description      string
	ParametersSchema string // JSON schema for the arguments object; empty skips validation
	Risk             models.RiskLevel
	DisplayType      DisplayType
	Timeout          time.Duration // 0 means the dispatcher default
	Handler          Handler
}

// Result is a successful handler outcome. DisplayType overrides the spec's
// declared hint when set.
type Result struct {
	DisplayType DisplayType
	Payload     map[string]any
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string // provider call id, echoed back in the result
	RunID     string // reasoning run the call belongs to
	Name      string
	Arguments string // raw JSON object
}

// ToolResult is what dispatch hands back to the reasoning loop. Content is
// the JSON the model observes; Code is set only on error results.
type ToolResult struct {
	CallID      string
	Name        string
	Content     string
	IsError     bool
	Code        string
	DisplayType DisplayType
}

// Stable error codes carried in error results.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeToolFailed       = "tool_failed"
	CodeToolTimeout      = "tool_timeout"
	CodeResultTooLarge   = "result_too_large"
)

// ToolError is a coded tool failure. Handlers return it when the model needs
// a stable code; plain errors map to CodeToolFailed.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Errorf builds a coded tool error.
func Errorf(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CallMeta identifies the in-flight tool call. Handlers that create action
// requests use it to correlate the request with the originating run.
type CallMeta struct {
	CallID string
	RunID  string
	Tool   string
}

type metaKey struct{}

func withMeta(ctx context.Context, m CallMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the call metadata the dispatcher attached, or a zero value
// outside a dispatch.
func MetaFrom(ctx context.Context) CallMeta {
	m, _ := ctx.Value(metaKey{}).(CallMeta)
	return m
}

// CommandRequest asks the action engine to run a command on the host. Risk
// at or above MEDIUM suspends the submission until an operator decides.
type CommandRequest struct {
	Tool        string
	Command     []string
	Description string
	Risk        models.RiskLevel
	Reversible  bool
	RunID       string
}

// CommandOutcome reports how a submitted command ended. Exit code and output
// are only meaningful when State is executed.
type CommandOutcome struct {
	ActionID string
	State    models.ActionState
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Reason   string // rejection reason or failure detail
}

// CommandRunner is the approval-and-execution protocol command tools submit
// through. Implemented by the actions engine.
type CommandRunner interface {
	Submit(ctx context.Context, req CommandRequest) (*CommandOutcome, error)
}

// AlertDirectory is the slice of the alert catalog the alert tools need.
type AlertDirectory interface {
	List(ctx context.Context, f models.AlertFilters) (*models.AlertPage, error)
	Acknowledge(ctx context.Context, id, by string) (*models.Alert, error)
}
