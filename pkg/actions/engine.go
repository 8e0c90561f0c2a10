package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/tools"
)

// ApprovalTimeout is how long a pending request waits for an operator
// decision before it resolves as timed out.
const ApprovalTimeout = 120 * time.Second

// pushOutputCap bounds the stdout and stderr carried in broadcast payloads.
// The full capture still reaches the requesting tool.
const pushOutputCap = 1000

// AuditLog records action state transitions. Implemented by
// storage.AuditStore.
type AuditLog interface {
	Append(ctx context.Context, e *models.AuditEntry) (int64, error)
}

// Decision is a client's answer to an approval request. Authorized marks
// that the client presented a fresh authorization credential, which CRITICAL
// risk requires on top of approval.
type Decision struct {
	Approved   bool
	Actor      string
	Reason     string
	Authorized bool
}

type pendingAction struct {
	req      *models.ActionRequest
	decision chan Decision
}

// Engine owns the approve-execute-audit pipeline for side-effecting
// commands. Command tools submit into it and suspend until the action
// resolves; clients answer over the push layer via HandleResponse.
type Engine struct {
	bus     *bus.Bus
	audit   AuditLog
	sandbox *Sandbox
	metrics *metrics.Metrics
	logger  *slog.Logger

	approvalTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAction
}

var _ tools.CommandRunner = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithApprovalTimeout overrides the default approval wait.
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.approvalTimeout = d
		}
	}
}

// NewEngine wires an action engine to the bus and audit log. A nil audit log
// disables persistence; a nil bus disables broadcasting.
func NewEngine(b *bus.Bus, audit AuditLog, sandbox *Sandbox, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		bus:             b,
		audit:           audit,
		sandbox:         sandbox,
		metrics:         m,
		logger:          logger.With("component", "actions"),
		approvalTimeout: ApprovalTimeout,
		pending:         make(map[string]*pendingAction),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit classifies, gates, and possibly executes one command. Refusals,
// rejections, and timeouts come back as ordinary outcomes so the reasoning
// loop can read them and move on; the only error return is caller
// cancellation or an unusable request.
func (e *Engine) Submit(ctx context.Context, req tools.CommandRequest) (*tools.CommandOutcome, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	command := strings.Join(req.Command, " ")

	risk, cerr := e.sandbox.Classify(req.Command)
	action := &models.ActionRequest{
		ID:               uuid.New().String(),
		Tool:             req.Tool,
		Description:      req.Description,
		Command:          req.Command,
		Risk:             risk,
		Reversible:       req.Reversible,
		RequiresPassword: risk == models.RiskCritical,
		RunID:            req.RunID,
		State:            models.ActionPending,
		PendingSince:     time.Now().UTC(),
	}

	if cerr != nil {
		e.appendAudit(ctx, action, "blocked", "", cerr.Error())
		e.metrics.ActionsResolved.WithLabelValues("blocked").Inc()
		e.logger.Warn("Command refused",
			"action_id", action.ID, "tool", req.Tool, "command", command, "reason", cerr)
		return &tools.CommandOutcome{
			ActionID: action.ID,
			State:    models.ActionRejected,
			Reason:   cerr.Error(),
		}, nil
	}

	// The allowlist classification, not the declared tool risk, decides
	// whether a human is consulted: run_command carries HIGH on its schema
	// yet a read-only diagnostic through it must not stall an
	// investigation.
	if !risk.RequiresApproval() {
		action.State = models.ActionApproved
		e.appendAudit(ctx, action, string(models.ActionApproved), "system", "auto-approved")
		e.metrics.ActionsResolved.WithLabelValues("approved").Inc()
		return e.execute(ctx, action), nil
	}

	pend := &pendingAction{req: action, decision: make(chan Decision, 1)}
	e.mu.Lock()
	e.pending[action.ID] = pend
	e.mu.Unlock()

	e.appendAudit(ctx, action, string(models.ActionPending), "", "")
	e.publish(bus.TopicActionsRequested, &bus.ActionRequested{Request: action})
	e.logger.Info("Action approval requested",
		"action_id", action.ID, "tool", req.Tool, "risk", risk, "command", command)

	timer := time.NewTimer(e.approvalTimeout)
	defer timer.Stop()

	var dec Decision
	select {
	case dec = <-pend.decision:
	case <-timer.C:
		e.drop(action.ID)
		return e.resolve(ctx, action, models.ActionTimedOut, "",
			fmt.Sprintf("no decision within %s", e.approvalTimeout)), nil
	case <-ctx.Done():
		e.drop(action.ID)
		e.resolve(ctx, action, models.ActionTimedOut, "", "caller cancelled while awaiting approval")
		return nil, ctx.Err()
	}

	switch {
	case !dec.Approved:
		reason := dec.Reason
		if reason == "" {
			reason = "rejected by operator"
		}
		return e.resolve(ctx, action, models.ActionRejected, dec.Actor, reason), nil
	case action.Risk == models.RiskCritical && !dec.Authorized:
		return e.resolve(ctx, action, models.ActionRejected, dec.Actor,
			"critical actions require fresh operator authorization"), nil
	}

	action.State = models.ActionApproved
	e.appendAudit(ctx, action, string(models.ActionApproved), dec.Actor, "")
	e.metrics.ActionsResolved.WithLabelValues("approved").Inc()
	e.logger.Info("Action approved", "action_id", action.ID, "actor", dec.Actor)
	return e.execute(ctx, action), nil
}

// HandleResponse delivers a client decision to its pending request,
// reporting whether the request was found still waiting. Late and duplicate
// responses return false.
func (e *Engine) HandleResponse(actionID string, dec Decision) bool {
	e.mu.Lock()
	pend, ok := e.pending[actionID]
	if ok {
		delete(e.pending, actionID)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("Decision for unknown or settled action", "action_id", actionID)
		return false
	}
	pend.decision <- dec
	return true
}

// Pending lists requests currently awaiting a decision, oldest first.
func (e *Engine) Pending() []*models.ActionRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.ActionRequest, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PendingSince.Before(out[j].PendingSince)
	})
	return out
}

// execute runs an approved command and reports its terminal state.
func (e *Engine) execute(ctx context.Context, action *models.ActionRequest) *tools.CommandOutcome {
	e.publish(bus.TopicActionsCompleted, &bus.ActionExecuting{
		ActionID: action.ID,
		Command:  action.Command,
	})

	res := e.sandbox.Execute(ctx, action.Command)
	res.ActionID = action.ID

	state := models.ActionExecuted
	detail := fmt.Sprintf("exit %d", res.ExitCode)
	if res.Err != "" {
		state = models.ActionFailed
		detail = res.Err
	}
	action.State = state
	e.appendAudit(ctx, action, string(state), "", detail)
	e.publish(bus.TopicActionsCompleted, &bus.ActionCompleted{
		ActionID: action.ID,
		State:    state,
		Result:   cappedResult(res),
		Request:  action,
	})
	e.logger.Info("Action finished",
		"action_id", action.ID, "state", state,
		"exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())

	return &tools.CommandOutcome{
		ActionID: action.ID,
		State:    state,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
		Reason:   res.Err,
	}
}

// resolve closes a request without executing it.
func (e *Engine) resolve(ctx context.Context, action *models.ActionRequest, state models.ActionState, actor, reason string) *tools.CommandOutcome {
	action.State = state
	e.appendAudit(ctx, action, string(state), actor, reason)
	e.metrics.ActionsResolved.WithLabelValues(string(state)).Inc()
	e.publish(bus.TopicActionsCompleted, &bus.ActionCompleted{
		ActionID: action.ID,
		State:    state,
		Request:  action,
	})
	e.logger.Info("Action closed without execution",
		"action_id", action.ID, "state", state, "actor", actor, "reason", reason)
	return &tools.CommandOutcome{ActionID: action.ID, State: state, Reason: reason}
}

func (e *Engine) drop(actionID string) {
	e.mu.Lock()
	delete(e.pending, actionID)
	e.mu.Unlock()
}

func (e *Engine) publish(topic bus.Topic, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

// appendAudit writes one transition to the audit trail. Writes survive
// caller cancellation: the trail is the record of what actually happened.
func (e *Engine) appendAudit(ctx context.Context, action *models.ActionRequest, state, actor, detail string) {
	if e.audit == nil {
		return
	}
	entry := &models.AuditEntry{
		ActionID: action.ID,
		Tool:     action.Tool,
		Command:  strings.Join(action.Command, " "),
		Risk:     action.Risk,
		State:    state,
		Actor:    actor,
		Detail:   detail,
	}
	if _, err := e.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("Failed to append audit entry",
			"action_id", action.ID, "state", state, "error", err)
	}
}

// cappedResult copies res with push-sized output for broadcast.
func cappedResult(res *models.ActionResult) *models.ActionResult {
	capped := *res
	capped.Stdout = truncate(res.Stdout, pushOutputCap)
	capped.Stderr = truncate(res.Stderr, pushOutputCap)
	return &capped
}
