package models

import "time"

// ActionRequest asks a human to approve a side-effecting command before it
// runs. Requests above RiskLow never execute without an approved response
// correlated by ID.
type ActionRequest struct {
	ID               string      `json:"id"`
	Tool             string      `json:"tool"`
	Description      string      `json:"description"`
	Command          []string    `json:"command"`
	Risk             RiskLevel   `json:"risk"`
	Reversible       bool        `json:"reversible"`
	RequiresPassword bool        `json:"requires_password"`
	RunID            string      `json:"run_id"` // initiating reasoning run
	State            ActionState `json:"state"`
	PendingSince     time.Time   `json:"pending_since"`
}

// ActionResult captures the outcome of an executed command.
type ActionResult struct {
	ActionID   string        `json:"action_id"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// AuditEntry is one append-only row in the action audit log. Sequence
// numbers are monotonic and assigned by the store.
type AuditEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ActionID  string    `json:"action_id"`
	Tool      string    `json:"tool"`
	Command   string    `json:"command"`
	Risk      RiskLevel `json:"risk"`
	State     string    `json:"state"` // transition recorded, e.g. "pending", "approved", "executed"
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
