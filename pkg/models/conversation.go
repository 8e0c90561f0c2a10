package models

import "time"

// Conversation is the persisted transcript of a reasoning run, written on
// completion. Live history is owned by the run itself; the catalog stores
// the finished record for the REST surface.
type Conversation struct {
	ID          string            `json:"id"`
	Initiator   string            `json:"initiator"` // "chat" or "investigation"
	Priority    BudgetPriority    `json:"priority"`
	Transcript  string            `json:"transcript"` // JSON-encoded message list
	Termination TerminationReason `json:"termination"`
	TokensUsed  int               `json:"tokens_used"`
	Steps       int               `json:"steps"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}
