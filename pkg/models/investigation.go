package models

import "time"

// Investigation is the persisted record of an auto-investigation run
// triggered by an urgent alert.
type Investigation struct {
	ID          string              `json:"id"`
	AlertID     string              `json:"alert_id"`
	RuleID      string              `json:"rule_id"`
	Trigger     string              `json:"trigger"` // compact alert description fed to the agent
	Status      InvestigationStatus `json:"status"`
	Summary     string              `json:"summary,omitempty"`
	Termination TerminationReason   `json:"termination,omitempty"`
	TokensUsed  int                 `json:"tokens_used"`
	Steps       int                 `json:"steps"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// InvestigationPage is a paginated investigation listing.
type InvestigationPage struct {
	Investigations []*Investigation `json:"investigations"`
	TotalCount     int              `json:"total_count"`
	Page           int              `json:"page"`
	PerPage        int              `json:"per_page"`
}
