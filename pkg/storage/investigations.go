package storage

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/precious112/Argus/pkg/models"
)

// InvestigationStore persists auto-investigation records.
type InvestigationStore struct {
	c *Client
}

const investigationColumns = `id, alert_id, rule_id, trigger_text, status, summary,
	termination, tokens_used, steps, created_at, started_at, completed_at`

// Create inserts a queued investigation and returns it.
func (s *InvestigationStore) Create(ctx context.Context, inv *models.Investigation) (*models.Investigation, error) {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Status == "" {
		inv.Status = models.InvestigationQueued
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	_, err := s.c.exec(ctx, `INSERT INTO investigations
		(id, alert_id, rule_id, trigger_text, status, summary, termination,
		 tokens_used, steps, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.AlertID, inv.RuleID, inv.Trigger, string(inv.Status), inv.Summary,
		string(inv.Termination), inv.TokensUsed, inv.Steps, tsToMS(inv.CreatedAt),
		tsPtrToMS(inv.StartedAt), tsPtrToMS(inv.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("investigation %s: %w", inv.ID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create investigation: %w", err)
	}
	return inv, nil
}

// Get returns one investigation by ID.
func (s *InvestigationStore) Get(ctx context.Context, id string) (*models.Investigation, error) {
	row := s.c.queryRow(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE id = ?`, id)
	inv, err := scanInvestigation(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// List returns investigations newest first, optionally filtered by status.
func (s *InvestigationStore) List(ctx context.Context, status models.InvestigationStatus, page, perPage int) (*models.InvestigationPage, error) {
	where := "1=1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	var total int
	if err := s.c.queryRow(ctx, `SELECT COUNT(*) FROM investigations WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count investigations: %w", err)
	}

	listArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.c.query(ctx, `SELECT `+investigationColumns+` FROM investigations
		WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list investigations: %w", err)
	}
	defer rows.Close()

	out := &models.InvestigationPage{TotalCount: total, Page: page, PerPage: perPage}
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, err
		}
		out.Investigations = append(out.Investigations, inv)
	}
	return out, rows.Err()
}

// MarkStarted transitions a queued investigation to running.
func (s *InvestigationStore) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.c.exec(ctx,
		`UPDATE investigations SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(models.InvestigationRunning), tsToMS(now), id, string(models.InvestigationQueued))
	if err != nil {
		return fmt.Errorf("failed to mark investigation started: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// Complete records the terminal state of an investigation run.
func (s *InvestigationStore) Complete(ctx context.Context, id string, status models.InvestigationStatus,
	termination models.TerminationReason, summary string, tokensUsed, steps int) error {

	switch status {
	case models.InvestigationCompleted, models.InvestigationFailed, models.InvestigationCancelled:
	default:
		return NewValidationError("status", fmt.Sprintf("'%s' is not a terminal status", status))
	}

	now := time.Now().UTC()
	res, err := s.c.exec(ctx, `UPDATE investigations SET
		status = ?, termination = ?, summary = ?, tokens_used = ?, steps = ?, completed_at = ?
		WHERE id = ?`,
		string(status), string(termination), summary, tokensUsed, steps, tsToMS(now), id)
	if err != nil {
		return fmt.Errorf("failed to complete investigation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveCount returns how many investigations are queued or running.
func (s *InvestigationStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.c.queryRow(ctx,
		`SELECT COUNT(*) FROM investigations WHERE status IN (?, ?)`,
		string(models.InvestigationQueued), string(models.InvestigationRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active investigations: %w", err)
	}
	return n, nil
}

func scanInvestigation(row rowScanner) (*models.Investigation, error) {
	var (
		inv         models.Investigation
		status      string
		termination string
		createdAt   int64
		startedAt   stdsql.NullInt64
		completedAt stdsql.NullInt64
	)
	err := row.Scan(&inv.ID, &inv.AlertID, &inv.RuleID, &inv.Trigger, &status,
		&inv.Summary, &termination, &inv.TokensUsed, &inv.Steps,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = models.InvestigationStatus(status)
	inv.Termination = models.TerminationReason(termination)
	inv.CreatedAt = tsFromMS(createdAt)
	inv.StartedAt = tsPtrFromMS(startedAt)
	inv.CompletedAt = tsPtrFromMS(completedAt)
	return &inv, nil
}
