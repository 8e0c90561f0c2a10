package storage

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// AlertStore persists fired alerts.
type AlertStore struct {
	c *Client
}

const alertColumns = `id, rule_id, dedup_key, severity, title, summary, source,
	fired_at, status, acknowledged_at, acknowledged_by, resolved_at, investigation_id`

// Insert stores a newly fired alert.
func (s *AlertStore) Insert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		return NewValidationError("id", "alert id is required")
	}
	if a.Status == "" {
		a.Status = models.AlertActive
	}
	_, err := s.c.exec(ctx, `INSERT INTO alerts
		(id, rule_id, dedup_key, severity, title, summary, source, fired_at,
		 status, acknowledged_at, acknowledged_by, resolved_at, investigation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.DedupKey, string(a.Severity), a.Title, a.Summary, a.Source,
		tsToMS(a.Timestamp), string(a.Status), tsPtrToMS(a.AcknowledgedAt),
		a.AcknowledgedBy, tsPtrToMS(a.ResolvedAt), a.InvestigationID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("alert %s: %w", a.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Get returns one alert by ID.
func (s *AlertStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.c.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// List returns alerts newest first, filtered and paginated.
func (s *AlertStore) List(ctx context.Context, f models.AlertFilters) (*models.AlertPage, error) {
	where := "1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		where += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.RuleID != "" {
		where += " AND rule_id = ?"
		args = append(args, f.RuleID)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	var total int
	if err := s.c.queryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}

	listArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.c.query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE `+where+
		` ORDER BY fired_at DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := &models.AlertPage{TotalCount: total, Page: page, PerPage: perPage}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out.Alerts = append(out.Alerts, a)
	}
	return out, rows.Err()
}

// Acknowledge moves an active alert to acknowledged. Acknowledging a resolved
// alert is rejected; re-acknowledging is a no-op that keeps the first actor.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.AlertResolved:
		return nil, NewValidationError("status", "alert is already resolved")
	case models.AlertAcknowledged:
		return a, nil
	}

	now := time.Now().UTC()
	_, err = s.c.exec(ctx,
		`UPDATE alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ? WHERE id = ? AND status = ?`,
		string(models.AlertAcknowledged), tsToMS(now), by, id, string(models.AlertActive))
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return s.Get(ctx, id)
}

// Resolve moves an alert to resolved. Resolved is terminal and idempotent.
func (s *AlertStore) Resolve(ctx context.Context, id string) (*models.Alert, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.AlertResolved {
		return a, nil
	}

	now := time.Now().UTC()
	_, err = s.c.exec(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ?`,
		string(models.AlertResolved), tsToMS(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return s.Get(ctx, id)
}

// SetInvestigation links an alert to the investigation it spawned.
func (s *AlertStore) SetInvestigation(ctx context.Context, alertID, investigationID string) error {
	res, err := s.c.exec(ctx,
		`UPDATE alerts SET investigation_id = ? WHERE id = ?`, investigationID, alertID)
	if err != nil {
		return fmt.Errorf("failed to link investigation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Firing is a compact record used to rebuild cooldown state after restart.
type Firing struct {
	RuleID   string
	DedupKey string
	FiredAt  time.Time
}

// RecentFirings returns the latest firing per (rule, dedup key) since the
// given instant.
func (s *AlertStore) RecentFirings(ctx context.Context, since time.Time) ([]Firing, error) {
	rows, err := s.c.query(ctx,
		`SELECT rule_id, dedup_key, MAX(fired_at) FROM alerts
		 WHERE fired_at >= ? GROUP BY rule_id, dedup_key`, tsToMS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent firings: %w", err)
	}
	defer rows.Close()

	var out []Firing
	for rows.Next() {
		var f Firing
		var ms int64
		if err := rows.Scan(&f.RuleID, &f.DedupKey, &ms); err != nil {
			return nil, err
		}
		f.FiredAt = tsFromMS(ms)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ActiveCount returns the number of alerts not yet resolved.
func (s *AlertStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.c.queryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE status != ?`, string(models.AlertResolved)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active alerts: %w", err)
	}
	return n, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a              models.Alert
		severity       string
		status         string
		firedAt        int64
		acknowledgedAt stdsql.NullInt64
		resolvedAt     stdsql.NullInt64
	)
	err := row.Scan(&a.ID, &a.RuleID, &a.DedupKey, &severity, &a.Title, &a.Summary,
		&a.Source, &firedAt, &status, &acknowledgedAt, &a.AcknowledgedBy,
		&resolvedAt, &a.InvestigationID)
	if err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.Timestamp = tsFromMS(firedAt)
	a.AcknowledgedAt = tsPtrFromMS(acknowledgedAt)
	a.ResolvedAt = tsPtrFromMS(resolvedAt)
	return &a, nil
}
