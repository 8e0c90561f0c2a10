package storage

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/precious112/Argus/pkg/models"
)

// RuleStore persists alert rules.
type RuleStore struct {
	c *Client
}

const ruleColumns = `id, name, kinds, signals, min_severity, max_severity,
	cooldown_seconds, auto_investigate, muted_until, channels, updated_at`

// List returns all rules ordered by name.
func (s *RuleStore) List(ctx context.Context) ([]*models.AlertRule, error) {
	rows, err := s.c.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Get returns one rule by ID.
func (s *RuleStore) Get(ctx context.Context, id string) (*models.AlertRule, error) {
	row := s.c.queryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// Create inserts a new rule. The ID is generated when absent.
func (s *RuleStore) Create(ctx context.Context, rule *models.AlertRule) (*models.AlertRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.UpdatedAt = time.Now().UTC()

	_, err := s.c.exec(ctx, `INSERT INTO alert_rules
		(id, name, kinds, signals, min_severity, max_severity, cooldown_seconds,
		 auto_investigate, muted_until, channels, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, jsonEncode(rule.Kinds), jsonEncode(rule.Signals),
		string(rule.MinSeverity), string(rule.MaxSeverity), int64(rule.Cooldown/time.Second),
		rule.AutoInvestigate, tsPtrToMS(rule.MutedUntil), jsonEncode(rule.Channels),
		tsToMS(rule.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	return rule, nil
}

// Update replaces a rule's mutable fields. The caller passes the UpdatedAt it
// read; a mismatch means someone else changed the rule first.
func (s *RuleStore) Update(ctx context.Context, rule *models.AlertRule, readUpdatedAt time.Time) (*models.AlertRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = time.Now().UTC()

	res, err := s.c.exec(ctx, `UPDATE alert_rules SET
		name = ?, kinds = ?, signals = ?, min_severity = ?, max_severity = ?,
		cooldown_seconds = ?, auto_investigate = ?, muted_until = ?, channels = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		rule.Name, jsonEncode(rule.Kinds), jsonEncode(rule.Signals),
		string(rule.MinSeverity), string(rule.MaxSeverity), int64(rule.Cooldown/time.Second),
		rule.AutoInvestigate, tsPtrToMS(rule.MutedUntil), jsonEncode(rule.Channels),
		tsToMS(rule.UpdatedAt),
		rule.ID, tsToMS(readUpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, rule.ID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConcurrentModification
	}
	return rule, nil
}

// SetMuted persists a rule's mute window. A nil until unmutes.
func (s *RuleStore) SetMuted(ctx context.Context, id string, until *time.Time) error {
	res, err := s.c.exec(ctx,
		`UPDATE alert_rules SET muted_until = ?, updated_at = ? WHERE id = ?`,
		tsPtrToMS(until), tsToMS(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mute rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed inserts any of the given rules that do not already exist. Existing
// rules keep their operator-tuned state.
func (s *RuleStore) Seed(ctx context.Context, rules []*models.AlertRule) (int, error) {
	inserted := 0
	for _, rule := range rules {
		_, err := s.Get(ctx, rule.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return inserted, err
		}
		if _, err := s.Create(ctx, rule); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func validateRule(rule *models.AlertRule) error {
	if rule.Name == "" {
		return NewValidationError("name", "rule name is required")
	}
	if len(rule.Kinds) == 0 {
		return NewValidationError("kinds", "at least one event kind is required")
	}
	for _, k := range rule.Kinds {
		if !k.Valid() {
			return NewValidationError("kinds", fmt.Sprintf("unknown event kind '%s'", k))
		}
	}
	if !rule.MinSeverity.Valid() {
		return NewValidationError("min_severity", fmt.Sprintf("unknown severity '%s'", rule.MinSeverity))
	}
	if rule.MaxSeverity != "" {
		if !rule.MaxSeverity.Valid() {
			return NewValidationError("max_severity", fmt.Sprintf("unknown severity '%s'", rule.MaxSeverity))
		}
		if !rule.MinSeverity.AtMost(rule.MaxSeverity) {
			return NewValidationError("max_severity", "max severity is below min severity")
		}
	}
	if rule.Cooldown < 0 {
		return NewValidationError("cooldown", "cooldown must not be negative")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var (
		rule            models.AlertRule
		kinds           string
		signals         stdsql.NullString
		minSev, maxSev  string
		cooldownSeconds int64
		mutedUntil      stdsql.NullInt64
		channels        stdsql.NullString
		updatedAt       int64
	)
	err := row.Scan(&rule.ID, &rule.Name, &kinds, &signals, &minSev, &maxSev,
		&cooldownSeconds, &rule.AutoInvestigate, &mutedUntil, &channels, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kinds), &rule.Kinds); err != nil {
		return nil, fmt.Errorf("failed to decode rule kinds: %w", err)
	}
	if signals.Valid && signals.String != "" {
		if err := json.Unmarshal([]byte(signals.String), &rule.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode rule signals: %w", err)
		}
	}
	if channels.Valid && channels.String != "" {
		if err := json.Unmarshal([]byte(channels.String), &rule.Channels); err != nil {
			return nil, fmt.Errorf("failed to decode rule channels: %w", err)
		}
	}
	rule.MinSeverity = models.Severity(minSev)
	rule.MaxSeverity = models.Severity(maxSev)
	rule.Cooldown = time.Duration(cooldownSeconds) * time.Second
	rule.MutedUntil = tsPtrFromMS(mutedUntil)
	rule.UpdatedAt = tsFromMS(updatedAt)
	return &rule, nil
}

func jsonEncode(v any) any {
	switch x := v.(type) {
	case []string:
		if x == nil {
			return nil
		}
	case []models.EventKind:
		if x == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// isUniqueViolation matches unique-constraint failures across sqlite and
// postgres without importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
