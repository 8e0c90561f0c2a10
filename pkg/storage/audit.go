package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// AuditStore is the append-only action audit trail. Sequence numbers come
// from the database and are strictly monotonic per catalog.
type AuditStore struct {
	c *Client
}

// Append records one action state transition and returns its sequence number.
func (s *AuditStore) Append(ctx context.Context, e *models.AuditEntry) (int64, error) {
	if e.ActionID == "" {
		return 0, NewValidationError("action_id", "action id is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if s.c.backend == BackendPostgres {
		var seq int64
		err := s.c.queryRow(ctx, `INSERT INTO action_audit
			(created_at, action_id, tool, command, risk, state, actor, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
			tsToMS(e.Timestamp), e.ActionID, e.Tool, e.Command,
			string(e.Risk), e.State, e.Actor, e.Detail).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("failed to append audit entry: %w", err)
		}
		e.Seq = seq
		return seq, nil
	}

	res, err := s.c.exec(ctx, `INSERT INTO action_audit
		(created_at, action_id, tool, command, risk, state, actor, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tsToMS(e.Timestamp), e.ActionID, e.Tool, e.Command,
		string(e.Risk), e.State, e.Actor, e.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to append audit entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read audit sequence: %w", err)
	}
	e.Seq = seq
	return seq, nil
}

// List returns audit entries in sequence order, optionally scoped to one
// action, newest first.
func (s *AuditStore) List(ctx context.Context, actionID string, limit int) ([]*models.AuditEntry, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	where := "1=1"
	var args []any
	if actionID != "" {
		where += " AND action_id = ?"
		args = append(args, actionID)
	}
	args = append(args, limit)

	rows, err := s.c.query(ctx, `SELECT seq, created_at, action_id, tool, command, risk, state, actor, detail
		FROM action_audit WHERE `+where+` ORDER BY seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var createdAt int64
		var risk string
		if err := rows.Scan(&e.Seq, &createdAt, &e.ActionID, &e.Tool, &e.Command,
			&risk, &e.State, &e.Actor, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = tsFromMS(createdAt)
		e.Risk = models.RiskLevel(risk)
		out = append(out, &e)
	}
	return out, rows.Err()
}
