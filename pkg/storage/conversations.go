package storage

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// ConversationStore persists finished reasoning-run transcripts.
type ConversationStore struct {
	c *Client
}

const conversationColumns = `id, initiator, priority, transcript, termination,
	tokens_used, steps, created_at, completed_at`

// Save inserts a completed conversation record.
func (s *ConversationStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		return NewValidationError("id", "conversation id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	_, err := s.c.exec(ctx, `INSERT INTO conversations
		(id, initiator, priority, transcript, termination, tokens_used, steps, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Initiator, string(conv.Priority), conv.Transcript,
		string(conv.Termination), conv.TokensUsed, conv.Steps,
		tsToMS(conv.CreatedAt), tsPtrToMS(conv.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("conversation %s: %w", conv.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Get returns one conversation by ID.
func (s *ConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.c.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

// List returns conversations newest first.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.c.query(ctx, `SELECT `+conversationColumns+
		` FROM conversations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes conversation records past their retention.
func (s *ConversationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.c.exec(ctx, `DELETE FROM conversations WHERE created_at < ?`, tsToMS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv        models.Conversation
		priority    string
		termination string
		createdAt   int64
		completedAt stdsql.NullInt64
	)
	err := row.Scan(&conv.ID, &conv.Initiator, &priority, &conv.Transcript,
		&termination, &conv.TokensUsed, &conv.Steps, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	conv.Priority = models.BudgetPriority(priority)
	conv.Termination = models.TerminationReason(termination)
	conv.CreatedAt = tsFromMS(createdAt)
	conv.CompletedAt = tsPtrFromMS(completedAt)
	return &conv, nil
}
