package storage

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SettingsStore holds small JSON-valued operator settings keyed by name,
// e.g. budget overrides and notification channel state.
type SettingsStore struct {
	c *Client
}

// Get decodes the setting under key into out. Returns ErrNotFound when the
// key has never been set.
func (s *SettingsStore) Get(ctx context.Context, key string, out any) error {
	var raw string
	err := s.c.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, stdsql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return nil
}

// Set stores the JSON encoding of value under key, replacing any previous
// value.
func (s *SettingsStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}
	now := tsToMS(time.Now().UTC())

	// Upsert syntax is shared: sqlite and postgres both accept ON CONFLICT.
	_, err = s.c.exec(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), now)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// Delete removes a setting. Missing keys are not an error.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	if _, err := s.c.exec(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}
