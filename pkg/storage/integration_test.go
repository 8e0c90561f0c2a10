package storage

import (
	"context"
	"testing"
	"time"

	"github.com/precious112/Argus/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresBackend runs the catalog against a real PostgreSQL to catch
// dialect drift the sqlite tests cannot see.
func TestPostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("argus_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Backend:  BackendPostgres,
		DSN:      dsn,
		Database: "argus_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Rules survive the round trip with JSON columns intact.
	rule, err := client.Rules.Create(ctx, &models.AlertRule{
		Name:        "disk_critical",
		Kinds:       []models.EventKind{models.KindMetric},
		Signals:     []string{models.SignalDiskHigh},
		MinSeverity: models.SeverityUrgent,
		Cooldown:    time.Hour,
	})
	require.NoError(t, err)

	got, err := client.Rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.SignalDiskHigh}, got.Signals)

	// Audit sequencing uses RETURNING on postgres.
	seq1, err := client.Audit.Append(ctx, &models.AuditEntry{
		ActionID: "act-1", Tool: "restart_service", Risk: models.RiskMedium, State: "pending",
	})
	require.NoError(t, err)
	seq2, err := client.Audit.Append(ctx, &models.AuditEntry{
		ActionID: "act-1", Tool: "restart_service", Risk: models.RiskMedium, State: "approved",
	})
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	// Alert paging with rebound placeholders.
	require.NoError(t, client.Alerts.Insert(ctx, &models.Alert{
		ID: "a1", RuleID: rule.ID, DedupKey: "disk_percent", Severity: models.SeverityUrgent,
		Title: "Disk nearly full", Timestamp: time.Now().UTC(), Status: models.AlertActive,
	}))
	page, err := client.Alerts.List(ctx, models.AlertFilters{Status: models.AlertActive})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
}
