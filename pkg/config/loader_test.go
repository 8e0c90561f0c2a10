package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600)
	require.NoError(t, err)
	return dir
}

func TestInitialize_Defaults(t *testing.T) {
	// No argus.yaml at all: the server must come up on defaults.
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7600", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 50_000, cfg.Budget.HourlyLimit)
	assert.Equal(t, 200_000, cfg.Budget.DailyLimit)
	assert.InDelta(t, 0.30, cfg.Budget.ReserveFraction, 1e-9)
	assert.Equal(t, 12, cfg.Agent.MaxSteps)
	assert.Equal(t, 120*time.Second, cfg.Agent.LLMTurnTimeout)
	assert.Equal(t, 1000, cfg.Ingest.MaxBatch)
	assert.True(t, cfg.Collectors.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Collectors.MetricsInterval)
	assert.False(t, cfg.Alerting.Slack.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.SystemMetrics)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.DeployEvents)
	assert.Equal(t, time.Hour, cfg.Retention.PurgeInterval)
}

func TestInitialize_UserOverrides(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9100
  public_url: https://argus.internal
  cors_origins: ["https://dash.internal"]
llm:
  provider: anthropic
  model: claude-sonnet-4-5
  api_key_env: MY_KEY
budget:
  hourly_limit: 10000
  daily_limit: 40000
storage:
  data_dir: /var/lib/argus
collectors:
  metrics_interval: 30s
  log_paths: ["/srv/app/app.log"]
agent:
  max_steps: 6
ingest:
  api_keys: ["sk-argus-abc123"]
  max_batch: 500
retention:
  deploy_events: 720h
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, "https://argus.internal", cfg.Server.PublicURL)
	assert.Equal(t, []string{"https://dash.internal"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	assert.Equal(t, "MY_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, 10_000, cfg.Budget.HourlyLimit)
	assert.Equal(t, "/var/lib/argus", cfg.Storage.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Collectors.MetricsInterval)
	assert.Equal(t, []string{"/srv/app/app.log"}, cfg.Collectors.LogPaths)
	assert.Equal(t, 6, cfg.Agent.MaxSteps)
	assert.Equal(t, 120*time.Second, cfg.Agent.LLMTurnTimeout, "unset fields keep defaults")
	assert.Equal(t, []string{"sk-argus-abc123"}, cfg.Ingest.APIKeys)
	assert.Equal(t, 500, cfg.Ingest.MaxBatch)
	assert.Equal(t, 720*time.Hour, cfg.Retention.DeployEvents)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.SystemMetrics)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ARGUS_CHANNEL", "C0FFEE")
	t.Setenv("TEST_ARGUS_DSN", "postgres://argus:s3cret@db:5432/argus")

	dir := writeConfig(t, `
storage:
  backend: postgres
  postgres_dsn: "{{.TEST_ARGUS_DSN}}"
alerting:
  slack:
    enabled: true
    channel: "{{.TEST_ARGUS_CHANNEL}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres://argus:s3cret@db:5432/argus", cfg.Storage.PostgresDSN)
	assert.True(t, cfg.Alerting.Slack.Enabled)
	assert.Equal(t, "C0FFEE", cfg.Alerting.Slack.Channel)
	assert.Equal(t, "SLACK_BOT_TOKEN", cfg.Alerting.Slack.TokenEnv, "token env keeps default")
}

func TestInitialize_CollectorsDisabled(t *testing.T) {
	dir := writeConfig(t, `
collectors:
  enabled: false
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, cfg.Collectors.Enabled)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "server: [not: valid\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ConfigFileName, loadErr.File)
}

func TestInitialize_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "bad port",
			yaml:    "server:\n  port: 99999\n",
			wantMsg: "port",
		},
		{
			name:    "unknown provider",
			yaml:    "llm:\n  provider: mistral\n",
			wantMsg: "provider",
		},
		{
			name:    "unknown backend",
			yaml:    "storage:\n  backend: duckdb\n",
			wantMsg: "backend",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage:\n  backend: postgres\n",
			wantMsg: "postgres_dsn",
		},
		{
			name:    "daily below hourly",
			yaml:    "budget:\n  hourly_limit: 100000\n  daily_limit: 50000\n",
			wantMsg: "daily_limit",
		},
		{
			name:    "slack enabled without channel",
			yaml:    "alerting:\n  slack:\n    enabled: true\n",
			wantMsg: "slack.channel",
		},
		{
			name:    "sub-second metrics interval",
			yaml:    "collectors:\n  metrics_interval: 100ms\n",
			wantMsg: "metrics_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "simple expansion",
			in:   "key: {{.TEST_EXPAND_A}}",
			want: "key: alpha",
		},
		{
			name: "missing variable becomes empty",
			in:   "key: {{.TEST_EXPAND_NOPE}}",
			want: "key: ",
		},
		{
			name: "dollar signs preserved",
			in:   `pattern: "^err.*$"`,
			want: `pattern: "^err.*$"`,
		},
		{
			name: "malformed template passes through",
			in:   "key: {{.UNCLOSED",
			want: "key: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in))))
		})
	}
}

func TestIngestConfig_KeyAccepted(t *testing.T) {
	open := &IngestConfig{}
	assert.True(t, open.KeyAccepted(""), "no configured keys disables auth")
	assert.True(t, open.KeyAccepted("anything"))

	locked := &IngestConfig{APIKeys: []string{"sk-argus-abc123"}}
	assert.True(t, locked.KeyAccepted("sk-argus-abc123"))
	assert.False(t, locked.KeyAccepted(""))
	assert.False(t, locked.KeyAccepted("wrong"))
}

func TestIngestConfig_MaskedKeys(t *testing.T) {
	cfg := &IngestConfig{APIKeys: []string{"sk-argus-abc123", "abc"}}
	masked := cfg.MaskedKeys()
	require.Len(t, masked, 2)
	assert.Equal(t, "***********c123", masked[0])
	assert.Equal(t, "****", masked[1])
}
