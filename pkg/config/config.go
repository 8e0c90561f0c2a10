// Package config loads and validates the argus.yaml settings file.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the resolved runtime configuration for the agent server.
// Built by Initialize; all sections are non-nil after loading.
type Config struct {
	Server     *ServerConfig
	LLM        *LLMConfig
	Budget     *BudgetConfig
	Storage    *StorageConfig
	Collectors *CollectorsConfig
	Alerting   *AlertingConfig
	Retention  *RetentionConfig
	Agent      *AgentConfig
	Ingest     *IngestConfig
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	PublicURL   string   `yaml:"public_url"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects the model provider used by the agent loop.
// The API key is never stored in YAML; APIKeyEnv names the environment
// variable that carries it.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// APIKey resolves the provider key from the configured environment variable.
func (l *LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// Configured reports whether enough is set to construct a provider client.
func (l *LLMConfig) Configured() bool {
	return l.Provider != "" && l.Model != "" && l.APIKey() != ""
}

// BudgetConfig bounds LLM token spend per rolling window.
type BudgetConfig struct {
	HourlyLimit     int     `yaml:"hourly_limit"`
	DailyLimit      int     `yaml:"daily_limit"`
	ReserveFraction float64 `yaml:"reserve_fraction"`
}

// StorageConfig selects the catalog backend and the data directory that
// also hosts the telemetry store.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CollectorsConfig controls the built-in host collectors.
type CollectorsConfig struct {
	Enabled         bool
	MetricsInterval time.Duration
	LogPaths        []string
}

// AlertingConfig holds notification channel settings.
type AlertingConfig struct {
	Slack       *SlackConfig
	WebhookURLs []string
}

// SlackConfig holds resolved Slack bot notification settings.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string // Env var name for the bot token (default: "SLACK_BOT_TOKEN")
	Channel  string // Channel ID, e.g. "C12345678"
}

// Token resolves the bot token from the configured environment variable.
func (s *SlackConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// RetentionConfig sets how long each telemetry table keeps rows and how
// often the purge job runs. Durations use Go syntax ("168h" for a week).
type RetentionConfig struct {
	SystemMetrics   time.Duration `yaml:"system_metrics"`
	LogIndex        time.Duration `yaml:"log_index"`
	SDKEvents       time.Duration `yaml:"sdk_events"`
	Spans           time.Duration `yaml:"spans"`
	DependencyCalls time.Duration `yaml:"dependency_calls"`
	SDKMetrics      time.Duration `yaml:"sdk_metrics"`
	DeployEvents    time.Duration `yaml:"deploy_events"`
	PurgeInterval   time.Duration `yaml:"purge_interval"`
}

// AgentConfig bounds a single reasoning run.
type AgentConfig struct {
	MaxSteps        int           `yaml:"max_steps"`
	LLMTurnTimeout  time.Duration `yaml:"llm_turn_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// IngestConfig controls the SDK telemetry intake endpoint.
type IngestConfig struct {
	APIKeys  []string `yaml:"api_keys"`
	MaxBatch int      `yaml:"max_batch"`
}

// KeyAccepted reports whether the presented ingest key is configured.
// An empty key list means ingest auth is disabled (local development).
func (i *IngestConfig) KeyAccepted(key string) bool {
	if len(i.APIKeys) == 0 {
		return true
	}
	for _, k := range i.APIKeys {
		if k != "" && k == key {
			return true
		}
	}
	return false
}

// MaskedKeys returns the configured ingest keys with all but the last four
// characters replaced, for the settings surface.
func (i *IngestConfig) MaskedKeys() []string {
	masked := make([]string, 0, len(i.APIKeys))
	for _, k := range i.APIKeys {
		masked = append(masked, maskSecret(k))
	}
	return masked
}

func maskSecret(s string) string {
	const visible = 4
	if len(s) <= visible {
		return "****"
	}
	out := make([]byte, len(s))
	for j := range out {
		out[j] = '*'
	}
	copy(out[len(s)-visible:], s[len(s)-visible:])
	return string(out)
}

// DefaultServerConfig returns the built-in listener defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 7600,
	}
}

// DefaultLLMConfig returns the built-in provider defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:    "openai",
		APIKeyEnv:   "ARGUS_LLM_API_KEY",
		MaxTokens:   4096,
		Temperature: 0.1,
		Timeout:     60 * time.Second,
	}
}

// DefaultBudgetConfig returns the built-in budget defaults.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{
		HourlyLimit:     50_000,
		DailyLimit:      200_000,
		ReserveFraction: 0.30,
	}
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		DataDir: "./data",
		Backend: "sqlite",
	}
}

// DefaultRetentionConfig returns the built-in retention defaults:
// one week for telemetry and thirty days for deploy markers.
func DefaultRetentionConfig() *RetentionConfig {
	week := 7 * 24 * time.Hour
	return &RetentionConfig{
		SystemMetrics:   week,
		LogIndex:        week,
		SDKEvents:       week,
		Spans:           week,
		DependencyCalls: week,
		SDKMetrics:      week,
		DeployEvents:    30 * 24 * time.Hour,
		PurgeInterval:   1 * time.Hour,
	}
}

// DefaultAgentConfig returns the built-in reasoning-run bounds.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MaxSteps:        12,
		LLMTurnTimeout:  120 * time.Second,
		ToolTimeout:     30 * time.Second,
		ApprovalTimeout: 120 * time.Second,
	}
}

// DefaultIngestConfig returns the built-in intake defaults.
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		MaxBatch: 1000,
	}
}
