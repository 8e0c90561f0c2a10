package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the settings file looked up inside the config directory.
const ConfigFileName = "argus.yaml"

// argusYAML mirrors the argus.yaml file structure. Sections that need to
// distinguish "unset" from a zero value carry pointers and are resolved
// explicitly; the rest merge over defaults with mergo.
type argusYAML struct {
	Server     *ServerConfig    `yaml:"server"`
	LLM        *LLMConfig       `yaml:"llm"`
	Budget     *BudgetConfig    `yaml:"budget"`
	Storage    *StorageConfig   `yaml:"storage"`
	Collectors *collectorsYAML  `yaml:"collectors"`
	Alerting   *alertingYAML    `yaml:"alerting"`
	Retention  *RetentionConfig `yaml:"retention"`
	Agent      *AgentConfig     `yaml:"agent"`
	Ingest     *IngestConfig    `yaml:"ingest"`
}

type collectorsYAML struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	MetricsInterval time.Duration `yaml:"metrics_interval,omitempty"`
	LogPaths        []string      `yaml:"log_paths,omitempty"`
}

type alertingYAML struct {
	Slack       *slackYAML `yaml:"slack,omitempty"`
	WebhookURLs []string   `yaml:"webhook_urls,omitempty"`
}

type slackYAML struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read argus.yaml from configDir (absent file falls back to defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML and merge with built-in defaults
//  4. Validate all sections
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"listen", cfg.Server.Addr(),
		"storage_backend", cfg.Storage.Backend,
		"llm_provider", cfg.LLM.Provider,
		"collectors_enabled", cfg.Collectors.Enabled)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	raw, err := readYAML(configDir)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	cfg := &Config{
		Server:     DefaultServerConfig(),
		LLM:        DefaultLLMConfig(),
		Budget:     DefaultBudgetConfig(),
		Storage:    DefaultStorageConfig(),
		Retention:  DefaultRetentionConfig(),
		Agent:      DefaultAgentConfig(),
		Ingest:     DefaultIngestConfig(),
		Collectors: resolveCollectors(raw.Collectors),
		Alerting:   resolveAlerting(raw.Alerting),
	}

	// Merge user-provided sections into defaults (non-zero values override).
	if err := mergeSection(cfg.Server, raw.Server); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.LLM, raw.LLM); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Budget, raw.Budget); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Storage, raw.Storage); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Retention, raw.Retention); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Agent, raw.Agent); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Ingest, raw.Ingest); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeSection[T any](dst *T, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge configuration section: %w", err)
	}
	return nil
}

// readYAML loads and parses argus.yaml. A missing file is not an error:
// the server runs on defaults so a bare `argus serve` works out of the box.
func readYAML(configDir string) (*argusYAML, error) {
	var raw argusYAML

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return &raw, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through the original data on parse/execution errors
	// so the YAML parser can produce a clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &raw, nil
}

// resolveCollectors resolves collector settings, applying defaults.
// Collection defaults to on; an explicit `enabled: false` turns it off.
func resolveCollectors(raw *collectorsYAML) *CollectorsConfig {
	cfg := &CollectorsConfig{
		Enabled:         true,
		MetricsInterval: 15 * time.Second,
		LogPaths:        []string{"/var/log/syslog", "/var/log/auth.log"},
	}

	if raw == nil {
		return cfg
	}
	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	if raw.MetricsInterval > 0 {
		cfg.MetricsInterval = raw.MetricsInterval
	}
	if len(raw.LogPaths) > 0 {
		cfg.LogPaths = raw.LogPaths
	}

	return cfg
}

// resolveAlerting resolves notification channel settings, applying defaults.
func resolveAlerting(raw *alertingYAML) *AlertingConfig {
	cfg := &AlertingConfig{
		Slack: &SlackConfig{
			Enabled:  false,
			TokenEnv: "SLACK_BOT_TOKEN",
		},
	}

	if raw == nil {
		return cfg
	}
	cfg.WebhookURLs = raw.WebhookURLs

	if s := raw.Slack; s != nil {
		if s.Enabled != nil {
			cfg.Slack.Enabled = *s.Enabled
		}
		if s.TokenEnv != "" {
			cfg.Slack.TokenEnv = s.TokenEnv
		}
		if s.Channel != "" {
			cfg.Slack.Channel = s.Channel
		}
	}

	return cfg
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
