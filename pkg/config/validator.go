package config

import (
	"fmt"
	"time"
)

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

var validBackends = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateBudget(); err != nil {
		return err
	}
	if err := v.validateStorage(); err != nil {
		return err
	}
	if err := v.validateCollectors(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	if err := v.validateAgent(); err != nil {
		return err
	}
	if err := v.validateIngest(); err != nil {
		return err
	}
	if err := v.validateAlerting(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Host == "" {
		return NewValidationError("server", "host", ErrMissingRequiredField)
	}
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l.Provider != "" && !validProviders[l.Provider] {
		return NewValidationError("llm", "provider",
			fmt.Errorf("%w: %q (must be openai, anthropic, or gemini)", ErrInvalidValue, l.Provider))
	}
	if l.MaxTokens < 0 {
		return NewValidationError("llm", "max_tokens", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return NewValidationError("llm", "temperature", fmt.Errorf("%w: must be in [0, 2]", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateBudget() error {
	b := v.cfg.Budget
	if b.HourlyLimit <= 0 {
		return NewValidationError("budget", "hourly_limit", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.DailyLimit <= 0 {
		return NewValidationError("budget", "daily_limit", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.DailyLimit < b.HourlyLimit {
		return NewValidationError("budget", "daily_limit",
			fmt.Errorf("%w: daily limit %d below hourly limit %d", ErrInvalidValue, b.DailyLimit, b.HourlyLimit))
	}
	if b.ReserveFraction < 0 || b.ReserveFraction >= 1 {
		return NewValidationError("budget", "reserve_fraction", fmt.Errorf("%w: must be in [0, 1)", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateStorage() error {
	s := v.cfg.Storage
	if s.DataDir == "" {
		return NewValidationError("storage", "data_dir", ErrMissingRequiredField)
	}
	if !validBackends[s.Backend] {
		return NewValidationError("storage", "backend",
			fmt.Errorf("%w: %q (must be sqlite or postgres)", ErrInvalidValue, s.Backend))
	}
	if s.Backend == "postgres" && s.PostgresDSN == "" {
		return NewValidationError("storage", "postgres_dsn",
			fmt.Errorf("%w: required when backend is postgres", ErrMissingRequiredField))
	}
	return nil
}

func (v *ConfigValidator) validateCollectors() error {
	c := v.cfg.Collectors
	if c.Enabled && c.MetricsInterval < time.Second {
		return NewValidationError("collectors", "metrics_interval",
			fmt.Errorf("%w: %s (minimum 1s)", ErrInvalidValue, c.MetricsInterval))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	checks := []struct {
		field string
		d     time.Duration
	}{
		{"system_metrics", r.SystemMetrics},
		{"log_index", r.LogIndex},
		{"sdk_events", r.SDKEvents},
		{"spans", r.Spans},
		{"dependency_calls", r.DependencyCalls},
		{"sdk_metrics", r.SDKMetrics},
		{"deploy_events", r.DeployEvents},
		{"purge_interval", r.PurgeInterval},
	}
	for _, c := range checks {
		if c.d <= 0 {
			return NewValidationError("retention", c.field, fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgent() error {
	a := v.cfg.Agent
	if a.MaxSteps < 1 {
		return NewValidationError("agent", "max_steps", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.LLMTurnTimeout <= 0 {
		return NewValidationError("agent", "llm_turn_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.ToolTimeout <= 0 {
		return NewValidationError("agent", "tool_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.ApprovalTimeout <= 0 {
		return NewValidationError("agent", "approval_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateIngest() error {
	i := v.cfg.Ingest
	if i.MaxBatch < 1 {
		return NewValidationError("ingest", "max_batch", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAlerting() error {
	a := v.cfg.Alerting
	if a.Slack.Enabled && a.Slack.Channel == "" {
		return NewValidationError("alerting", "slack.channel",
			fmt.Errorf("%w: required when slack is enabled", ErrMissingRequiredField))
	}
	return nil
}
