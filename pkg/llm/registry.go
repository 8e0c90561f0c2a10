package llm

import (
	"fmt"
	"log/slog"
)

// New constructs the provider named by cfg.Provider. The returned client is
// not wrapped; callers that want transient-failure retries should pass it
// through WithRetry.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")

	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case ProviderAnthropic:
		client, err = newAnthropicClient(cfg, logger)
	case ProviderOpenAI:
		client, err = newOpenAIClient(cfg, logger)
	case ProviderGemini:
		client, err = newGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("provider ready", "provider", cfg.Provider, "model", cfg.Model)
	return client, nil
}
