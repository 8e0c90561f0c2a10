// Argus agent server: ingests host and SDK telemetry, evaluates alert
// rules, and runs LLM investigations over the collected evidence.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/precious112/Argus/pkg/actions"
	"github.com/precious112/Argus/pkg/agent"
	"github.com/precious112/Argus/pkg/alerting"
	"github.com/precious112/Argus/pkg/api"
	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/classifier"
	"github.com/precious112/Argus/pkg/collectors"
	"github.com/precious112/Argus/pkg/config"
	"github.com/precious112/Argus/pkg/investigator"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/push"
	"github.com/precious112/Argus/pkg/scheduler"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/timeseries"
	"github.com/precious112/Argus/pkg/tools"
	"github.com/precious112/Argus/pkg/version"
)

// poolShutdownTimeout bounds how long shutdown waits for in-flight
// investigations before abandoning them. Abandoned runs are marked failed
// by the pool workers' context cancellation.
const poolShutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// newLogger builds the process logger. LOG_LEVEL selects the threshold
// (debug, info, warn, error); anything else means info.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	logger := newLogger()
	slog.SetDefault(logger)

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		logger.Info("Loaded environment", "path", envPath)
	}

	logger.Info("Starting Argus",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry and event bus
	m := metrics.New()
	b := bus.New(bus.WithDropHook(func(topic bus.Topic, subscriber string) {
		m.BusDropped.WithLabelValues(string(topic), subscriber).Inc()
	}))
	defer b.Close()

	// 3. Open the catalog and the telemetry store
	catalog, err := storage.NewClient(ctx, storage.Config{
		Backend: cfg.Storage.Backend,
		Path:    filepath.Join(cfg.Storage.DataDir, "catalog.db"),
		DSN:     cfg.Storage.PostgresDSN,
	})
	if err != nil {
		logger.Error("Failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			logger.Error("Error closing catalog", "error", err)
		}
	}()
	logger.Info("Catalog opened", "backend", cfg.Storage.Backend)

	series, err := timeseries.Open(filepath.Join(cfg.Storage.DataDir, "timeseries"),
		timeseries.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to open telemetry store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := series.Close(); err != nil {
			logger.Error("Error closing telemetry store", "error", err)
		}
	}()

	// 4. Classification pipeline and token budget
	cls := classifier.New(classifier.DefaultThresholds())
	pipeline := classifier.NewPipeline(cls, b, logger)
	pipeline.Start()
	defer pipeline.Stop()

	bm := budget.NewManager(budget.Config{
		HourlyLimit:     cfg.Budget.HourlyLimit,
		DailyLimit:      cfg.Budget.DailyLimit,
		ReserveFraction: cfg.Budget.ReserveFraction,
	}, b)
	bm.Start()
	defer bm.Stop()

	// 5. LLM client (optional; the agent loop is disabled without one)
	var llmClient llm.Client
	if cfg.LLM.Configured() {
		base, err := llm.New(llm.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey(),
			BaseURL:     cfg.LLM.BaseURL,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize LLM client", "provider", cfg.LLM.Provider, "error", err)
			os.Exit(1)
		}
		llmClient = llm.WithRetry(base, logger)
		logger.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	} else {
		logger.Warn("LLM not configured, investigations and chat are disabled",
			"hint", "set llm.provider, llm.model, and the API key env var")
	}

	// 6. Action engine and tool dispatch
	sandbox, err := actions.NewSandbox(actions.DefaultAllowlist(), cfg.Agent.ToolTimeout)
	if err != nil {
		logger.Error("Failed to build action sandbox", "error", err)
		os.Exit(1)
	}
	actionEngine := actions.NewEngine(b, catalog.Audit, sandbox, m, logger,
		actions.WithApprovalTimeout(cfg.Agent.ApprovalTimeout))

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, m, logger,
		tools.WithDefaultTimeout(cfg.Agent.ToolTimeout))

	// 7. Agent runner and investigation pool
	var runner *agent.Runner
	if llmClient != nil {
		runner = agent.NewRunner(llmClient, registry, dispatcher, bm, b, m, logger,
			agent.Config{
				MaxSteps:    cfg.Agent.MaxSteps,
				TurnTimeout: cfg.Agent.LLMTurnTimeout,
				ResponsePad: cfg.LLM.MaxTokens,
				Provider:    cfg.LLM.Provider,
			},
			agent.WithConversationStore(catalog.Conversations))
	}

	pool := investigator.NewPool(runner, catalog, bm, m, logger, investigator.Config{})
	pool.Start(ctx)

	// 8. Alert engine, wired to notifications and the pool
	var notifiers []alerting.Notifier
	if sc := cfg.Alerting.Slack; sc != nil && sc.Enabled {
		if token := sc.Token(); token != "" && sc.Channel != "" {
			notifiers = append(notifiers, alerting.NewSlackNotifier(token, sc.Channel, logger))
		} else {
			logger.Warn("Slack notifications enabled but token or channel missing")
		}
	}
	if len(cfg.Alerting.WebhookURLs) > 0 {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURLs, logger))
	}

	engineOpts := []alerting.Option{
		alerting.WithInvestigateHook(pool.Enqueue),
		alerting.WithResolveHook(func(alertID string) { pool.CancelForAlert(alertID) }),
	}
	if len(notifiers) > 0 {
		engineOpts = append(engineOpts, alerting.WithNotifiers(notifiers...))
	}
	alertEngine := alerting.NewEngine(catalog, b, m, logger, engineOpts...)
	if err := alertEngine.Start(ctx); err != nil {
		logger.Error("Failed to start alert engine", "error", err)
		os.Exit(1)
	}
	defer alertEngine.Stop()

	// Built-in tools see the same alert directory and command gate the
	// API serves, so agent actions land in the audit log like any other.
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Series: series,
		Alerts: alertEngine,
		Runner: actionEngine,
	}); err != nil {
		logger.Error("Failed to register built-in tools", "error", err)
		os.Exit(1)
	}

	chat := agent.NewChat(runner, b, logger)

	// 9. Scheduler (health snapshots, retention purge, budget reports)
	sched := scheduler.New(series, b, cls, bm, m, cfg.Retention, logger, scheduler.Config{})
	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// 10. Push hub for WebSocket clients
	hub := push.NewHub(b, m, logger,
		push.WithChat(chat),
		push.WithApprovals(actionEngine),
		push.WithCanceller(chat),
		push.WithCanceller(pool),
		push.WithStatusSource(sched.Snapshot))
	hub.Start()
	defer hub.Stop()

	// 11. Host collectors
	var sysCollector *collectors.SystemCollector
	var logWatcher *collectors.LogWatcher
	if cfg.Collectors.Enabled {
		sysCollector = collectors.NewSystemCollector(series, b, logger, cfg.Collectors.MetricsInterval)
		sysCollector.Start(ctx)
		if len(cfg.Collectors.LogPaths) > 0 {
			logWatcher = collectors.NewLogWatcher(series, b, logger, cfg.Collectors.LogPaths)
			if err := logWatcher.Start(ctx); err != nil {
				logger.Error("Failed to start log watcher", "error", err)
				os.Exit(1)
			}
		}
		logger.Info("Collectors started",
			"metrics_interval", cfg.Collectors.MetricsInterval,
			"log_paths", len(cfg.Collectors.LogPaths))
	} else {
		logger.Info("Collectors disabled")
	}

	// 12. HTTP server (non-blocking)
	server := api.NewServer(api.Deps{
		Config:  cfg,
		Alerts:  alertEngine,
		Catalog: catalog,
		Series:  series,
		Budget:  bm,
		Bus:     b,
		Hub:     hub,
		Metrics: m,
		Status:  sched,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("Argus started successfully",
		"addr", cfg.Server.Addr(),
		"llm_enabled", llmClient != nil)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown. Collectors stop first so no new telemetry
	// feeds the pipeline while investigations drain.
	if logWatcher != nil {
		logWatcher.Stop()
	}
	if sysCollector != nil {
		sysCollector.Stop()
	}

	poolCtx, poolCancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer poolCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Investigation pool stopped gracefully")
	case <-poolCtx.Done():
		logger.Warn("Pool shutdown timeout exceeded, abandoning in-flight investigations")
	}

	// Stop HTTP server with its own timeout budget
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
