// Package e2e exercises the assembled agent server end to end: a real HTTP
// listener on an ephemeral port, real stores rooted in a per-test temp dir,
// and a scripted LLM client in place of a live provider. Host collectors
// stay disabled so the only telemetry in play is what a test ingests.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/actions"
	"github.com/precious112/Argus/pkg/agent"
	"github.com/precious112/Argus/pkg/alerting"
	"github.com/precious112/Argus/pkg/api"
	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/classifier"
	"github.com/precious112/Argus/pkg/config"
	"github.com/precious112/Argus/pkg/investigator"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/push"
	"github.com/precious112/Argus/pkg/scheduler"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/timeseries"
	"github.com/precious112/Argus/pkg/tools"
)

type testAppConfig struct {
	hourlyLimit     int
	dailyLimit      int
	approvalTimeout time.Duration
	scripted        *llm.ScriptedClient
}

// TestAppOption customizes the app under test before it boots.
type TestAppOption func(*testAppConfig)

// WithScriptedLLM enables the agent loop, backed by a scripted client
// instead of a live provider. Without it the app runs LLM-less: chat
// returns a canned reply and auto-investigations are skipped.
func WithScriptedLLM(c *llm.ScriptedClient) TestAppOption {
	return func(tc *testAppConfig) { tc.scripted = c }
}

// WithBudgetLimits overrides the token budget windows.
func WithBudgetLimits(hourly, daily int) TestAppOption {
	return func(tc *testAppConfig) {
		tc.hourlyLimit = hourly
		tc.dailyLimit = daily
	}
}

// WithApprovalTimeout shortens how long a gated action waits for a human
// decision before expiring.
func WithApprovalTimeout(d time.Duration) TestAppOption {
	return func(tc *testAppConfig) { tc.approvalTimeout = d }
}

// TestApp is a fully wired server listening on 127.0.0.1:0. Fields expose
// the internals tests assert against directly; everything else goes through
// BaseURL and WSURL like a real client.
type TestApp struct {
	t *testing.T

	Config  *config.Config
	Bus     *bus.Bus
	Catalog *storage.Client
	Series  *timeseries.Store
	Budget  *budget.Manager
	Alerts  *alerting.Engine
	Actions *actions.Engine
	Pool    *investigator.Pool
	Chat    *agent.Chat
	Hub     *push.Hub
	LLM     *llm.ScriptedClient

	BaseURL string
	WSURL   string

	httpClient *http.Client
}

// NewTestApp assembles the service the same way cmd/argus does and tears it
// down on t.Cleanup in dependency order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		hourlyLimit:     50_000,
		dailyLimit:      200_000,
		approvalTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Server:     &config.ServerConfig{Host: "127.0.0.1", Port: 0},
		LLM:        config.DefaultLLMConfig(),
		Budget:     &config.BudgetConfig{HourlyLimit: tc.hourlyLimit, DailyLimit: tc.dailyLimit, ReserveFraction: 0.30},
		Storage:    &config.StorageConfig{DataDir: dir, Backend: "sqlite"},
		Collectors: &config.CollectorsConfig{},
		Alerting:   &config.AlertingConfig{},
		Retention:  config.DefaultRetentionConfig(),
		Agent: &config.AgentConfig{
			MaxSteps:        8,
			LLMTurnTimeout:  10 * time.Second,
			ToolTimeout:     10 * time.Second,
			ApprovalTimeout: tc.approvalTimeout,
		},
		Ingest: &config.IngestConfig{MaxBatch: 500},
	}

	ctx := context.Background()
	m := metrics.New()
	b := bus.New()

	catalog, err := storage.NewClient(ctx, storage.Config{
		Backend: cfg.Storage.Backend,
		Path:    filepath.Join(dir, "catalog.db"),
	})
	require.NoError(t, err)

	series, err := timeseries.Open(filepath.Join(dir, "timeseries"), timeseries.WithLogger(logger))
	require.NoError(t, err)

	cls := classifier.New(classifier.DefaultThresholds())
	pipeline := classifier.NewPipeline(cls, b, logger)
	pipeline.Start()

	bm := budget.NewManager(budget.Config{
		HourlyLimit:     cfg.Budget.HourlyLimit,
		DailyLimit:      cfg.Budget.DailyLimit,
		ReserveFraction: cfg.Budget.ReserveFraction,
	}, b)
	bm.Start()

	sandbox, err := actions.NewSandbox(actions.DefaultAllowlist(), cfg.Agent.ToolTimeout)
	require.NoError(t, err)
	actionEngine := actions.NewEngine(b, catalog.Audit, sandbox, m, logger,
		actions.WithApprovalTimeout(cfg.Agent.ApprovalTimeout))

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, m, logger, tools.WithDefaultTimeout(cfg.Agent.ToolTimeout))

	var runner *agent.Runner
	if tc.scripted != nil {
		runner = agent.NewRunner(tc.scripted, registry, dispatcher, bm, b, m, logger,
			agent.Config{
				MaxSteps:    cfg.Agent.MaxSteps,
				TurnTimeout: cfg.Agent.LLMTurnTimeout,
				ResponsePad: 100,
				Provider:    "scripted",
			},
			agent.WithConversationStore(catalog.Conversations))
	}

	pool := investigator.NewPool(runner, catalog, bm, m, logger, investigator.Config{Workers: 1})
	pool.Start(ctx)

	alertEngine := alerting.NewEngine(catalog, b, m, logger,
		alerting.WithInvestigateHook(pool.Enqueue),
		alerting.WithResolveHook(func(alertID string) { pool.CancelForAlert(alertID) }))
	require.NoError(t, alertEngine.Start(ctx))

	require.NoError(t, tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Series:  series,
		Alerts:  alertEngine,
		Runner:  actionEngine,
		LogRoot: dir,
	}))

	chat := agent.NewChat(runner, b, logger)

	sched := scheduler.New(series, b, cls, bm, m, cfg.Retention, logger, scheduler.Config{})
	require.NoError(t, sched.Start(ctx))

	hub := push.NewHub(b, m, logger,
		push.WithChat(chat),
		push.WithApprovals(actionEngine),
		push.WithCanceller(chat),
		push.WithCanceller(pool),
		push.WithStatusSource(sched.Snapshot))
	hub.Start()

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

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.StartWithListener(ln) }()

	addr := ln.Addr().String()
	app := &TestApp{
		t:          t,
		Config:     cfg,
		Bus:        b,
		Catalog:    catalog,
		Series:     series,
		Budget:     bm,
		Alerts:     alertEngine,
		Actions:    actionEngine,
		Pool:       pool,
		Chat:       chat,
		Hub:        hub,
		LLM:        tc.scripted,
		BaseURL:    "http://" + addr,
		WSURL:      "ws://" + addr + "/ws",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	t.Cleanup(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
		select {
		case err := <-serveErr:
			if err != nil {
				t.Errorf("server exited with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("server did not exit after shutdown")
		}

		hub.Stop()
		alertEngine.Stop()
		pool.Stop()
		sched.Stop()
		bm.Stop()
		pipeline.Stop()
		if err := series.Close(); err != nil {
			t.Logf("closing timeseries store: %v", err)
		}
		if err := catalog.Close(); err != nil {
			t.Logf("closing catalog: %v", err)
		}
		b.Close()
	})

	return app
}

// ─── HTTP helpers ───────────────────────────────────────────────────────────

// Ingest posts a telemetry batch and requires HTTP 200.
func (app *TestApp) Ingest(events ...api.IngestEvent) api.IngestResponse {
	app.t.Helper()

	body, err := json.Marshal(api.IngestRequest{Events: events})
	require.NoError(app.t, err)

	resp, err := app.httpClient.Post(app.BaseURL+"/ingest", "application/json", bytes.NewReader(body))
	require.NoError(app.t, err)
	defer resp.Body.Close()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	var out api.IngestResponse
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// GetJSON fetches path and decodes the body into out when it is non-nil.
// Returns the status code.
func (app *TestApp) GetJSON(path string, out any) int {
	app.t.Helper()

	resp, err := app.httpClient.Get(app.BaseURL + path)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

// PostJSON posts body to path and decodes the response into out when it is
// non-nil. Returns the status code.
func (app *TestApp) PostJSON(path string, body, out any) int {
	app.t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(app.t, err)
		reader = bytes.NewReader(buf)
	}

	resp, err := app.httpClient.Post(app.BaseURL+path, "application/json", reader)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(app.t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}
