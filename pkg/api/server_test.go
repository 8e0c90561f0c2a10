package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/alerting"
	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/config"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/timeseries"
)

const testIngestKey = "argus-test-key-0001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStatus stands in for the scheduler's health snapshot. Tests mutate
// snap directly; the handler reads it live on every request.
type stubStatus struct {
	snap *bus.SystemStatus
}

func (s *stubStatus) Snapshot() *bus.SystemStatus { return s.snap }

// testEnv wires a Server onto real backing components: an embedded catalog,
// a telemetry store in a temp dir, a started alerting engine, and a started
// budget manager.
type testEnv struct {
	server  *Server
	bus     *bus.Bus
	catalog *storage.Client
	series  *timeseries.Store
	engine  *alerting.Engine
	budget  *budget.Manager
	health  *stubStatus
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	b := bus.New()
	t.Cleanup(b.Close)

	catalog, err := storage.NewClient(ctx, storage.Config{
		Backend: storage.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	series, err := timeseries.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = series.Close() })

	engine := alerting.NewEngine(catalog, b, nil, testLogger())
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	manager := budget.NewManager(budget.Config{
		HourlyLimit:     1_000,
		DailyLimit:      5_000,
		ReserveFraction: 0.30,
	}, b)
	manager.Start()
	t.Cleanup(manager.Stop)

	cfg := &config.Config{
		Server:     &config.ServerConfig{Host: "127.0.0.1", Port: 7600},
		LLM:        config.DefaultLLMConfig(),
		Budget:     &config.BudgetConfig{HourlyLimit: 1_000, DailyLimit: 5_000},
		Collectors: &config.CollectorsConfig{},
		Ingest:     &config.IngestConfig{APIKeys: []string{testIngestKey}, MaxBatch: 8},
	}

	health := &stubStatus{}
	env := &testEnv{
		server: NewServer(Deps{
			Config:  cfg,
			Alerts:  engine,
			Catalog: catalog,
			Series:  series,
			Budget:  manager,
			Bus:     b,
			Metrics: metrics.New(),
			Status:  health,
			Logger:  testLogger(),
		}),
		bus:     b,
		catalog: catalog,
		series:  series,
		engine:  engine,
		budget:  manager,
		health:  health,
		cfg:     cfg,
	}
	return env
}

// request serves one HTTP request through the full middleware chain and
// returns the recorder.
func (env *testEnv) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	return resp.Detail
}

func ingestHeaders() map[string]string {
	return map[string]string{ingestKeyHeader: testIngestKey}
}

func seedAlert(t *testing.T, env *testEnv, id, ruleID string, severity models.Severity, status models.AlertStatus) *models.Alert {
	t.Helper()
	a := &models.Alert{
		ID:        id,
		RuleID:    ruleID,
		DedupKey:  ruleID + ":" + id,
		Severity:  severity,
		Title:     "CPU usage critical on host",
		Summary:   "cpu_percent at 97.0",
		Source:    "system_metrics",
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
	require.NoError(t, env.catalog.Alerts.Insert(context.Background(), a))
	return a
}

func TestRoutesRequireNoTrailingSlash(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotEmpty(t, errorDetail(t, rec))
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "argus_store_queue_depth")
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
