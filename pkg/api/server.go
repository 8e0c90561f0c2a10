// Package api hosts the HTTP surface of the agent server: the telemetry
// ingest endpoint, the REST catalog endpoints consumed by UIs, the realtime
// WebSocket, and the operational endpoints (health, prometheus metrics).
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/alerting"
	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/config"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/push"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/timeseries"
)

const shutdownTimeout = 10 * time.Second

// StatusSource supplies the most recent health snapshot for GET /status.
// The scheduler's periodic health check implements it.
type StatusSource interface {
	Snapshot() *bus.SystemStatus
}

// Deps collects everything the HTTP surface serves from. Optional members
// (Hub, Budget, Metrics, Status) may be nil; the endpoints depending on them
// degrade instead of failing at startup.
type Deps struct {
	Config  *config.Config
	Alerts  *alerting.Engine
	Catalog *storage.Client
	Series  *timeseries.Store
	Budget  *budget.Manager
	Bus     *bus.Bus
	Hub     *push.Hub
	Metrics *metrics.Metrics
	Status  StatusSource
	Logger  *slog.Logger
}

// Server owns the echo instance and the listener lifecycle.
type Server struct {
	echo    *echo.Echo
	httpSrv *http.Server
	logger  *slog.Logger

	cfg     *config.Config
	alerts  *alerting.Engine
	catalog *storage.Client
	series  *timeseries.Store
	budget  *budget.Manager
	bus     *bus.Bus
	hub     *push.Hub
	metrics *metrics.Metrics
	status  StatusSource
}

// NewServer wires the handlers onto a fresh echo instance. The listener is
// not started until Start.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:    echo.New(),
		logger:  logger.With("component", "api"),
		cfg:     deps.Config,
		alerts:  deps.Alerts,
		catalog: deps.Catalog,
		series:  deps.Series,
		budget:  deps.Budget,
		bus:     deps.Bus,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		status:  deps.Status,
	}

	s.echo.HTTPErrorHandler = errorHandler(s.logger)
	s.echo.Use(requestLogger(s.logger))
	s.echo.Use(securityHeaders())
	if deps.Config != nil && deps.Config.Server != nil && len(deps.Config.Server.CORSOrigins) > 0 {
		s.echo.Use(corsMiddleware(deps.Config.Server.CORSOrigins))
	}

	s.registerRoutes()
	return s
}

// registerRoutes binds every endpoint. Operational routes first so they are
// never shadowed.
func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthzHandler)
	e.GET("/metrics", s.metricsHandler)

	e.POST("/ingest", s.ingestHandler, s.requireIngestKey())
	e.GET("/ws", s.wsHandler)

	e.GET("/alerts", s.listAlertsHandler)
	e.POST("/alerts/:id/acknowledge", s.acknowledgeAlertHandler)
	e.POST("/alerts/:id/resolve", s.resolveAlertHandler)

	e.GET("/rules", s.listRulesHandler)
	e.POST("/rules/:id/mute", s.muteRuleHandler)
	e.POST("/rules/:id/unmute", s.unmuteRuleHandler)

	e.GET("/investigations", s.listInvestigationsHandler)
	e.GET("/budget", s.budgetHandler)
	e.GET("/logs", s.logsHandler)
	e.GET("/security", s.securityHandler)
	e.GET("/status", s.statusHandler)
	e.GET("/settings", s.settingsHandler)
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Shutdown is called; a clean shutdown returns nil.
func (s *Server) Start() error {
	addr := ":7600"
	if s.cfg != nil && s.cfg.Server != nil {
		addr = s.cfg.Server.Addr()
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// StartWithListener serves on an already-bound listener. Tests bind port
// zero and read the real address back from the listener.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// metricsHandler serves the prometheus registry in exposition format.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics not available")
	}
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
