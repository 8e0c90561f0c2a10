package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck reports the state of one internal component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// StoreStatus is the append-queue view inside GET /status.
type StoreStatus struct {
	QueueDepth int  `json:"queue_depth"`
	Saturated  bool `json:"saturated"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status               string            `json:"status"`
	Version              string            `json:"version"`
	Health               *bus.SystemStatus `json:"health,omitempty"`
	ActiveAlerts         int               `json:"active_alerts"`
	ActiveInvestigations int               `json:"active_investigations"`
	Connections          int               `json:"connections"`
	Store                StoreStatus       `json:"store"`
}

// healthzHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access. Only
// the server's own components (catalog, telemetry store) are checked, so an
// unhealthy LLM provider never makes the orchestrator restart the server.
func (s *Server) healthzHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.catalog != nil {
		if err := s.catalog.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["catalog"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["catalog"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.series != nil {
		if s.series.Saturated() {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["timeseries"] = HealthCheck{Status: healthStatusDegraded, Message: "append queue saturated"}
		} else {
			checks["timeseries"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// statusHandler handles GET /status: the operator-facing summary combining
// the scheduler's last health check with live counters.
func (s *Server) statusHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	resp := &StatusResponse{
		Status:  "ok",
		Version: version.GitCommit,
	}

	if s.status != nil {
		resp.Health = s.status.Snapshot()
		if resp.Health != nil && !resp.Health.Healthy {
			resp.Status = "degraded"
		}
	}
	if s.catalog != nil {
		if n, err := s.catalog.Alerts.ActiveCount(ctx); err == nil {
			resp.ActiveAlerts = n
		}
		if n, err := s.catalog.Investigations.ActiveCount(ctx); err == nil {
			resp.ActiveInvestigations = n
		}
	}
	if s.hub != nil {
		resp.Connections = s.hub.ActiveConnections()
	}
	if s.series != nil {
		resp.Store = StoreStatus{QueueDepth: s.series.Depth(), Saturated: s.series.Saturated()}
		if resp.Store.Saturated {
			resp.Status = "degraded"
		}
	}

	return c.JSON(http.StatusOK, resp)
}
