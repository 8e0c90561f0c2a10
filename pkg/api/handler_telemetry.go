package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// defaultLookback bounds /logs and /security queries when the caller gives
// no window.
const defaultLookback = 24 * time.Hour

// LogsResponse is returned by GET /logs.
type LogsResponse struct {
	Logs      []map[string]any `json:"logs"`
	Truncated bool             `json:"truncated"`
}

// SecurityResponse is returned by GET /security: recent ingested security
// findings plus any security alerts that are still open.
type SecurityResponse struct {
	Findings []map[string]any `json:"findings"`
	Alerts   []*models.Alert  `json:"alerts"`
}

// logsHandler handles GET /logs.
func (s *Server) logsHandler(c *echo.Context) error {
	spec := timeseries.QuerySpec{
		Kind:      timeseries.KindLogIndex,
		Since:     time.Now().UTC().Add(-defaultLookback),
		OrderDesc: true,
	}

	if v := c.QueryParam("severity"); v != "" {
		severity := models.Severity(strings.ToUpper(v))
		if !severity.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid severity: must be INFO, NOTABLE, or URGENT")
		}
		spec.Filters = map[string]any{"severity": string(severity)}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		spec.Limit = n
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		spec.Since = t
	}
	if v := c.QueryParam("source"); v != "" {
		if spec.Filters == nil {
			spec.Filters = map[string]any{}
		}
		spec.Filters["source"] = v
	}

	res, err := s.series.Query(c.Request().Context(), spec)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &LogsResponse{Logs: res.Rows, Truncated: res.Truncated})
}

// securityHandler handles GET /security.
func (s *Server) securityHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	res, err := s.series.Query(ctx, timeseries.QuerySpec{
		Kind:      timeseries.KindSDKEvents,
		Filters:   map[string]any{"event_type": "security_finding"},
		Since:     time.Now().UTC().Add(-defaultLookback),
		OrderDesc: true,
		Limit:     50,
	})
	if err != nil {
		return mapServiceError(err)
	}

	open, err := s.alerts.List(ctx, models.AlertFilters{
		Status: models.AlertActive,
		RuleID: "security_event",
		Page:   1,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &SecurityResponse{Findings: res.Rows, Alerts: open.Alerts})
}
