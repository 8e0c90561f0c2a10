package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/models"
)

// listAlertsHandler handles GET /alerts.
func (s *Server) listAlertsHandler(c *echo.Context) error {
	filters := models.AlertFilters{Page: 1}

	if v := c.QueryParam("status"); v != "" {
		status := models.AlertStatus(strings.ToLower(v))
		switch status {
		case models.AlertActive, models.AlertAcknowledged, models.AlertResolved:
			filters.Status = status
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be active, acknowledged, or resolved")
		}
	}
	if v := c.QueryParam("severity"); v != "" {
		severity := models.Severity(strings.ToUpper(v))
		if !severity.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid severity: must be INFO, NOTABLE, or URGENT")
		}
		filters.Severity = severity
	}
	filters.RuleID = c.QueryParam("rule_id")
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			filters.Page = p
		}
	}
	if v := c.QueryParam("per_page"); v != "" {
		if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 100 {
			filters.PerPage = pp
		}
	}

	page, err := s.alerts.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// acknowledgeAlertHandler handles POST /alerts/:id/acknowledge.
func (s *Server) acknowledgeAlertHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "alert id is required")
	}

	alert, err := s.alerts.Acknowledge(c.Request().Context(), id, extractActor(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, alert)
}

// resolveAlertHandler handles POST /alerts/:id/resolve.
func (s *Server) resolveAlertHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "alert id is required")
	}

	alert, err := s.alerts.Resolve(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, alert)
}
