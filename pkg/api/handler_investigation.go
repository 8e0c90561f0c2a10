package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/models"
)

// listInvestigationsHandler handles GET /investigations.
func (s *Server) listInvestigationsHandler(c *echo.Context) error {
	var status models.InvestigationStatus
	if v := c.QueryParam("status"); v != "" {
		status = models.InvestigationStatus(v)
		switch status {
		case models.InvestigationQueued, models.InvestigationRunning,
			models.InvestigationCompleted, models.InvestigationFailed,
			models.InvestigationCancelled:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}

	page := 1
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	perPage := 20
	if v := c.QueryParam("per_page"); v != "" {
		if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 100 {
			perPage = pp
		}
	}

	result, err := s.catalog.Investigations.List(c.Request().Context(), status, page, perPage)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
