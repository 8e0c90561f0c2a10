package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// budgetHandler handles GET /budget.
func (s *Server) budgetHandler(c *echo.Context) error {
	if s.budget == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "budget manager not available")
	}

	status, err := s.budget.Status()
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, status)
}
