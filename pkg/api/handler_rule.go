package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/models"
)

// RulesResponse is returned by GET /rules.
type RulesResponse struct {
	Rules []*models.AlertRule `json:"rules"`
}

// MuteRequest is the POST /rules/:id/mute body.
type MuteRequest struct {
	DurationHours float64 `json:"duration_hours"`
}

// listRulesHandler handles GET /rules.
func (s *Server) listRulesHandler(c *echo.Context) error {
	rules, err := s.alerts.Rules(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &RulesResponse{Rules: rules})
}

// muteRuleHandler handles POST /rules/:id/mute. Muting an already-muted rule
// extends the window; it never shortens one.
func (s *Server) muteRuleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}

	var req MuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DurationHours <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "duration_hours must be positive")
	}

	d := time.Duration(req.DurationHours * float64(time.Hour))
	rule, err := s.alerts.Mute(c.Request().Context(), id, d)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// unmuteRuleHandler handles POST /rules/:id/unmute.
func (s *Server) unmuteRuleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule id is required")
	}

	rule, err := s.alerts.Unmute(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rule)
}
