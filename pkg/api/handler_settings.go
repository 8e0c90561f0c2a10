package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// SettingsResponse is returned by GET /settings. Secrets never leave the
// server: ingest keys are masked and the LLM key is reported only as
// configured or not.
type SettingsResponse struct {
	Server struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		PublicURL string `json:"public_url,omitempty"`
	} `json:"server"`
	LLM struct {
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		Configured bool   `json:"configured"`
	} `json:"llm"`
	Budget struct {
		HourlyLimit int `json:"hourly_limit"`
		DailyLimit  int `json:"daily_limit"`
	} `json:"budget"`
	Collectors struct {
		Enabled  bool     `json:"enabled"`
		LogPaths []string `json:"log_paths,omitempty"`
	} `json:"collectors"`
	Ingest struct {
		APIKeys  []string `json:"api_keys"`
		MaxBatch int      `json:"max_batch"`
	} `json:"ingest"`
}

// settingsHandler handles GET /settings.
func (s *Server) settingsHandler(c *echo.Context) error {
	resp := &SettingsResponse{}
	if s.cfg == nil {
		return c.JSON(http.StatusOK, resp)
	}

	if s.cfg.Server != nil {
		resp.Server.Host = s.cfg.Server.Host
		resp.Server.Port = s.cfg.Server.Port
		resp.Server.PublicURL = s.cfg.Server.PublicURL
	}
	if s.cfg.LLM != nil {
		resp.LLM.Provider = s.cfg.LLM.Provider
		resp.LLM.Model = s.cfg.LLM.Model
		resp.LLM.Configured = s.cfg.LLM.Configured()
	}
	if s.cfg.Budget != nil {
		resp.Budget.HourlyLimit = s.cfg.Budget.HourlyLimit
		resp.Budget.DailyLimit = s.cfg.Budget.DailyLimit
	}
	if s.cfg.Collectors != nil {
		resp.Collectors.Enabled = s.cfg.Collectors.Enabled
		resp.Collectors.LogPaths = s.cfg.Collectors.LogPaths
	}
	if s.cfg.Ingest != nil {
		resp.Ingest.APIKeys = s.cfg.Ingest.MaskedKeys()
		resp.Ingest.MaxBatch = s.cfg.Ingest.MaxBatch
	}

	return c.JSON(http.StatusOK, resp)
}
