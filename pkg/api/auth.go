package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// ingestKeyHeader carries the opaque SDK key on POST /ingest.
const ingestKeyHeader = "x-argus-key"

// requireIngestKey gates the ingest endpoint on a configured API key. With
// no keys configured, ingest is open (local development).
func (s *Server) requireIngestKey() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.cfg == nil || s.cfg.Ingest == nil {
				return next(c)
			}
			key := c.Request().Header.Get(ingestKeyHeader)
			if !s.cfg.Ingest.KeyAccepted(key) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid ingest key")
			}
			return next(c)
		}
	}
}

// extractActor extracts the operator identity from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func extractActor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
