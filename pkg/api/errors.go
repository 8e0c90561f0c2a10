package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/timeseries"
)

// ErrorResponse is the uniform error body for every REST endpoint.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *storage.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, storage.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "resource was modified concurrently, re-read and retry")
	}
	if errors.Is(err, budget.ErrRefused) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "llm budget exhausted, retry later")
	}
	if errors.Is(err, timeseries.ErrInvalidQuery) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// errorHandler renders every handler error as a {detail} body. Echo's
// default handler emits {message}; the UIs consume {detail}.
func errorHandler(logger *slog.Logger) func(c *echo.Context, err error) {
	return func(c *echo.Context, err error) {
		if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && resp.Committed {
			return
		}

		code := http.StatusInternalServerError
		detail := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			detail = fmt.Sprintf("%v", he.Message)
		} else {
			logger.Error("Unhandled request error", "error", err, "path", c.Request().URL.Path)
		}

		if werr := c.JSON(code, &ErrorResponse{Detail: detail}); werr != nil {
			logger.Error("Failed to write error response", "error", werr)
		}
	}
}
