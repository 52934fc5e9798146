package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-project/parley/pkg/bus"
	"github.com/parley-project/parley/pkg/stream"
)

// mapKernelError maps kernel and bus errors to HTTP error responses.
func mapKernelError(err error) *echo.HTTPError {
	if errors.Is(err, bus.ErrBusClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus is closed")
	}
	if errors.Is(err, bus.ErrBackpressure) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "event bus is at capacity")
	}
	if errors.Is(err, stream.ErrStreamUnknown) {
		return echo.NewHTTPError(http.StatusNotFound, "stream not found")
	}
	if errors.Is(err, stream.ErrTooManyStreams) {
		return echo.NewHTTPError(http.StatusConflict, "tool stream limit reached")
	}

	// Unexpected error
	slog.Error("Unexpected kernel error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
