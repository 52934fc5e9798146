// Package api exposes the kernel over HTTP: health, event tailing, user
// input, shutdown, and a WebSocket feed of the live event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-project/parley/pkg/config"
	"github.com/parley-project/parley/pkg/kernel"
)

// Server is the HTTP surface over one kernel.
type Server struct {
	k      *kernel.Kernel
	cfg    config.APIConfig
	e      *echo.Echo
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the echo app with all routes registered.
func NewServer(k *kernel.Kernel, cfg config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{k: k, cfg: cfg, logger: logger}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	e.GET("/api/v1/events", s.eventsHandler)
	e.GET("/api/v1/streams", s.streamsHandler)
	e.POST("/api/v1/user", s.postUserHandler)
	e.POST("/api/v1/override", s.overrideHandler)
	e.POST("/api/v1/shutdown", s.shutdownHandler)
	e.POST("/api/v1/tools/:stream/cancel", s.cancelToolHandler)
	e.GET("/ws", s.wsHandler)

	s.e = e
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: e}
	return s
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start blocks serving on the configured address.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.ListenAddr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's budget.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
