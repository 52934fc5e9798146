// Parley kernel server: runs the inner-dialogue orchestrator and exposes
// it over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parley-project/parley/pkg/api"
	"github.com/parley-project/parley/pkg/config"
	"github.com/parley-project/parley/pkg/kernel"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("PARLEY_CONFIG", ""),
		"Path to configuration file (empty for defaults)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting parley", "config", *configPath)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Assemble the kernel: bus, registry, scheduler, tool shim
	k, err := kernel.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to build kernel", "error", err)
		os.Exit(1)
	}

	// 3. Start the scheduling loop (non-blocking)
	k.Start(ctx)
	slog.Info("Kernel running",
		"journal_dir", cfg.Bus.Dir,
		"agents", len(cfg.Agents),
		"tool_adapters", len(cfg.Tool.Adapters))

	// 4. Start HTTP server (non-blocking)
	httpServer := api.NewServer(k, cfg.API, slog.Default())
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 5. Wait for a signal, a server error, or a shutdown request over the API
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case <-k.Done():
		slog.Info("Kernel control loop exited, shutting down")
	}

	// 6. Graceful shutdown: stop accepting requests, then drain the kernel
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Kernel stop preempts the running turn, kills tools, and flushes the
	// journal before closing it.
	if err := k.Stop(10 * time.Second); err != nil {
		slog.Error("Kernel shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
