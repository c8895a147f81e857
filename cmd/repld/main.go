// repld is the standalone execution service: it hosts sandbox sessions and
// serves the session wire protocol for daemons running in loopback or
// remote transport mode. It needs no model credentials.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rexxy-sasori/rlm/pkg/api"
	"github.com/rexxy-sasori/rlm/pkg/config"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/version"
)

const httpShutdownTimeout = 5 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting repld",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize sandbox runtime and session manager
	runtime := sandbox.NewRuntime(sandbox.Config{
		MaxCodeBytes: cfg.Execution.MaxCodeBytes,
		DefaultLimits: sandbox.Limits{
			WallTimeout:         cfg.Execution.Timeout,
			OutputTruncateBytes: cfg.Execution.OutputTruncateBytes,
		},
	})
	manager := session.NewManager(runtime, session.Config{
		MaxSessions: cfg.Session.MaxSessions,
		IdleTTL:     cfg.Session.IdleTTL,
		AbsoluteTTL: cfg.Session.AbsoluteTTL,
	})
	defer manager.Close()

	reaper := session.NewReaper(manager, cfg.Session.ReapInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	slog.Info("Session manager initialized",
		"max_sessions", cfg.Session.MaxSessions,
		"idle_ttl", cfg.Session.IdleTTL,
		"absolute_ttl", cfg.Session.AbsoluteTTL)

	// 3. Start HTTP server (non-blocking)
	httpServer := api.NewExecutionServer(manager)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.ExecListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("repld started successfully", "addr", cfg.Server.ExecListenAddr)

	// 4. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 5. Graceful shutdown. Stop accepting requests, then let the deferred
	// reaper stop and manager close tear down the remaining sessions.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
