// rlmd is the inference daemon: it serves the /infer API, runs the task
// coordinator, and hosts the execution plane in-process unless configured
// to reach a separate execution service.
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
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/queue"
	"github.com/rexxy-sasori/rlm/pkg/recursion"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
	"github.com/rexxy-sasori/rlm/pkg/version"
)

// Shutdown budgets. The coordinator gets the longest one: draining means
// letting in-flight reasoning trees finish.
const (
	coordinatorDrainTimeout = 30 * time.Second
	httpShutdownTimeout     = 5 * time.Second
	recorderCloseTimeout    = 5 * time.Second
)

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

	slog.Info("Starting rlmd",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateInference(); err != nil {
		slog.Error("Inference configuration incomplete", "error", err)
		os.Exit(1)
	}

	// 2. Initialize telemetry recorder. An empty database URL disables
	// persistence; the daemon runs fine without it.
	var recorder telemetry.Recorder = telemetry.NopRecorder{}
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.DatabaseURL != "" {
		client, err := telemetry.NewClient(ctx, telemetry.Config{
			DatabaseURL: cfg.Telemetry.DatabaseURL,
		})
		if err != nil {
			slog.Error("Failed to initialize telemetry recorder", "error", err)
			os.Exit(1)
		}
		recorder = client
		telemetryClient = client
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), recorderCloseTimeout)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			slog.Error("Error closing telemetry recorder", "error", err)
		}
	}()

	// The retention sweeper stops before the recorder closes its pool.
	if telemetryClient != nil {
		sweeper := telemetry.NewSweeper(telemetryClient, telemetry.RetentionConfig{
			MaxAge:   cfg.Telemetry.RetentionMaxAge,
			Interval: cfg.Telemetry.SweepInterval,
		})
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// 3. Execution plane. In-process mode hosts the sandbox sessions inside
	// this daemon; loopback and remote modes reach an execution service over
	// HTTP and need no local state.
	var manager *session.Manager
	if cfg.Execution.Transport == config.TransportInProcess {
		runtime := sandbox.NewRuntime(sandbox.Config{
			MaxCodeBytes: cfg.Execution.MaxCodeBytes,
			DefaultLimits: sandbox.Limits{
				WallTimeout:         cfg.Execution.Timeout,
				OutputTruncateBytes: cfg.Execution.OutputTruncateBytes,
			},
		})
		manager = session.NewManager(runtime, session.Config{
			MaxSessions: cfg.Session.MaxSessions,
			IdleTTL:     cfg.Session.IdleTTL,
			AbsoluteTTL: cfg.Session.AbsoluteTTL,
		})
		defer manager.Close()

		reaper := session.NewReaper(manager, cfg.Session.ReapInterval)
		reaper.Start(ctx)
		defer reaper.Stop()

		slog.Info("In-process execution runtime initialized",
			"max_sessions", cfg.Session.MaxSessions)
	}

	// 4. Execution transport
	tp, err := transport.New(transport.Config{
		Mode:           cfg.Execution.Transport,
		ServiceURL:     cfg.Execution.ServiceURL,
		Manager:        manager,
		ExecuteTimeout: cfg.Execution.Timeout,
		NetworkBudget:  cfg.Execution.NetworkBudget,
	})
	if err != nil {
		slog.Error("Failed to initialize execution transport", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tp.Close(); err != nil {
			slog.Error("Error closing execution transport", "error", err)
		}
	}()
	slog.Info("Execution transport initialized", "mode", cfg.Execution.Transport)

	// 5. Model client
	modelClient := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Timeout: cfg.Model.Timeout,
	})
	defer func() {
		if err := modelClient.Close(); err != nil {
			slog.Error("Error closing model client", "error", err)
		}
	}()
	slog.Info("Model client initialized",
		"root_model", cfg.Model.Root,
		"sub_models", len(cfg.Model.SubModels))

	// 6. Recursion controller
	controller, err := recursion.New(recursion.Config{
		RootModel:        cfg.Model.Root,
		SubModels:        cfg.Model.SubModels,
		MaxDepth:         cfg.Engine.MaxDepth,
		MaxIterations:    cfg.Engine.MaxIterations,
		ExecutionTimeout: cfg.Execution.Timeout,
		MaxOutputTokens:  cfg.Engine.MaxOutputTokens,
	}, modelClient, tp, recorder)
	if err != nil {
		slog.Error("Failed to initialize recursion controller", "error", err)
		os.Exit(1)
	}

	// 7. Start task coordinator (before the HTTP server)
	coordinator, err := queue.NewCoordinator(controller, queue.Config{
		Workers: cfg.Coordinator.Workers,
		Permits: cfg.Coordinator.Concurrency,
	})
	if err != nil {
		slog.Error("Failed to initialize task coordinator", "error", err)
		os.Exit(1)
	}
	if err := coordinator.Start(ctx); err != nil {
		slog.Error("Failed to start task coordinator", "error", err)
		os.Exit(1)
	}

	// 8. Start HTTP server (non-blocking)
	httpServer := api.NewInferenceServer(coordinator)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.ListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("rlmd started successfully",
		"workers", cfg.Coordinator.Workers,
		"concurrency", cfg.Coordinator.Concurrency,
		"max_depth", cfg.Engine.MaxDepth)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case err := <-coordinator.Fatal():
		slog.Error("Unrecoverable model error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown. Drain the coordinator first so in-flight trees
	// finish; past the budget, cancel them and wait for the workers to exit.
	drainCtx, drainCancel := context.WithTimeout(ctx, coordinatorDrainTimeout)
	defer drainCancel()

	done := make(chan struct{})
	go func() {
		coordinator.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Coordinator drained gracefully")
	case <-drainCtx.Done():
		slog.Warn("Coordinator drain timeout exceeded, cancelling in-flight tasks")
		coordinator.CancelAll()
		<-done
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
