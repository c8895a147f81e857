package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays the recognized environment variables onto cfg. A set
// but unparseable variable is an error rather than a silently kept
// default.
func applyEnv(cfg *Config) error {
	setString("MODEL_API_KEY", &cfg.Model.APIKey)
	setString("MODEL_BASE_URL", &cfg.Model.BaseURL)
	setString("MODEL_ROOT", &cfg.Model.Root)
	setList("MODEL_SUB_LIST", &cfg.Model.SubModels)
	setString("EXECUTE_TRANSPORT", &cfg.Execution.Transport)
	setString("EXECUTE_SERVICE_URL", &cfg.Execution.ServiceURL)
	setString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("EXEC_LISTEN_ADDR", &cfg.Server.ExecListenAddr)
	setString("TELEMETRY_DATABASE_URL", &cfg.Telemetry.DatabaseURL)

	counts := []struct {
		name   string
		target *int
	}{
		{"MAX_DEPTH", &cfg.Engine.MaxDepth},
		{"MAX_ITERATIONS", &cfg.Engine.MaxIterations},
		{"OUTPUT_TRUNCATE_BYTES", &cfg.Execution.OutputTruncateBytes},
		{"MAX_CODE_BYTES", &cfg.Execution.MaxCodeBytes},
		{"MAX_SESSIONS", &cfg.Session.MaxSessions},
		{"WORKER_POOL_SIZE", &cfg.Coordinator.Workers},
		{"CONCURRENCY", &cfg.Coordinator.Concurrency},
	}
	for _, v := range counts {
		if err := setInt(v.name, v.target); err != nil {
			return err
		}
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"MODEL_TIMEOUT_MS", &cfg.Model.Timeout},
		{"EXECUTION_TIMEOUT_MS", &cfg.Execution.Timeout},
		{"NETWORK_BUDGET_MS", &cfg.Execution.NetworkBudget},
		{"SESSION_IDLE_TTL_MS", &cfg.Session.IdleTTL},
		{"SESSION_ABSOLUTE_TTL_MS", &cfg.Session.AbsoluteTTL},
		{"SESSION_REAP_INTERVAL_MS", &cfg.Session.ReapInterval},
		{"TELEMETRY_RETENTION_MS", &cfg.Telemetry.RetentionMaxAge},
		{"TELEMETRY_SWEEP_INTERVAL_MS", &cfg.Telemetry.SweepInterval},
	}
	for _, v := range durations {
		if err := setMillis(v.name, v.target); err != nil {
			return err
		}
	}

	return nil
}

func setString(name string, target *string) {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		*target = value
	}
}

// setList parses a comma-separated value, trimming whitespace and
// dropping empty items.
func setList(name string, target *[]string) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*target = items
}

func setInt(name string, target *int) error {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidEnv, name, value)
	}
	*target = n
	return nil
}

func setMillis(name string, target *time.Duration) error {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a millisecond count", ErrInvalidEnv, name, value)
	}
	*target = time.Duration(n) * time.Millisecond
	return nil
}
