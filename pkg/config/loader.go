package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML overlay read from the config
// directory.
const ConfigFileName = "rlm.yaml"

// Initialize loads, overlays, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Start from the built-in defaults
//  2. Merge rlm.yaml from configDir when present ({{.VAR}} expanded)
//  3. Overlay the recognized environment variables
//  4. Validate the result
//
// Initialize runs the deployment-independent checks only; the inference
// daemon additionally calls ValidateInference for model credentials.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"transport", cfg.Execution.Transport,
		"max_depth", cfg.Engine.MaxDepth,
		"workers", cfg.Coordinator.Workers,
		"concurrency", cfg.Coordinator.Concurrency,
		"telemetry", cfg.Telemetry.DatabaseURL != "")

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	overlay, err := loadYAML(configDir)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		// Non-zero overlay fields win over defaults.
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", ConfigFileName, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, NewLoadError("environment", err)
	}

	return cfg, nil
}

// loadYAML reads the optional overlay file. A missing file is not an
// error: environment-only deployments are the common case.
func loadYAML(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return &overlay, nil
}
