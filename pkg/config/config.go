// Package config loads and validates service configuration. Settings come
// from three layers: built-in defaults, an optional rlm.yaml in the config
// directory, and environment variables, each overriding the one before it.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// threaded through service construction.
type Config struct {
	configDir string

	Model       ModelConfig       `yaml:"model"`
	Engine      EngineConfig      `yaml:"engine"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Session     SessionConfig     `yaml:"session"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ModelConfig selects the external model provider and the model ladder.
type ModelConfig struct {
	// APIKey authenticates against the provider. Required for inference.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint. Empty uses the provider
	// default.
	BaseURL string `yaml:"base_url"`

	// Root is the depth-0 model id.
	Root string `yaml:"root"`

	// SubModels are the model ids for depths >= 1, outermost first. The
	// last entry serves all deeper levels.
	SubModels []string `yaml:"sub_models"`

	// Timeout bounds one model call including retries.
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig bounds the reasoning engine.
type EngineConfig struct {
	// MaxDepth is the recursion bound; 1 disables sub-reasoners.
	MaxDepth int `yaml:"max_depth"`

	// MaxIterations is the per-level hard iteration cap.
	MaxIterations int `yaml:"max_iterations"`

	// MaxOutputTokens caps one model response; 0 uses the provider
	// default.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// ExecutionConfig selects the execution transport and its limits.
type ExecutionConfig struct {
	// Transport is one of "inprocess", "loopback", "remote".
	Transport string `yaml:"transport"`

	// ServiceURL is the execution service base URL for the loopback and
	// remote transports.
	ServiceURL string `yaml:"service_url"`

	// Timeout is the default sandbox wall-timeout per execution.
	Timeout time.Duration `yaml:"timeout"`

	// NetworkBudget is added on top of Timeout for the HTTP transport's
	// per-request deadline.
	NetworkBudget time.Duration `yaml:"network_budget"`

	// OutputTruncateBytes caps each captured stream.
	OutputTruncateBytes int `yaml:"output_truncate_bytes"`

	// MaxCodeBytes caps one code submission.
	MaxCodeBytes int `yaml:"max_code_bytes"`
}

// SessionConfig bounds the session manager.
type SessionConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	AbsoluteTTL  time.Duration `yaml:"absolute_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// CoordinatorConfig bounds the task coordinator.
type CoordinatorConfig struct {
	// Workers is the reasoning worker pool size.
	Workers int `yaml:"workers"`

	// Concurrency is the permit count: the number of reasoning trees in
	// flight plus queued.
	Concurrency int `yaml:"concurrency"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	// ListenAddr is the inference server address.
	ListenAddr string `yaml:"listen_addr"`

	// ExecListenAddr is the execution server address.
	ExecListenAddr string `yaml:"exec_listen_addr"`
}

// TelemetryConfig selects the telemetry sink.
type TelemetryConfig struct {
	// DatabaseURL is the telemetry store DSN. Empty disables persistence.
	DatabaseURL string `yaml:"database_url"`

	// RetentionMaxAge bounds how long records are kept; zero uses the
	// recorder's default.
	RetentionMaxAge time.Duration `yaml:"retention_max_age"`

	// SweepInterval is the retention sweep cadence; zero uses the
	// recorder's default.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ConfigDir returns the directory Initialize loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
