package config

import "time"

// Built-in defaults. The sandbox and session packages carry the same
// values for callers that bypass configuration; keep them in lockstep.
const (
	DefaultMaxDepth      = 1
	DefaultMaxIterations = 20

	DefaultTransport           = "inprocess"
	DefaultExecutionTimeout    = 30 * time.Second
	DefaultNetworkBudget       = 5 * time.Second
	DefaultOutputTruncateBytes = 16 * 1024
	DefaultMaxCodeBytes        = 256 * 1024

	DefaultMaxSessions         = 100
	DefaultSessionIdleTTL      = 10 * time.Minute
	DefaultSessionAbsoluteTTL  = time.Hour
	DefaultSessionReapInterval = 30 * time.Second

	DefaultWorkers     = 3
	DefaultConcurrency = 5

	DefaultModelTimeout = 120 * time.Second

	DefaultListenAddr     = ":8080"
	DefaultExecListenAddr = ":8081"
)

// DefaultConfig returns the built-in configuration baseline.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Timeout: DefaultModelTimeout,
		},
		Engine: EngineConfig{
			MaxDepth:      DefaultMaxDepth,
			MaxIterations: DefaultMaxIterations,
		},
		Execution: ExecutionConfig{
			Transport:           DefaultTransport,
			Timeout:             DefaultExecutionTimeout,
			NetworkBudget:       DefaultNetworkBudget,
			OutputTruncateBytes: DefaultOutputTruncateBytes,
			MaxCodeBytes:        DefaultMaxCodeBytes,
		},
		Session: SessionConfig{
			MaxSessions:  DefaultMaxSessions,
			IdleTTL:      DefaultSessionIdleTTL,
			AbsoluteTTL:  DefaultSessionAbsoluteTTL,
			ReapInterval: DefaultSessionReapInterval,
		},
		Coordinator: CoordinatorConfig{
			Workers:     DefaultWorkers,
			Concurrency: DefaultConcurrency,
		},
		Server: ServerConfig{
			ListenAddr:     DefaultListenAddr,
			ExecListenAddr: DefaultExecListenAddr,
		},
	}
}
