package config

import "fmt"

// Execution transport modes recognized by Validate. The transport package
// binds the same literals.
const (
	TransportInProcess = "inprocess"
	TransportLoopback  = "loopback"
	TransportRemote    = "remote"
)

// Validate checks the invariants every deployment needs, failing fast at
// the first violation. Model credentials are deliberately not checked
// here so the execution daemon can run without them.
func (c *Config) Validate() error {
	if c.Engine.MaxDepth < 1 {
		return NewValidationError("engine", "max_depth", fmt.Errorf("must be >= 1, got %d", c.Engine.MaxDepth))
	}
	if c.Engine.MaxIterations < 1 {
		return NewValidationError("engine", "max_iterations", fmt.Errorf("must be >= 1, got %d", c.Engine.MaxIterations))
	}
	if c.Engine.MaxOutputTokens < 0 {
		return NewValidationError("engine", "max_output_tokens", fmt.Errorf("must be >= 0, got %d", c.Engine.MaxOutputTokens))
	}

	switch c.Execution.Transport {
	case TransportInProcess:
	case TransportLoopback, TransportRemote:
		if c.Execution.ServiceURL == "" {
			return NewValidationError("execution", "service_url", fmt.Errorf("required for transport %q", c.Execution.Transport))
		}
	default:
		return NewValidationError("execution", "transport", fmt.Errorf("must be inprocess, loopback, or remote, got %q", c.Execution.Transport))
	}
	if c.Execution.Timeout <= 0 {
		return NewValidationError("execution", "timeout", fmt.Errorf("must be positive, got %v", c.Execution.Timeout))
	}
	if c.Execution.NetworkBudget <= 0 {
		return NewValidationError("execution", "network_budget", fmt.Errorf("must be positive, got %v", c.Execution.NetworkBudget))
	}
	if c.Execution.OutputTruncateBytes < 1 {
		return NewValidationError("execution", "output_truncate_bytes", fmt.Errorf("must be >= 1, got %d", c.Execution.OutputTruncateBytes))
	}
	if c.Execution.MaxCodeBytes < 1 {
		return NewValidationError("execution", "max_code_bytes", fmt.Errorf("must be >= 1, got %d", c.Execution.MaxCodeBytes))
	}

	if c.Session.MaxSessions < 1 {
		return NewValidationError("session", "max_sessions", fmt.Errorf("must be >= 1, got %d", c.Session.MaxSessions))
	}
	if c.Session.IdleTTL <= 0 {
		return NewValidationError("session", "idle_ttl", fmt.Errorf("must be positive, got %v", c.Session.IdleTTL))
	}
	if c.Session.AbsoluteTTL <= 0 {
		return NewValidationError("session", "absolute_ttl", fmt.Errorf("must be positive, got %v", c.Session.AbsoluteTTL))
	}
	if c.Session.ReapInterval <= 0 {
		return NewValidationError("session", "reap_interval", fmt.Errorf("must be positive, got %v", c.Session.ReapInterval))
	}

	if c.Coordinator.Workers < 1 {
		return NewValidationError("coordinator", "workers", fmt.Errorf("must be >= 1, got %d", c.Coordinator.Workers))
	}
	if c.Coordinator.Concurrency < 1 {
		return NewValidationError("coordinator", "concurrency", fmt.Errorf("must be >= 1, got %d", c.Coordinator.Concurrency))
	}

	if c.Model.Timeout <= 0 {
		return NewValidationError("model", "timeout", fmt.Errorf("must be positive, got %v", c.Model.Timeout))
	}

	if c.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", fmt.Errorf("must not be empty"))
	}
	if c.Server.ExecListenAddr == "" {
		return NewValidationError("server", "exec_listen_addr", fmt.Errorf("must not be empty"))
	}

	return nil
}

// ValidateInference adds the checks the inference daemon needs on top of
// Validate: provider credentials and a usable model ladder.
func (c *Config) ValidateInference() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Model.APIKey == "" {
		return NewValidationError("model", "api_key", fmt.Errorf("MODEL_API_KEY is required"))
	}
	if c.Model.Root == "" {
		return NewValidationError("model", "root", fmt.Errorf("MODEL_ROOT is required"))
	}
	if c.Engine.MaxDepth > 1 && len(c.Model.SubModels) == 0 {
		return NewValidationError("model", "sub_models", fmt.Errorf("MODEL_SUB_LIST is required when max_depth > 1"))
	}

	return nil
}
