// Package transport decouples code execution from the reasoning loop. The
// Transport interface is the only execution surface the REPL environment
// sees; bindings exist for an in-process session manager and for a remote
// execution service speaking the HTTP wire protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/session"
)

// ErrUnavailable is returned when the execution service cannot be reached
// or answers outside its protocol.
var ErrUnavailable = errors.New("execution service unavailable")

// Transport modes.
const (
	ModeInProcess = "inprocess"
	ModeLoopback  = "loopback"
	ModeRemote    = "remote"
)

// Transport is the execution plane seen by a REPL environment. Bindings
// report missing sessions and capacity exhaustion via the session package
// sentinels, and reachability failures via ErrUnavailable.
type Transport interface {
	// CreateSession allocates a session and returns its identifier. The
	// owner tag is an optional observability label; it may be empty.
	CreateSession(ctx context.Context, ownerTag string) (string, error)

	// Execute runs code in the identified session. A zero timeout leaves
	// the choice to the execution side. Execution-level failures travel
	// inside Outputs; the error is reserved for session and transport
	// failures. Execute is never retried by the binding: once a request may
	// have reached the execution side, a retry could run the code twice.
	Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (*models.Outputs, error)

	// DestroySession releases a session. Destroying an unknown session is
	// not an error.
	DestroySession(ctx context.Context, sessionID string) error

	// Health reports whether the execution side is reachable and serving.
	Health(ctx context.Context) error

	Close() error
}

// Config selects and parameterizes a transport binding.
type Config struct {
	// Mode is one of ModeInProcess, ModeLoopback, ModeRemote.
	Mode string

	// ServiceURL is the execution service base URL for the loopback and
	// remote modes.
	ServiceURL string

	// Manager backs the in-process mode.
	Manager *session.Manager

	// ExecuteTimeout is the expected upper bound for one execution; the
	// HTTP binding adds NetworkBudget on top for its per-request deadline.
	ExecuteTimeout time.Duration
	NetworkBudget  time.Duration
}

// New builds the transport binding for cfg.Mode.
func New(cfg Config) (Transport, error) {
	switch cfg.Mode {
	case ModeInProcess, "":
		if cfg.Manager == nil {
			return nil, fmt.Errorf("in-process transport requires a session manager")
		}
		return NewInProcess(cfg.Manager), nil
	case ModeLoopback, ModeRemote:
		if cfg.ServiceURL == "" {
			return nil, fmt.Errorf("%s transport requires a service URL", cfg.Mode)
		}
		return NewHTTP(HTTPConfig{
			BaseURL:        cfg.ServiceURL,
			ExecuteTimeout: cfg.ExecuteTimeout,
			NetworkBudget:  cfg.NetworkBudget,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport mode: %q", cfg.Mode)
	}
}

// KindForError maps a transport error onto the execution error taxonomy.
func KindForError(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrCapacityExhausted):
		return models.ErrorKindCapacityExhausted
	case errors.Is(err, session.ErrNoSuchSession):
		return models.ErrorKindNoSuchSession
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCancelled
	default:
		return models.ErrorKindTransportUnavailable
	}
}
