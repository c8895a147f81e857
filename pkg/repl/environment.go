// Package repl binds one transport-backed sandbox session and an optional
// sub-reasoner to the tool surface the reasoning loop dispatches against.
package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/agent/prompt"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
)

const (
	// capacityRetryDelay is how long to wait before the single retry of
	// session creation after capacity_exhausted.
	capacityRetryDelay = time.Second

	// closeTimeout bounds session destruction on Close. Close uses its own
	// context so cleanup still runs when the level's context is already
	// cancelled.
	closeTimeout = 10 * time.Second
)

// SubAsker delegates a sub-question to a child reasoning level and
// returns its final answer. nil at the deepest level.
type SubAsker func(ctx context.Context, query string) (string, error)

// Options configures an Environment.
type Options struct {
	// Timeout overrides the execution side's default wall timeout for
	// each run_code call; zero keeps the default.
	Timeout time.Duration

	// SubAsker services ask_sub_rlm calls. When nil the tool is not
	// advertised and any such call reports unknown_tool.
	SubAsker SubAsker

	// Telemetry records code executions; nil disables recording.
	Telemetry telemetry.Recorder

	// RecursionID and Depth label telemetry records.
	RecursionID string
	Depth       int
}

// Environment implements agent.ToolExecutor over one sandbox session.
// Safe for use by a single reasoning loop; Close may race with RunCode
// from a reaper or cancellation path, so both take the mutex.
type Environment struct {
	transport   transport.Transport
	sessionID   string
	timeout     time.Duration
	subAsker    SubAsker
	telemetry   telemetry.Recorder
	recursionID string
	depth       int

	mu        sync.Mutex
	closed    bool
	execCount int
}

// New creates the environment's session via the transport and fails fast
// when the execution side is unavailable. A capacity_exhausted rejection
// is retried once after capacityRetryDelay; a second rejection fails
// construction.
func New(ctx context.Context, tp transport.Transport, opts Options) (*Environment, error) {
	sessionID, err := createSession(ctx, tp, opts.RecursionID)
	if err != nil {
		return nil, fmt.Errorf("create repl session: %w", err)
	}

	return &Environment{
		transport:   tp,
		sessionID:   sessionID,
		timeout:     opts.Timeout,
		subAsker:    opts.SubAsker,
		telemetry:   opts.Telemetry,
		recursionID: opts.RecursionID,
		depth:       opts.Depth,
	}, nil
}

// createSession tags the session with the owning recursion id so session
// listings can be traced back to a reasoning level.
func createSession(ctx context.Context, tp transport.Transport, ownerTag string) (string, error) {
	id, err := tp.CreateSession(ctx, ownerTag)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, session.ErrCapacityExhausted) {
		return "", err
	}

	slog.Info("Session capacity exhausted, retrying once",
		"delay", capacityRetryDelay)
	select {
	case <-time.After(capacityRetryDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return tp.CreateSession(ctx, ownerTag)
}

// SessionID returns the bound session's identifier.
func (e *Environment) SessionID() string { return e.sessionID }

// ListTools implements agent.ToolExecutor. code_execution is always
// advertised; ask_sub_rlm only when a sub-asker is bound.
func (e *Environment) ListTools() []models.ToolDefinition {
	tools := []models.ToolDefinition{prompt.CodeExecutionTool()}
	if e.subAsker != nil {
		tools = append(tools, prompt.AskSubTool())
	}
	return tools
}

// Execute implements agent.ToolExecutor. It never fails: execution
// faults, unknown tool names, and sub-level errors are all encoded in the
// result content for the model to observe.
func (e *Environment) Execute(ctx context.Context, call models.ToolCall) *agent.ToolResult {
	switch call.Name {
	case models.ToolCodeExecution:
		return e.executeCode(ctx, call)
	case models.ToolAskSubRLM:
		if e.subAsker == nil {
			// Deepest level: the tool was never advertised. No child
			// level, no session, just an observable error.
			return e.unknownTool(call)
		}
		return e.executeAskSub(ctx, call)
	default:
		return e.unknownTool(call)
	}
}

func (e *Environment) executeCode(ctx context.Context, call models.ToolCall) *agent.ToolResult {
	code, err := call.CodeArgument()
	if err != nil {
		out := &models.Outputs{
			Stderr:    fmt.Sprintf("invalid code_execution arguments: %v", err),
			ErrorKind: models.ErrorKindRuntime,
		}
		return e.toolResult(call, FormatOutputs(out), true)
	}

	out := e.RunCode(ctx, code)
	return e.toolResult(call, FormatOutputs(out), out.Failed())
}

func (e *Environment) executeAskSub(ctx context.Context, call models.ToolCall) *agent.ToolResult {
	query, err := call.QueryArgument()
	if err != nil {
		out := &models.Outputs{
			Stderr:    fmt.Sprintf("invalid ask_sub_rlm arguments: %v", err),
			ErrorKind: models.ErrorKindSubFailed,
		}
		return e.toolResult(call, FormatOutputs(out), true)
	}

	answer, err := e.subAsker(ctx, query)
	if err != nil {
		slog.Warn("Sub-reasoner failed",
			"recursion_id", e.recursionID,
			"depth", e.depth,
			"error", err)
		out := &models.Outputs{
			Stderr:    err.Error(),
			ErrorKind: models.ErrorKindSubFailed,
		}
		return e.toolResult(call, FormatOutputs(out), true)
	}

	// The child's final answer, verbatim.
	return e.toolResult(call, answer, false)
}

func (e *Environment) unknownTool(call models.ToolCall) *agent.ToolResult {
	out := &models.Outputs{ErrorKind: models.ErrorKindUnknownTool}
	return e.toolResult(call, FormatOutputs(out), true)
}

func (e *Environment) toolResult(call models.ToolCall, content string, isError bool) *agent.ToolResult {
	return &agent.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: isError,
	}
}

// RunCode executes code in the bound session. It never returns an error:
// transport faults become Outputs with error_kind transport_unavailable
// (or cancelled), and the execution is never retried — the server may
// already have observed it.
func (e *Environment) RunCode(ctx context.Context, code string) *models.Outputs {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return &models.Outputs{
			Stderr:    "session closed",
			ErrorKind: models.ErrorKindTransportUnavailable,
		}
	}
	e.execCount++
	number := e.execCount
	e.mu.Unlock()

	start := time.Now()
	out, err := e.transport.Execute(ctx, e.sessionID, code, e.timeout)
	if err != nil {
		out = &models.Outputs{
			Stderr:     err.Error(),
			ErrorKind:  transport.KindForError(err),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	e.recordExecution(ctx, number, code, out)
	return out
}

// AskSub delegates a sub-question. Returns an error when no sub-asker is
// bound.
func (e *Environment) AskSub(ctx context.Context, query string) (string, error) {
	if e.subAsker == nil {
		return "", fmt.Errorf("no sub-reasoner at depth %d", e.depth)
	}
	return e.subAsker(ctx, query)
}

// Close destroys the bound session. Idempotent; callers must invoke it on
// every exit path.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.transport.DestroySession(ctx, e.sessionID); err != nil {
		slog.Warn("Failed to destroy session on close",
			"session_id", e.sessionID,
			"error", err)
		return err
	}
	return nil
}

func (e *Environment) recordExecution(ctx context.Context, number int, code string, out *models.Outputs) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.RecordExecution(ctx, telemetry.ExecutionRecord{
		RecursionID:     e.recursionID,
		Depth:           e.depth,
		SessionID:       e.sessionID,
		ExecutionNumber: number,
		Code:            code,
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		OutputLength:    len(out.Stdout) + len(out.Stderr),
		DurationMS:      out.DurationMS,
		Success:         !out.Failed(),
		ErrorKind:       string(out.ErrorKind),
	})
}

var _ agent.ToolExecutor = (*Environment)(nil)
