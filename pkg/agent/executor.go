package agent

import (
	"context"
	"fmt"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// ToolExecutor abstracts tool dispatch for the reasoning loop.
// The REPL-backed implementation is in pkg/repl.
type ToolExecutor interface {
	// Execute runs a single tool call and returns the result.
	// It never fails: execution faults, unknown tool names, and sub-level
	// errors are all encoded in the result content so the model can
	// observe them and the loop continues.
	Execute(ctx context.Context, call models.ToolCall) *ToolResult

	// ListTools returns the tool definitions advertised to the model.
	// Returns nil when no tools are available.
	ListTools() []models.ToolDefinition

	// Close releases resources (the sandbox session). Idempotent.
	Close() error
}

// ToolResult represents the output of one tool dispatch.
type ToolResult struct {
	CallID  string // Matches the ToolCall.ID
	Name    string // Tool name the call resolved to
	Content string // Tool output, already formatted for the model
	IsError bool   // Whether the content carries an error kind
}

// StubToolExecutor returns canned responses for testing.
type StubToolExecutor struct {
	tools     []models.ToolDefinition
	responses map[string]string // tool name → canned content
	calls     []models.ToolCall
}

// NewStubToolExecutor creates a stub executor advertising the given tools.
func NewStubToolExecutor(tools []models.ToolDefinition) *StubToolExecutor {
	return &StubToolExecutor{
		tools:     tools,
		responses: make(map[string]string),
	}
}

// Respond sets the canned content returned for a tool name.
func (s *StubToolExecutor) Respond(name, content string) {
	s.responses[name] = content
}

func (s *StubToolExecutor) Execute(_ context.Context, call models.ToolCall) *ToolResult {
	s.calls = append(s.calls, call)
	content, ok := s.responses[call.Name]
	if !ok {
		content = fmt.Sprintf("[stub] tool %q called with args: %s", call.Name, call.Arguments)
	}
	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
	}
}

func (s *StubToolExecutor) ListTools() []models.ToolDefinition { return s.tools }

func (s *StubToolExecutor) Close() error { return nil }

// Calls returns every tool call dispatched so far, in order.
func (s *StubToolExecutor) Calls() []models.ToolCall { return s.calls }
