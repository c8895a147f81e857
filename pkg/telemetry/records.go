// Package telemetry records latency and usage events for reasoning runs:
// one record per model call, per sandbox execution, and per completed
// recursion level. Records are written asynchronously to TimescaleDB;
// recording never blocks or fails the reasoning path.
package telemetry

import (
	"context"
)

// Recorder accepts telemetry records. Implementations must not block the
// caller; the reasoning path treats recording as fire-and-forget.
// The TimescaleDB-backed implementation is Client; NopRecorder disables
// recording.
type Recorder interface {
	RecordModelCall(ctx context.Context, rec ModelCallRecord)
	RecordExecution(ctx context.Context, rec ExecutionRecord)
	RecordLevel(ctx context.Context, rec LevelRecord)

	// Close flushes buffered records and releases the connection pool.
	Close(ctx context.Context) error
}

// ModelCallRecord describes one chat completion round.
type ModelCallRecord struct {
	RecursionID       string
	ParentRecursionID string
	Depth             int
	Iteration         int
	ModelID           string

	PromptTokens       int
	CachedPromptTokens int
	CompletionTokens   int
	TotalTokens        int

	ContextMessages int
	ResponseLength  int
	ToolCallCount   int
	Forced          bool

	DurationMS   int64
	Success      bool
	ErrorKind    string
	ErrorMessage string
}

// ExecutionRecord describes one sandbox code execution.
type ExecutionRecord struct {
	RecursionID     string
	Depth           int
	SessionID       string
	ExecutionNumber int

	Code         string
	Stdout       string
	Stderr       string
	OutputLength int

	DurationMS int64
	Success    bool
	ErrorKind  string
}

// LevelRecord summarizes one completed reasoning level.
type LevelRecord struct {
	RecursionID       string
	ParentRecursionID string
	Depth             int
	ModelID           string

	Status       string
	Iterations   int
	AnswerLength int

	PromptTokens       int
	CachedPromptTokens int
	CompletionTokens   int
	TotalTokens        int

	WallclockMS  int64
	ErrorKind    string
	ErrorMessage string
}

// NopRecorder discards every record. Used when no telemetry database is
// configured.
type NopRecorder struct{}

func (NopRecorder) RecordModelCall(context.Context, ModelCallRecord) {}
func (NopRecorder) RecordExecution(context.Context, ExecutionRecord) {}
func (NopRecorder) RecordLevel(context.Context, LevelRecord)         {}
func (NopRecorder) Close(context.Context) error                      { return nil }

var _ Recorder = NopRecorder{}
