package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
)

// Loop implements the multi-turn tool-calling conversation for one
// recursion level. Tool calls come as structured ToolCall values from the
// model. Completion signal: an assistant message without any tool calls.
//
// Every run terminates: each turn either carries no tool calls (return)
// or consumes one of MaxIterations slots; the forced finalize turn cannot
// emit tool calls because no tools are advertised on it.
type Loop struct{}

// NewLoop creates a new reasoning loop.
func NewLoop() *Loop {
	return &Loop{}
}

// Run executes the reasoning conversation until the model produces a
// terminal assistant message or the iteration cap forces a conclusion.
//
// Returns (*Result, nil) on completion; check Result.Status for level
// failures. Returns (nil, error) only when the execution context is
// unusable.
func (l *Loop) Run(ctx context.Context, execCtx *ExecutionContext) (*Result, error) {
	if execCtx.Client == nil {
		return nil, fmt.Errorf("model client is nil")
	}
	if execCtx.Executor == nil {
		return nil, fmt.Errorf("tool executor is nil")
	}
	if execCtx.Prompts == nil {
		return nil, fmt.Errorf("prompt builder is nil")
	}

	maxIter := execCtx.maxIterations()
	total := models.UsageRecord{}

	messages := execCtx.Prompts.BuildInitialMessages(execCtx.Level, execCtx.Query, execCtx.ContextText)
	tools := execCtx.Executor.ListTools()

	iterations := 0
	for iteration := 0; iteration < maxIter; iteration++ {
		// Cancellation is checked before every model call; in-flight
		// sandbox executions run to their own deadline.
		if err := ctx.Err(); err != nil {
			return cancelledResult(err, total, iterations), nil
		}

		resp, err := l.complete(ctx, execCtx, messages, tools, iteration+1, false)
		iterations++
		if err != nil {
			return errorResult(err, total, iterations), nil
		}
		total.Add(resp.Usage)

		if resp.ContentFiltered {
			slog.Warn("Completion was content filtered, stopping level",
				"recursion_id", execCtx.Level.RecursionID,
				"depth", execCtx.Level.Depth,
				"iteration", iterations)
			return &Result{
				Status:          StatusCompleted,
				ContentFiltered: true,
				Usage:           total,
				Iterations:      iterations,
			}, nil
		}

		messages = append(messages, resp.Message)

		// No tool calls: the assistant message is the final answer.
		if len(resp.Message.ToolCalls) == 0 {
			return &Result{
				Status:     StatusCompleted,
				Answer:     resp.Message.Content,
				Usage:      total,
				Iterations: iterations,
			}, nil
		}

		// Dispatch strictly in the order the model emitted the calls.
		// Parallel dispatch would violate per-session serialization and
		// make the observation order in the transcript non-deterministic.
		for _, call := range resp.Message.ToolCalls {
			result := execCtx.Executor.Execute(ctx, call)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
			})
		}
	}

	return l.finalize(ctx, execCtx, messages, total, iterations)
}

// finalize forces a final answer after the iteration cap: append a
// synthetic user instruction and make one more call with no tools.
func (l *Loop) finalize(
	ctx context.Context,
	execCtx *ExecutionContext,
	messages []models.Message,
	total models.UsageRecord,
	iterations int,
) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return cancelledResult(err, total, iterations), nil
	}

	slog.Info("Iteration cap reached, forcing final answer",
		"recursion_id", execCtx.Level.RecursionID,
		"depth", execCtx.Level.Depth,
		"iterations", iterations)

	messages = append(messages, models.Message{
		Role:    models.RoleUser,
		Content: execCtx.Prompts.BuildFinalizePrompt(iterations),
	})

	resp, err := l.complete(ctx, execCtx, messages, nil, iterations+1, true)
	iterations++
	if err != nil {
		return errorResult(fmt.Errorf("forced finalize call failed: %w", err), total, iterations), nil
	}
	total.Add(resp.Usage)

	if resp.ContentFiltered {
		return &Result{
			Status:          StatusCompleted,
			ContentFiltered: true,
			Usage:           total,
			Iterations:      iterations,
		}, nil
	}

	return &Result{
		Status:     StatusCompleted,
		Answer:     resp.Message.Content,
		Usage:      total,
		Iterations: iterations,
	}, nil
}

// complete makes one model call and records it.
func (l *Loop) complete(
	ctx context.Context,
	execCtx *ExecutionContext,
	messages []models.Message,
	tools []models.ToolDefinition,
	iteration int,
	forced bool,
) (*llm.Response, error) {
	execCtx.Level.Iteration = iteration
	start := time.Now()
	resp, err := execCtx.Client.Complete(ctx, &llm.Request{
		ModelID:   execCtx.Level.ModelID,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: execCtx.MaxOutputTokens,
	})
	l.recordModelCall(ctx, execCtx, messages, iteration, forced, resp, err, time.Since(start))
	return resp, err
}

// recordModelCall emits one telemetry record per completion. Skipped when
// no recorder is configured.
func (l *Loop) recordModelCall(
	ctx context.Context,
	execCtx *ExecutionContext,
	messages []models.Message,
	iteration int,
	forced bool,
	resp *llm.Response,
	callErr error,
	elapsed time.Duration,
) {
	if execCtx.Telemetry == nil {
		return
	}

	rec := telemetry.ModelCallRecord{
		RecursionID:       execCtx.Level.RecursionID,
		ParentRecursionID: execCtx.Level.ParentRecursionID,
		Depth:             execCtx.Level.Depth,
		Iteration:         iteration,
		ModelID:           execCtx.Level.ModelID,
		ContextMessages:   len(messages),
		Forced:            forced,
		DurationMS:        elapsed.Milliseconds(),
		Success:           callErr == nil,
	}
	if resp != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CachedPromptTokens = resp.Usage.CachedPromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.ResponseLength = len(resp.Message.Content)
		rec.ToolCallCount = len(resp.Message.ToolCalls)
	}
	if callErr != nil {
		rec.ErrorKind = string(errorKind(callErr))
		rec.ErrorMessage = callErr.Error()
	}
	execCtx.Telemetry.RecordModelCall(ctx, rec)
}

// cancelledResult builds the result for a level stopped by its context.
func cancelledResult(err error, total models.UsageRecord, iterations int) *Result {
	return &Result{
		Status:     StatusCancelled,
		Err:        err,
		Usage:      total,
		Iterations: iterations,
	}
}

// errorResult classifies a model-call error into a cancelled or failed
// level result. Retry exhaustion inside the client already surfaced as
// model_unavailable, so anything non-cancelled fails the level.
func errorResult(err error, total models.UsageRecord, iterations int) *Result {
	status := StatusFailed
	if errorKind(err) == models.ErrorKindCancelled || errors.Is(err, context.Canceled) {
		status = StatusCancelled
	}
	return &Result{
		Status:     status,
		Err:        err,
		Usage:      total,
		Iterations: iterations,
	}
}

func errorKind(err error) models.ErrorKind {
	var modelErr *llm.Error
	if errors.As(err, &modelErr) {
		return modelErr.Kind
	}
	return ""
}
