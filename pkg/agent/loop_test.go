package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexxy-sasori/rlm/pkg/agent/prompt"
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
)

func testTools() []models.ToolDefinition {
	return []models.ToolDefinition{prompt.CodeExecutionTool(), prompt.AskSubTool()}
}

func newExecCtx(client llm.Client, executor ToolExecutor) *ExecutionContext {
	return &ExecutionContext{
		Level: models.LevelContext{
			Depth:       0,
			MaxDepth:    2,
			ModelID:     "m-root",
			RecursionID: "rec-1",
		},
		Query:    "what is 2+2",
		Client:   client,
		Executor: executor,
		Prompts:  prompt.NewBuilder(),
	}
}

// captureRecorder collects model call records for assertions.
type captureRecorder struct {
	telemetry.NopRecorder
	mu    sync.Mutex
	calls []telemetry.ModelCallRecord
}

func (r *captureRecorder) RecordModelCall(_ context.Context, rec telemetry.ModelCallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rec)
}

func (r *captureRecorder) records() []telemetry.ModelCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.ModelCallRecord, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestLoopRun_DirectAnswer(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.TextEntry("the answer is 4"))
	executor := NewStubToolExecutor(testTools())

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "the answer is 4", result.Answer)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Empty(t, executor.Calls())
}

func TestLoopRun_SeedsSystemAndUserMessages(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.TextEntry("done"))
	executor := NewStubToolExecutor(testTools())
	execCtx := newExecCtx(client, executor)
	execCtx.ContextText = "useful payload"

	_, err := NewLoop().Run(context.Background(), execCtx)
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, models.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, models.RoleUser, reqs[0].Messages[1].Role)
	assert.Contains(t, reqs[0].Messages[1].Content, "useful payload")
	assert.Contains(t, reqs[0].Messages[1].Content, "what is 2+2")
	assert.Equal(t, "m-root", reqs[0].ModelID)
	assert.Len(t, reqs[0].Tools, 2)
}

func TestLoopRun_ToolCallThenAnswer(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution, map[string]string{"code": "echo hi"}))
	client.AddSequential(llm.TextEntry("it printed hi"))
	executor := NewStubToolExecutor(testTools())
	executor.Respond(models.ToolCodeExecution, "<stdout>hi\n</stdout>")

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "it printed hi", result.Answer)
	assert.Equal(t, 2, result.Iterations)

	require.Len(t, executor.Calls(), 1)
	assert.Equal(t, "call-1", executor.Calls()[0].ID)

	// Second request carries the assistant turn plus the tool observation.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, models.RoleTool, msgs[3].Role)
	assert.Equal(t, "call-1", msgs[3].ToolCallID)
	assert.Equal(t, "<stdout>hi\n</stdout>", msgs[3].Content)
}

func TestLoopRun_DispatchesToolCallsInModelOrder(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ScriptEntry{
		Message: models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-a", Name: models.ToolCodeExecution, Arguments: json.RawMessage(`{"code":"echo a"}`)},
				{ID: "call-b", Name: models.ToolCodeExecution, Arguments: json.RawMessage(`{"code":"echo b"}`)},
			},
		},
		Usage: models.UsageRecord{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	client.AddSequential(llm.TextEntry("done"))
	executor := NewStubToolExecutor(testTools())

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	calls := executor.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call-a", calls[0].ID)
	assert.Equal(t, "call-b", calls[1].ID)

	// One tool message per call, in dispatch order.
	msgs := client.Requests()[1].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, "call-a", msgs[3].ToolCallID)
	assert.Equal(t, "call-b", msgs[4].ToolCallID)
}

func TestLoopRun_IterationCapForcesFinalAnswer(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution, map[string]string{"code": "echo 1"}))
	client.AddSequential(llm.ToolCallEntry("call-2", models.ToolCodeExecution, map[string]string{"code": "echo 2"}))
	client.AddSequential(llm.TextEntry("forced answer"))
	executor := NewStubToolExecutor(testTools())
	execCtx := newExecCtx(client, executor)
	execCtx.MaxIterations = 2

	result, err := NewLoop().Run(context.Background(), execCtx)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "forced answer", result.Answer)
	assert.Equal(t, 3, result.Iterations)

	reqs := client.Requests()
	require.Len(t, reqs, 3)

	// The finalize call advertises no tools and ends with the synthetic
	// user instruction.
	finalReq := reqs[2]
	assert.Empty(t, finalReq.Tools)
	lastMsg := finalReq.Messages[len(finalReq.Messages)-1]
	assert.Equal(t, models.RoleUser, lastMsg.Role)
	assert.Contains(t, lastMsg.Content, "final answer")
}

func TestLoopRun_ModelErrorFailsLevel(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ScriptEntry{
		Err: &llm.Error{Kind: models.ErrorKindModelUnavailable, Err: errors.New("retries exhausted")},
	})
	executor := NewStubToolExecutor(testTools())

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
	assert.Equal(t, 1, result.Iterations)
	assert.Zero(t, result.Usage.TotalTokens)
}

func TestLoopRun_CancelledBeforeStart(t *testing.T) {
	client := llm.NewScriptedClient()
	executor := NewStubToolExecutor(testTools())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewLoop().Run(ctx, newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 0, client.CallCount())
}

func TestLoopRun_CancelledDuringModelCall(t *testing.T) {
	onBlock := make(chan struct{}, 1)
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ScriptEntry{BlockUntilCancelled: true, OnBlock: onBlock})
	executor := NewStubToolExecutor(testTools())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := NewLoop().Run(ctx, newExecCtx(client, executor))
		done <- outcome{result, err}
	}()

	<-onBlock
	cancel()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StatusCancelled, out.result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not return after cancellation")
	}
}

func TestLoopRun_ContentFilteredStopsLevel(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ScriptEntry{
		ContentFiltered: true,
		Usage:           models.UsageRecord{PromptTokens: 10, TotalTokens: 10},
	})
	executor := NewStubToolExecutor(testTools())

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.ContentFiltered)
	assert.Empty(t, result.Answer)
	assert.Equal(t, 1, result.Iterations)
}

func TestLoopRun_UsageAccumulatesAcrossCalls(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution, map[string]string{"code": "true"}))
	client.AddSequential(llm.TextEntry("done"))
	executor := NewStubToolExecutor(testTools())

	result, err := NewLoop().Run(context.Background(), newExecCtx(client, executor))

	require.NoError(t, err)
	assert.Equal(t, 20, result.Usage.PromptTokens)
	assert.Equal(t, 10, result.Usage.CompletionTokens)
	assert.Equal(t, 30, result.Usage.TotalTokens)
}

func TestLoopRun_RecordsModelCalls(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution, map[string]string{"code": "true"}))
	client.AddSequential(llm.ToolCallEntry("call-2", models.ToolCodeExecution, map[string]string{"code": "true"}))
	client.AddSequential(llm.TextEntry("forced"))
	executor := NewStubToolExecutor(testTools())
	recorder := &captureRecorder{}
	execCtx := newExecCtx(client, executor)
	execCtx.MaxIterations = 2
	execCtx.Telemetry = recorder

	_, err := NewLoop().Run(context.Background(), execCtx)
	require.NoError(t, err)

	records := recorder.records()
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].Iteration)
	assert.False(t, records[0].Forced)
	assert.Equal(t, 1, records[0].ToolCallCount)
	assert.True(t, records[0].Success)
	assert.Equal(t, "rec-1", records[0].RecursionID)
	assert.Equal(t, "m-root", records[0].ModelID)

	assert.Equal(t, 3, records[2].Iteration)
	assert.True(t, records[2].Forced)
	assert.True(t, records[2].Success)
}

func TestLoopRun_LevelTracksIteration(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution, map[string]string{"code": "true"}))
	client.AddSequential(llm.TextEntry("done"))
	executor := NewStubToolExecutor(testTools())
	execCtx := newExecCtx(client, executor)

	result, err := NewLoop().Run(context.Background(), execCtx)

	require.NoError(t, err)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, result.Iterations, execCtx.Level.Iteration,
		"level context should carry the last model-call ordinal")
}

func TestLoopRun_NilDependenciesRejected(t *testing.T) {
	executor := NewStubToolExecutor(nil)
	client := llm.NewScriptedClient()

	_, err := NewLoop().Run(context.Background(), &ExecutionContext{Executor: executor, Prompts: prompt.NewBuilder()})
	require.Error(t, err)

	_, err = NewLoop().Run(context.Background(), &ExecutionContext{Client: client, Prompts: prompt.NewBuilder()})
	require.Error(t, err)

	_, err = NewLoop().Run(context.Background(), &ExecutionContext{Client: client, Executor: executor})
	require.Error(t, err)
}
