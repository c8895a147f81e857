// Package e2e exercises whole reasoning trees over real wiring: a scripted
// model client drives the real controller, coordinator, and in-process
// transport over a live session manager.
package e2e

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/queue"
	"github.com/rexxy-sasori/rlm/pkg/recursion"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
)

// RootModel is the default root model id scripted entries route against.
const RootModel = "m-root"

// TestApp boots a complete engine instance for e2e testing.
type TestApp struct {
	Model       *llm.ScriptedClient
	Manager     *session.Manager
	Transport   *CountingTransport
	Telemetry   *CaptureRecorder
	Controller  *recursion.Controller
	Coordinator *queue.Coordinator

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	rootModel     string
	subModels     []string
	maxDepth      int
	maxIterations int
	maxSessions   int
	workers       int
	permits       int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithMaxDepth sets the recursion bound; 1 disables sub-reasoners.
func WithMaxDepth(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxDepth = n }
}

// WithSubModels sets the sub-model ladder for depth >= 2 trees.
func WithSubModels(ids ...string) TestAppOption {
	return func(c *testAppConfig) { c.subModels = ids }
}

// WithMaxIterations sets the per-level iteration cap.
func WithMaxIterations(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxIterations = n }
}

// WithMaxSessions caps the session population.
func WithMaxSessions(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxSessions = n }
}

// WithWorkers sets the coordinator pool size.
func WithWorkers(n int) TestAppOption {
	return func(c *testAppConfig) { c.workers = n }
}

// NewTestApp creates and starts a full engine instance over an in-process
// transport. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		rootModel:     RootModel,
		maxDepth:      1,
		maxIterations: 5,
		maxSessions:   20,
		workers:       2,
		permits:       4,
	}
	for _, opt := range opts {
		opt(tc)
	}

	model := llm.NewScriptedClient()
	recorder := NewCaptureRecorder()

	runtime := sandbox.NewRuntime(sandbox.DefaultConfig())
	manager := session.NewManager(runtime, session.Config{
		MaxSessions: tc.maxSessions,
	})

	tp := &CountingTransport{Transport: transport.NewInProcess(manager)}

	controller, err := recursion.New(recursion.Config{
		RootModel:     tc.rootModel,
		SubModels:     tc.subModels,
		MaxDepth:      tc.maxDepth,
		MaxIterations: tc.maxIterations,
	}, model, tp, recorder)
	require.NoError(t, err)

	coordinator, err := queue.NewCoordinator(controller, queue.Config{
		Workers: tc.workers,
		Permits: tc.permits,
	})
	require.NoError(t, err)
	require.NoError(t, coordinator.Start(context.Background()))

	t.Cleanup(func() {
		coordinator.Stop()
		manager.Close()
	})

	return &TestApp{
		Model:       model,
		Manager:     manager,
		Transport:   tp,
		Telemetry:   recorder,
		Controller:  controller,
		Coordinator: coordinator,
		t:           t,
	}
}

// Run submits one task and blocks until its future resolves.
func (app *TestApp) Run(ctx context.Context, task queue.Task) *queue.TaskResult {
	app.t.Helper()

	fut, err := app.Coordinator.Submit(ctx, task)
	require.NoError(app.t, err)

	res, err := fut.Wait(ctx)
	require.NoError(app.t, err)
	return res
}

// RequestsFor returns the captured model requests addressed to modelID, in
// call order.
func (app *TestApp) RequestsFor(modelID string) []*llm.Request {
	var out []*llm.Request
	for _, req := range app.Model.Requests() {
		if req.ModelID == modelID {
			out = append(out, req)
		}
	}
	return out
}

// LastToolMessage returns the content of the most recent tool message in
// the request's conversation, failing the test when there is none.
func (app *TestApp) LastToolMessage(req *llm.Request) string {
	app.t.Helper()

	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleTool {
			return req.Messages[i].Content
		}
	}
	app.t.Fatalf("no tool message in conversation of %d messages", len(req.Messages))
	return ""
}

// ToolNames flattens a request's advertised tool set.
func ToolNames(req *llm.Request) []string {
	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// CodeTask builds a code_execution script entry.
func CodeTask(callID, code string) llm.ScriptEntry {
	return llm.ToolCallEntry(callID, models.ToolCodeExecution, map[string]string{"code": code})
}

// AskSubTask builds an ask_sub_rlm script entry.
func AskSubTask(callID, query string) llm.ScriptEntry {
	return llm.ToolCallEntry(callID, models.ToolAskSubRLM, map[string]string{"query": query})
}

// CountingTransport wraps a real binding to count session traffic, so tests
// can assert that levels create exactly the sessions they should and leak
// none.
type CountingTransport struct {
	transport.Transport

	created   atomic.Int64
	destroyed atomic.Int64
}

func (c *CountingTransport) CreateSession(ctx context.Context, ownerTag string) (string, error) {
	id, err := c.Transport.CreateSession(ctx, ownerTag)
	if err == nil {
		c.created.Add(1)
	}
	return id, err
}

func (c *CountingTransport) DestroySession(ctx context.Context, sessionID string) error {
	err := c.Transport.DestroySession(ctx, sessionID)
	if err == nil {
		c.destroyed.Add(1)
	}
	return err
}

// Created returns how many sessions were successfully created.
func (c *CountingTransport) Created() int64 { return c.created.Load() }

// Destroyed returns how many sessions were successfully destroyed.
func (c *CountingTransport) Destroyed() int64 { return c.destroyed.Load() }

// CaptureRecorder is an in-memory telemetry.Recorder that retains every
// record for assertions.
type CaptureRecorder struct {
	mu         sync.Mutex
	modelCalls []telemetry.ModelCallRecord
	executions []telemetry.ExecutionRecord
	levels     []telemetry.LevelRecord
}

func NewCaptureRecorder() *CaptureRecorder {
	return &CaptureRecorder{}
}

func (r *CaptureRecorder) RecordModelCall(_ context.Context, rec telemetry.ModelCallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelCalls = append(r.modelCalls, rec)
}

func (r *CaptureRecorder) RecordExecution(_ context.Context, rec telemetry.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, rec)
}

func (r *CaptureRecorder) RecordLevel(_ context.Context, rec telemetry.LevelRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, rec)
}

func (r *CaptureRecorder) Close(context.Context) error { return nil }

// Executions returns the captured execution records in arrival order.
func (r *CaptureRecorder) Executions() []telemetry.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.ExecutionRecord, len(r.executions))
	copy(out, r.executions)
	return out
}

// Levels returns the captured level records in arrival order.
func (r *CaptureRecorder) Levels() []telemetry.LevelRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.LevelRecord, len(r.levels))
	copy(out, r.levels)
	return out
}

var _ telemetry.Recorder = (*CaptureRecorder)(nil)

// waitCtx returns a context bounded enough for any single e2e scenario.
func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
