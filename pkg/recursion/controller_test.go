package recursion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
)

func newTestController(t *testing.T, cfg Config, client llm.Client, rec telemetry.Recorder) (*Controller, *session.Manager) {
	t.Helper()
	runtime := sandbox.NewRuntime(sandbox.DefaultConfig())
	manager := session.NewManager(runtime, session.Config{MaxSessions: 10})
	t.Cleanup(manager.Close)
	ctrl, err := New(cfg, client, transport.NewInProcess(manager), rec)
	require.NoError(t, err)
	return ctrl, manager
}

// treeRecorder captures level and execution records for lineage assertions.
type treeRecorder struct {
	telemetry.NopRecorder
	mu         sync.Mutex
	levels     []telemetry.LevelRecord
	executions []telemetry.ExecutionRecord
}

func (r *treeRecorder) RecordLevel(_ context.Context, rec telemetry.LevelRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, rec)
}

func (r *treeRecorder) RecordExecution(_ context.Context, rec telemetry.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, rec)
}

func TestNew_Validation(t *testing.T) {
	client := llm.NewScriptedClient()
	tp := &fakeUnavailableTransport{}

	tests := []struct {
		name    string
		cfg     Config
		client  llm.Client
		tp      transport.Transport
		wantErr string
	}{
		{"nil client", Config{RootModel: "m", MaxDepth: 1}, nil, tp, "model client"},
		{"nil transport", Config{RootModel: "m", MaxDepth: 1}, client, nil, "transport"},
		{"missing root model", Config{MaxDepth: 1}, client, tp, "root model"},
		{"zero max depth", Config{RootModel: "m"}, client, tp, "max depth"},
		{"recursion without sub models", Config{RootModel: "m", MaxDepth: 2}, client, tp, "sub model list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.client, tt.tp, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_EmptyQueryRejected(t *testing.T) {
	client := llm.NewScriptedClient()
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	_, err := ctrl.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")
}

func TestRun_DirectAnswer(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.TextEntry("Paris."))
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	tree, err := ctrl.Run(context.Background(), Request{Query: "capital of France?"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, tree.Status)
	assert.Equal(t, "Paris.", tree.Answer)
	assert.Len(t, tree.RecursionID, 26)
	assert.Equal(t, 15, tree.Usage.TotalTokens)
	require.Len(t, tree.PerLevel, 1)
	assert.Equal(t, 0, tree.PerLevel[0].Depth)
	assert.Equal(t, "m-root", tree.PerLevel[0].ModelID)
	assert.Equal(t, tree.RecursionID, tree.PerLevel[0].RecursionID)
	assert.Equal(t, 1, tree.PerLevel[0].Iterations)
}

func TestRun_CodeExecutionRoundTrip(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution,
		map[string]string{"code": "echo $((21+21))"}))
	client.AddSequential(llm.TextEntry("The answer is 42."))
	ctrl, manager := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	tree, err := ctrl.Run(context.Background(), Request{Query: "print 21+21"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, tree.Status)
	assert.Contains(t, tree.Answer, "42")

	// The model saw the sandbox output in the tagged tool message.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.Contains(t, last.Content, "<stdout>42\n</stdout>")

	// The level's session was destroyed with the tree.
	assert.Equal(t, 0, manager.Len())
}

func TestRun_SingleLevelAdvertisesCodeExecutionOnly(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.TextEntry("done"))
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	_, err := ctrl.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, models.ToolCodeExecution, reqs[0].Tools[0].Name)
}

func TestRun_DepthTwoRecursion(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddRouted("m-root", llm.ToolCallEntry("call-1", models.ToolAskSubRLM,
		map[string]string{"query": "what is 3+4"}))
	client.AddRouted("m-root", llm.TextEntry("The sub-reasoner says 7."))
	client.AddRouted("m-sub", llm.TextEntry("7"))

	rec := &treeRecorder{}
	ctrl, manager := newTestController(t,
		Config{RootModel: "m-root", SubModels: []string{"m-sub"}, MaxDepth: 2}, client, rec)

	tree, err := ctrl.Run(context.Background(), Request{Query: "compute 3+4 by delegation"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, tree.Status)
	assert.Contains(t, tree.Answer, "7")

	// The parent observed the child's answer verbatim as the tool message.
	var subReq *llm.Request
	for _, req := range client.Requests() {
		if req.ModelID == "m-sub" {
			subReq = req
		}
	}
	require.NotNil(t, subReq)
	assert.Contains(t, subReq.Messages[1].Content, "what is 3+4")
	// Leaf levels advertise code_execution only.
	require.Len(t, subReq.Tools, 1)
	assert.Equal(t, models.ToolCodeExecution, subReq.Tools[0].Name)

	rootFinal := client.Requests()[len(client.Requests())-1]
	require.Equal(t, "m-root", rootFinal.ModelID)
	last := rootFinal.Messages[len(rootFinal.Messages)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.Equal(t, "7", last.Content)

	// Invocation order: root first, then its child.
	require.Len(t, tree.PerLevel, 2)
	assert.Equal(t, 0, tree.PerLevel[0].Depth)
	assert.Equal(t, "m-root", tree.PerLevel[0].ModelID)
	assert.Equal(t, 1, tree.PerLevel[1].Depth)
	assert.Equal(t, "m-sub", tree.PerLevel[1].ModelID)
	assert.Equal(t, tree.RecursionID, tree.PerLevel[1].ParentRecursionID)
	assert.NotEqual(t, tree.PerLevel[0].RecursionID, tree.PerLevel[1].RecursionID)

	// Tree usage totals both levels: 2 root calls + 1 sub call.
	assert.Equal(t, 45, tree.Usage.TotalTokens)

	// Telemetry captured both levels with lineage; children report first.
	require.Len(t, rec.levels, 2)
	assert.Equal(t, 1, rec.levels[0].Depth)
	assert.Equal(t, tree.RecursionID, rec.levels[0].ParentRecursionID)
	assert.Equal(t, 0, rec.levels[1].Depth)

	assert.Equal(t, 0, manager.Len())
}

func TestRun_BaseCaseStrict(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddRouted("m-root", llm.ToolCallEntry("call-1", models.ToolAskSubRLM,
		map[string]string{"query": "delegate further"}))
	client.AddRouted("m-root", llm.TextEntry("root final"))
	// The leaf model disobeys and asks for another sub level anyway.
	client.AddRouted("m-sub", llm.ToolCallEntry("call-2", models.ToolAskSubRLM,
		map[string]string{"query": "go deeper"}))
	client.AddRouted("m-sub", llm.TextEntry("leaf final"))

	ctrl, _ := newTestController(t,
		Config{RootModel: "m-root", SubModels: []string{"m-sub"}, MaxDepth: 2}, client, nil)

	tree, err := ctrl.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, tree.Status)

	// The leaf saw unknown_tool and no third level ever ran.
	var subSecond *llm.Request
	for _, req := range client.Requests() {
		if req.ModelID == "m-sub" && len(req.Messages) > 2 {
			subSecond = req
		}
	}
	require.NotNil(t, subSecond)
	last := subSecond.Messages[len(subSecond.Messages)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.Equal(t, "<error>unknown_tool</error>", last.Content)

	require.Len(t, tree.PerLevel, 2)
	assert.Equal(t, 4, client.CallCount())
}

func TestRun_SubModelLadderClamps(t *testing.T) {
	client := llm.NewScriptedClient()
	ctrl, _ := newTestController(t,
		Config{RootModel: "m-root", SubModels: []string{"m-sub1", "m-sub2"}, MaxDepth: 4}, client, nil)

	assert.Equal(t, "m-root", ctrl.modelForDepth(0, "m-root"))
	assert.Equal(t, "m-sub1", ctrl.modelForDepth(1, "m-root"))
	assert.Equal(t, "m-sub2", ctrl.modelForDepth(2, "m-root"))
	assert.Equal(t, "m-sub2", ctrl.modelForDepth(3, "m-root"))
}

func TestRun_ModelOverrideAppliesToRoot(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddRouted("m-alt", llm.TextEntry("alt answer"))
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	tree, err := ctrl.Run(context.Background(), Request{Query: "q", ModelOverride: "m-alt"})
	require.NoError(t, err)

	assert.Equal(t, "alt answer", tree.Answer)
	require.Len(t, tree.PerLevel, 1)
	assert.Equal(t, "m-alt", tree.PerLevel[0].ModelID)
}

func TestRun_MaxDepthOverrideRejectsNegative(t *testing.T) {
	client := llm.NewScriptedClient()
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	_, err := ctrl.Run(context.Background(), Request{Query: "q", MaxDepthOverride: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max depth override")
}

func TestRun_IterationLimitOverride(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddSequential(llm.ToolCallEntry("call-1", models.ToolCodeExecution,
		map[string]string{"code": "echo loop"}))
	client.AddSequential(llm.TextEntry("forced answer"))
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	tree, err := ctrl.Run(context.Background(), Request{
		Query:  "q",
		Limits: Limits{MaxIterations: 1},
	})
	require.NoError(t, err)

	// One real iteration plus the forced finalize call.
	assert.Equal(t, "forced answer", tree.Answer)
	require.Len(t, tree.PerLevel, 1)
	assert.Equal(t, 2, tree.PerLevel[0].Iterations)

	final := client.Requests()[1]
	assert.Empty(t, final.Tools)
}

func TestRun_SubFailureBecomesToolError(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddRouted("m-root", llm.ToolCallEntry("call-1", models.ToolAskSubRLM,
		map[string]string{"query": "doomed"}))
	client.AddRouted("m-root", llm.TextEntry("recovered without the sub"))
	client.AddRouted("m-sub", llm.ScriptEntry{
		Err: &llm.Error{Kind: models.ErrorKindModelUnavailable, Err: context.DeadlineExceeded},
	})

	rec := &treeRecorder{}
	ctrl, _ := newTestController(t,
		Config{RootModel: "m-root", SubModels: []string{"m-sub"}, MaxDepth: 2}, client, rec)

	tree, err := ctrl.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)

	// The parent kept reasoning past the failed sub level.
	assert.Equal(t, agent.StatusCompleted, tree.Status)
	assert.Equal(t, "recovered without the sub", tree.Answer)

	rootFinal := client.Requests()[len(client.Requests())-1]
	last := rootFinal.Messages[len(rootFinal.Messages)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.Contains(t, last.Content, "<error>sub_failed</error>")

	require.Len(t, tree.PerLevel, 2)
	assert.Equal(t, agent.StatusFailed, tree.PerLevel[1].Status)

	// The failed level still produced a telemetry record with its kind.
	require.Len(t, rec.levels, 2)
	assert.Equal(t, string(agent.StatusFailed), rec.levels[0].Status)
	assert.Equal(t, string(models.ErrorKindModelUnavailable), rec.levels[0].ErrorKind)
	assert.NotEmpty(t, rec.levels[0].ErrorMessage)
}

func TestRun_SessionsDistinctPerLevel(t *testing.T) {
	client := llm.NewScriptedClient()
	client.AddRouted("m-root", llm.ToolCallEntry("call-1", models.ToolCodeExecution,
		map[string]string{"code": "root_var=1"}))
	client.AddRouted("m-root", llm.ToolCallEntry("call-2", models.ToolAskSubRLM,
		map[string]string{"query": "sub question"}))
	client.AddRouted("m-root", llm.TextEntry("root answer"))
	client.AddRouted("m-sub", llm.ToolCallEntry("call-3", models.ToolCodeExecution,
		map[string]string{"code": "echo $root_var"}))
	client.AddRouted("m-sub", llm.TextEntry("sub answer"))

	rec := &treeRecorder{}
	ctrl, manager := newTestController(t,
		Config{RootModel: "m-root", SubModels: []string{"m-sub"}, MaxDepth: 2}, client, rec)

	tree, err := ctrl.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, tree.Status)

	require.Len(t, rec.executions, 2)
	assert.NotEqual(t, rec.executions[0].SessionID, rec.executions[1].SessionID)
	assert.Equal(t, 0, rec.executions[0].Depth)
	assert.Equal(t, 1, rec.executions[1].Depth)

	// Both level sessions are gone once the tree resolves.
	assert.Equal(t, 0, manager.Len())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	client := llm.NewScriptedClient()
	ctrl, _ := newTestController(t, Config{RootModel: "m-root", MaxDepth: 1}, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree, err := ctrl.Run(ctx, Request{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCancelled, tree.Status)
	assert.Error(t, tree.Err)
	assert.Equal(t, 0, client.CallCount())
	require.Len(t, tree.PerLevel, 1)
	assert.Equal(t, agent.StatusCancelled, tree.PerLevel[0].Status)
}

func TestRun_SessionProvisionFailureFailsLevel(t *testing.T) {
	client := llm.NewScriptedClient()
	ctrl, err := New(Config{RootModel: "m-root", MaxDepth: 1}, client,
		&fakeUnavailableTransport{}, nil)
	require.NoError(t, err)

	tree, err := ctrl.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusFailed, tree.Status)
	assert.Error(t, tree.Err)
	assert.Equal(t, 0, client.CallCount())
}

// fakeUnavailableTransport refuses every session create.
type fakeUnavailableTransport struct{}

func (fakeUnavailableTransport) CreateSession(context.Context, string) (string, error) {
	return "", transport.ErrUnavailable
}

func (fakeUnavailableTransport) Execute(context.Context, string, string, time.Duration) (*models.Outputs, error) {
	return nil, transport.ErrUnavailable
}

func (fakeUnavailableTransport) DestroySession(context.Context, string) error { return nil }
func (fakeUnavailableTransport) Health(context.Context) error                 { return transport.ErrUnavailable }
func (fakeUnavailableTransport) Close() error                                 { return nil }
