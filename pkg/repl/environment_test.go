package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
)

func newTestTransport(t *testing.T, maxSessions int) (*transport.InProcess, *session.Manager) {
	t.Helper()
	runtime := sandbox.NewRuntime(sandbox.DefaultConfig())
	manager := session.NewManager(runtime, session.Config{MaxSessions: maxSessions})
	t.Cleanup(manager.Close)
	return transport.NewInProcess(manager), manager
}

func codeCall(id, code string) models.ToolCall {
	raw, _ := json.Marshal(map[string]string{"code": code})
	return models.ToolCall{ID: id, Name: models.ToolCodeExecution, Arguments: raw}
}

func subCall(id, query string) models.ToolCall {
	raw, _ := json.Marshal(map[string]string{"query": query})
	return models.ToolCall{ID: id, Name: models.ToolAskSubRLM, Arguments: raw}
}

// fakeTransport injects faults without a real execution side.
type fakeTransport struct {
	mu        sync.Mutex
	createErr error
	execErr   error
	executed  []string
	destroyed int
}

func (f *fakeTransport) CreateSession(context.Context, string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "fake-session", nil
}

func (f *fakeTransport) Execute(_ context.Context, _, code string, _ time.Duration) (*models.Outputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, code)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &models.Outputs{Stdout: "ok\n"}, nil
}

func (f *fakeTransport) DestroySession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeTransport) Health(context.Context) error { return nil }
func (f *fakeTransport) Close() error                 { return nil }

// executionCapture collects execution records.
type executionCapture struct {
	telemetry.NopRecorder
	mu      sync.Mutex
	records []telemetry.ExecutionRecord
}

func (c *executionCapture) RecordExecution(_ context.Context, rec telemetry.ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func TestNew_CreatesSession(t *testing.T) {
	tp, manager := newTestTransport(t, 10)

	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	assert.NotEmpty(t, env.SessionID())
	assert.Equal(t, 1, manager.Len())
}

func TestNew_FailsFastWhenUnavailable(t *testing.T) {
	tp := &fakeTransport{createErr: fmt.Errorf("%w: dial refused", transport.ErrUnavailable)}

	_, err := New(context.Background(), tp, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

func TestNew_RetriesOnceAfterCapacityExhausted(t *testing.T) {
	tp, manager := newTestTransport(t, 1)

	blocker, err := manager.Create("")
	require.NoError(t, err)

	// Free the only slot while the environment waits out its retry delay.
	go func() {
		time.Sleep(200 * time.Millisecond)
		manager.Destroy(blocker.ID)
	}()

	start := time.Now()
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	assert.GreaterOrEqual(t, time.Since(start), capacityRetryDelay,
		"creation should have waited for the retry delay")
	assert.Equal(t, 1, manager.Len())
}

func TestNew_CapacityExhaustedTwiceFails(t *testing.T) {
	tp, manager := newTestTransport(t, 1)

	_, err := manager.Create("")
	require.NoError(t, err)

	_, err = New(context.Background(), tp, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrCapacityExhausted)
}

func TestListTools_LeafOmitsAskSub(t *testing.T) {
	tp, _ := newTestTransport(t, 10)

	leaf, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer leaf.Close()

	tools := leaf.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, models.ToolCodeExecution, tools[0].Name)

	parent, err := New(context.Background(), tp, Options{
		SubAsker: func(context.Context, string) (string, error) { return "", nil },
	})
	require.NoError(t, err)
	defer parent.Close()

	tools = parent.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, models.ToolAskSubRLM, tools[1].Name)
}

func TestExecute_RunCode(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	result := env.Execute(context.Background(), codeCall("call-1", "echo hi"))

	assert.Equal(t, "call-1", result.CallID)
	assert.Equal(t, "<stdout>hi\n</stdout>", result.Content)
	assert.False(t, result.IsError)
}

func TestExecute_StatePersistsAcrossCalls(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	first := env.Execute(context.Background(), codeCall("call-1", "x=5"))
	require.False(t, first.IsError)

	second := env.Execute(context.Background(), codeCall("call-2", "echo $((x+1))"))
	assert.Equal(t, "<stdout>6\n</stdout>", second.Content)
}

func TestExecute_RuntimeErrorEncoded(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	result := env.Execute(context.Background(), codeCall("call-1", "false"))

	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "<error>runtime</error>")
}

func TestExecute_MalformedCodeArguments(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	call := models.ToolCall{ID: "call-1", Name: models.ToolCodeExecution, Arguments: json.RawMessage(`{"code":42}`)}
	result := env.Execute(context.Background(), call)

	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "invalid code_execution arguments")
	assert.Contains(t, result.Content, "<error>runtime</error>")
}

func TestExecute_UnknownToolName(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	call := models.ToolCall{ID: "call-1", Name: "banana", Arguments: json.RawMessage(`{}`)}
	result := env.Execute(context.Background(), call)

	assert.True(t, result.IsError)
	assert.Equal(t, "<error>unknown_tool</error>", result.Content)
}

func TestExecute_AskSubWithoutFactoryIsUnknownTool(t *testing.T) {
	tp, manager := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)
	defer env.Close()

	result := env.Execute(context.Background(), subCall("call-1", "what is 3+4"))

	assert.True(t, result.IsError)
	assert.Equal(t, "<error>unknown_tool</error>", result.Content)
	// No child session was created.
	assert.Equal(t, 1, manager.Len())
}

func TestExecute_AskSubReturnsAnswerVerbatim(t *testing.T) {
	tp, _ := newTestTransport(t, 10)

	var gotQuery string
	env, err := New(context.Background(), tp, Options{
		SubAsker: func(_ context.Context, query string) (string, error) {
			gotQuery = query
			return "7", nil
		},
	})
	require.NoError(t, err)
	defer env.Close()

	result := env.Execute(context.Background(), subCall("call-1", "what is 3+4"))

	assert.False(t, result.IsError)
	assert.Equal(t, "7", result.Content, "child answer must pass through untagged")
	assert.Equal(t, "what is 3+4", gotQuery)
}

func TestExecute_SubFailureWrapped(t *testing.T) {
	tp, _ := newTestTransport(t, 10)

	env, err := New(context.Background(), tp, Options{
		SubAsker: func(context.Context, string) (string, error) {
			return "", errors.New("sub level exploded")
		},
	})
	require.NoError(t, err)
	defer env.Close()

	result := env.Execute(context.Background(), subCall("call-1", "q"))

	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "<error>sub_failed</error>")
	assert.Contains(t, result.Content, "sub level exploded")
}

func TestRunCode_TransportFaultEncodedNotRetried(t *testing.T) {
	tp := &fakeTransport{}
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)

	tp.execErr = fmt.Errorf("%w: connection reset", transport.ErrUnavailable)
	out := env.RunCode(context.Background(), "echo hi")

	assert.Equal(t, models.ErrorKindTransportUnavailable, out.ErrorKind)
	assert.Contains(t, out.Stderr, "connection reset")
	assert.Len(t, tp.executed, 1, "a failed execute must not be retried")
}

func TestClose_IdempotentAndDestroysSession(t *testing.T) {
	tp, manager := newTestTransport(t, 10)
	env, err := New(context.Background(), tp, Options{})
	require.NoError(t, err)

	require.NoError(t, env.Close())
	assert.Equal(t, 0, manager.Len())
	require.NoError(t, env.Close(), "second close must be a no-op")

	out := env.RunCode(context.Background(), "echo hi")
	assert.Equal(t, models.ErrorKindTransportUnavailable, out.ErrorKind)
}

func TestRunCode_RecordsExecutions(t *testing.T) {
	tp, _ := newTestTransport(t, 10)
	capture := &executionCapture{}

	env, err := New(context.Background(), tp, Options{
		Telemetry:   capture,
		RecursionID: "rec-1",
		Depth:       1,
	})
	require.NoError(t, err)
	defer env.Close()

	env.RunCode(context.Background(), "echo one")
	env.RunCode(context.Background(), "false")

	require.Len(t, capture.records, 2)
	assert.Equal(t, 1, capture.records[0].ExecutionNumber)
	assert.Equal(t, 2, capture.records[1].ExecutionNumber)
	assert.Equal(t, "rec-1", capture.records[0].RecursionID)
	assert.Equal(t, 1, capture.records[0].Depth)
	assert.Equal(t, env.SessionID(), capture.records[0].SessionID)
	assert.True(t, capture.records[0].Success)
	assert.False(t, capture.records[1].Success)
	assert.Equal(t, "runtime", capture.records[1].ErrorKind)
}
