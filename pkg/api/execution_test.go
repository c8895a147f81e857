package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
	"github.com/rexxy-sasori/rlm/pkg/session"
)

func newExecutionServer(t *testing.T, cfg session.Config) (*Server, *session.Manager) {
	t.Helper()
	manager := session.NewManager(sandbox.NewRuntime(sandbox.DefaultConfig()), cfg)
	t.Cleanup(manager.Close)
	return NewExecutionServer(manager), manager
}

// doJSON drives the server without a listener.
func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, s *Server, body any) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/session", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestExecutionServer_SessionLifecycle(t *testing.T) {
	s, manager := newExecutionServer(t, session.Config{})

	id := createSession(t, s, gin.H{"owner_tag": "rec-1"})
	assert.Equal(t, 1, manager.Len())

	w := doJSON(t, s, http.MethodDelete, "/session/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, manager.Len())

	// Destroy is idempotent on the wire as well.
	w = doJSON(t, s, http.MethodDelete, "/session/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestExecutionServer_CreateWithoutBody(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})
	id := createSession(t, s, nil)
	assert.NotEmpty(t, id)
}

func TestExecutionServer_CreateAtCapacity(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{MaxSessions: 1})
	createSession(t, s, nil)

	w := doJSON(t, s, http.MethodPost, "/session", gin.H{})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"capacity_exhausted"}`, w.Body.String())
}

func TestExecutionServer_StatePersistsAcrossExecutions(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})
	id := createSession(t, s, nil)

	w := doJSON(t, s, http.MethodPost, "/session/"+id+"/execute", gin.H{"code": "x=21"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodPost, "/session/"+id+"/execute", gin.H{"code": "echo $((x + 21))"})
	require.Equal(t, http.StatusOK, w.Code)

	var out models.Outputs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "42\n", out.Stdout)
	assert.Empty(t, out.ErrorKind)
	// A clean run does not serialize an error_kind field at all.
	assert.NotContains(t, w.Body.String(), "error_kind")
}

func TestExecutionServer_ExecuteTimeoutOverride(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})
	id := createSession(t, s, nil)

	w := doJSON(t, s, http.MethodPost, "/session/"+id+"/execute", gin.H{
		"code":       "while true; do :; done",
		"timeout_ms": 200,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var out models.Outputs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, models.ErrorKindTimeout, out.ErrorKind)
	assert.GreaterOrEqual(t, out.DurationMS, int64(200))
	assert.Less(t, out.DurationMS, int64(2000))
}

func TestExecutionServer_ExecuteUnknownSession(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})

	w := doJSON(t, s, http.MethodPost, "/session/missing/execute", gin.H{"code": "echo 1"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"no_such_session"}`, w.Body.String())
}

func TestExecutionServer_ExecuteMalformedRequests(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})
	id := createSession(t, s, nil)

	// Truncated JSON.
	req := httptest.NewRequest(http.MethodPost, "/session/"+id+"/execute", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing code.
	w = doJSON(t, s, http.MethodPost, "/session/"+id+"/execute", gin.H{"timeout_ms": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Negative timeout.
	w = doJSON(t, s, http.MethodPost, "/session/"+id+"/execute", gin.H{"code": "echo 1", "timeout_ms": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecutionServer_ListSessions(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})

	w := doJSON(t, s, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())

	first := createSession(t, s, nil)
	createSession(t, s, nil)
	doJSON(t, s, http.MethodPost, "/session/"+first+"/execute", gin.H{"code": "echo hi"})

	w = doJSON(t, s, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, first, resp.Sessions[0].ID, "oldest first")
	assert.Equal(t, int64(1), resp.Sessions[0].ExecutionCounter)
	assert.False(t, resp.Sessions[0].CreatedAt.IsZero())
	assert.False(t, resp.Sessions[0].LastUsedAt.IsZero())
}

func TestServer_HealthAndReadiness(t *testing.T) {
	s, _ := newExecutionServer(t, session.Config{})

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = doJSON(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.Shutdown(context.Background()))

	w = doJSON(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
