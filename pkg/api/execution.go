package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/session"
)

// NewExecutionServer builds the session/execute wire surface over a
// session manager. The routes and status codes here are the protocol the
// HTTP transport binding speaks; changing either side alone breaks the
// loopback and remote topologies.
func NewExecutionServer(manager *session.Manager) *Server {
	s := newServer()
	h := &executionHandlers{manager: manager}

	s.engine.POST("/session", h.createSession)
	s.engine.POST("/session/:id/execute", h.execute)
	s.engine.DELETE("/session/:id", h.destroySession)
	s.engine.GET("/sessions", h.listSessions)
	return s
}

type executionHandlers struct {
	manager *session.Manager
}

type createSessionRequest struct {
	OwnerTag string `json:"owner_tag"`
}

type executeRequest struct {
	Code      string `json:"code" binding:"required"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// createSession handles POST /session. The body is optional: an empty
// body and {} both mean "no owner tag".
func (h *executionHandlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.manager.Create(req.OwnerTag)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(models.ErrorKindCapacityExhausted)})
			return
		}
		slog.Error("Session create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID})
}

// execute handles POST /session/:id/execute. Sandbox-level failures ride
// inside the 200 response as an error_kind; only missing sessions and
// malformed requests map to non-200 codes.
func (h *executionHandlers) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TimeoutMS < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be >= 0"})
		return
	}

	sessionID := c.Param("id")
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	out, err := h.manager.Execute(c.Request.Context(), sessionID, req.Code, timeout)
	if err != nil {
		if errors.Is(err, session.ErrNoSuchSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": string(models.ErrorKindNoSuchSession)})
			return
		}
		slog.Error("Execution failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, out)
}

// destroySession handles DELETE /session/:id. Destroy is idempotent, so
// the answer is 204 whether or not the session existed.
func (h *executionHandlers) destroySession(c *gin.Context) {
	h.manager.Destroy(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// listSessions handles GET /sessions.
func (h *executionHandlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.List()})
}
