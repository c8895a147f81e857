package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/queue"
)

// Submitter is the slice of the task coordinator the inference surface
// needs.
type Submitter interface {
	Submit(ctx context.Context, task queue.Task) (*queue.Future, error)
}

// NewInferenceServer builds the inference surface over a task
// coordinator.
func NewInferenceServer(submitter Submitter) *Server {
	s := newServer()
	h := &inferenceHandlers{submitter: submitter}

	s.engine.POST("/infer", h.infer)
	return s
}

type inferenceHandlers struct {
	submitter Submitter
}

type inferRequest struct {
	Query    string `json:"query" binding:"required"`
	Context  string `json:"context"`
	Model    string `json:"model"`
	MaxDepth *int   `json:"max_depth"`
}

type inferResponse struct {
	Answer      string             `json:"answer"`
	Usage       models.UsageRecord `json:"usage"`
	RecursionID string             `json:"recursion_id"`
}

// infer handles POST /infer. The request blocks until the reasoning tree
// finishes or the caller gives up; giving up cancels the tree so it stops
// holding a permit.
func (h *inferenceHandlers) infer(c *gin.Context) {
	var req inferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := queue.Task{Query: req.Query, Context: req.Context}
	task.Options.Model = req.Model
	if req.MaxDepth != nil {
		if *req.MaxDepth < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_depth must be >= 1"})
			return
		}
		task.Options.MaxDepth = *req.MaxDepth
	}

	fut, err := h.submitter.Submit(c.Request.Context(), task)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The caller went away while blocked on backpressure.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity exhausted"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	res, err := fut.Wait(c.Request.Context())
	if err != nil {
		fut.Cancel()
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
		return
	}

	h.respond(c, res)
}

func (h *inferenceHandlers) respond(c *gin.Context, res *queue.TaskResult) {
	switch {
	case res.Status == agent.StatusCompleted && res.ContentFiltered:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "response withheld by content filter"})
	case res.Status == agent.StatusCompleted:
		c.JSON(http.StatusOK, inferResponse{
			Answer:      res.Answer,
			Usage:       res.Usage,
			RecursionID: res.RecursionID,
		})
	case errors.Is(res.Err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	case errors.Is(res.Err, queue.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		slog.Error("Inference task failed",
			"task_id", res.TaskID,
			"status", res.Status,
			"error", res.Err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
