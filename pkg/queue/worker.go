package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/recursion"
)

// worker tracks the health of one pool slot. The dequeue loop itself runs
// on the coordinator so workers share one queue.
type worker struct {
	id string

	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

func newWorker(id string) *worker {
	return &worker{
		id:           id,
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

func (w *worker) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasksProcessed++
}

// runWorker is the main worker loop: pull in arrival order, run the tree,
// resolve the future.
func (c *Coordinator) runWorker(ctx context.Context, w *worker) {
	defer c.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-c.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		case entry := <-c.tasks:
			// Shutdown wins over a simultaneously ready dequeue, so a task
			// never starts after Stop was signalled.
			select {
			case <-c.stopCh:
				c.resolveStopped(entry)
				log.Info("Worker shutting down")
				return
			default:
			}
			c.process(entry, w, log)
		}
	}
}

// process runs one task tree to completion and resolves its future. The
// permit is released only after the future has resolved.
func (c *Coordinator) process(entry *taskEntry, w *worker, log *slog.Logger) {
	defer func() { <-c.permits }()
	defer c.unregister(entry.id)
	defer entry.cancel()

	log = log.With("task_id", entry.id)
	log.Info("Task claimed", "queued_ms", time.Since(entry.enqueuedAt).Milliseconds())

	w.setStatus(WorkerStatusWorking, entry.id)
	defer w.setStatus(WorkerStatusIdle, "")

	tree, err := c.runner.Run(entry.ctx, recursion.Request{
		Query:            entry.task.Query,
		Context:          entry.task.Context,
		ModelOverride:    entry.task.Options.Model,
		MaxDepthOverride: entry.task.Options.MaxDepth,
		Limits: recursion.Limits{
			MaxIterations:    entry.task.Options.MaxIterations,
			ExecutionTimeout: entry.task.Options.WallTimeout,
		},
	})

	result := &TaskResult{TaskID: entry.id}
	if err != nil {
		result.Status = agent.StatusFailed
		result.Err = err
	} else {
		result.RecursionID = tree.RecursionID
		result.Status = tree.Status
		result.Answer = tree.Answer
		result.ContentFiltered = tree.ContentFiltered
		result.Usage = tree.Usage
		result.PerLevel = tree.PerLevel
		result.WallclockMS = tree.WallclockMS
		result.Err = tree.Err
	}

	// An expired task deadline reads as cancellation inside the tree;
	// surface it distinctly so callers can map it to a timeout.
	if result.Status == agent.StatusCancelled && errors.Is(entry.ctx.Err(), context.DeadlineExceeded) {
		result.Err = fmt.Errorf("task deadline exceeded after %v: %w",
			entry.task.Options.Deadline, context.DeadlineExceeded)
	}

	if isFatal(result.Err) {
		log.Error("Model provider rejected credentials, signalling shutdown", "error", result.Err)
		select {
		case c.fatals <- result.Err:
		default: // already signalled
		}
	}

	w.finish()
	entry.future.resolve(result)
	log.Info("Task finished", "status", result.Status, "wallclock_ms", result.WallclockMS)
}

// isFatal reports whether a task error condemns every future task too.
// Authentication failures are configuration, not load: the provider will
// keep rejecting until the daemon restarts with working credentials.
func isFatal(err error) bool {
	var modelErr *llm.Error
	return errors.As(err, &modelErr) && modelErr.Kind == models.ErrorKindAuthentication
}
