// Package queue multiplexes inference tasks over a bounded worker pool.
// One permit covers a whole reasoning tree: sub-invocations ride on the
// permit their root acquired.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/recursion"
)

// Pool defaults.
const (
	DefaultWorkers = 3
	DefaultPermits = 5
)

// ErrStopped is returned by Submit once the coordinator is shutting down,
// and set on futures whose tasks were still queued at that point.
var ErrStopped = errors.New("coordinator stopped")

// TreeRunner executes one reasoning tree to completion.
// Defined here so tests can substitute a scripted runner.
type TreeRunner interface {
	Run(ctx context.Context, req recursion.Request) (*recursion.TreeResult, error)
}

// Options are per-task overrides; zero values defer to deployment defaults.
type Options struct {
	// Model overrides the root model for this task's tree.
	Model string

	// MaxDepth overrides the recursion bound.
	MaxDepth int

	// MaxIterations overrides the per-level iteration cap.
	MaxIterations int

	// WallTimeout overrides the per-execution sandbox timeout.
	WallTimeout time.Duration

	// Deadline bounds the whole task end-to-end; 0 means none.
	Deadline time.Duration
}

// Task is one queued inference request.
type Task struct {
	Query   string
	Context string
	Options Options
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID          string                 `json:"task_id"`
	RecursionID     string                 `json:"recursion_id,omitempty"`
	Status          agent.ExecutionStatus  `json:"status"`
	Answer          string                 `json:"answer"`
	ContentFiltered bool                   `json:"content_filtered,omitempty"`
	Usage           models.UsageRecord     `json:"usage"`
	PerLevel        []recursion.LevelUsage `json:"per_level_usage,omitempty"`
	WallclockMS     int64                  `json:"wallclock_ms"`
	Err             error                  `json:"-"`
}

// Future resolves exactly once with the task's terminal result.
type Future struct {
	taskID string
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result *TaskResult
}

// TaskID identifies the task for logging and correlation.
func (f *Future) TaskID() string { return f.taskID }

// Wait blocks until the task resolves or ctx expires. Giving up on Wait
// does not cancel the task; call Cancel for that.
func (f *Future) Wait(ctx context.Context) (*TaskResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the task has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancel cancels the whole tree of this task. The future still resolves,
// with status cancelled, after every level's session has been closed.
func (f *Future) Cancel() { f.cancel() }

func (f *Future) resolve(result *TaskResult) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// taskEntry is a queued task with its tree context.
type taskEntry struct {
	id         string
	task       Task
	ctx        context.Context
	cancel     context.CancelFunc
	future     *Future
	enqueuedAt time.Time
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// Health is a point-in-time snapshot of the coordinator.
type Health struct {
	IsHealthy      bool           `json:"is_healthy"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	ActiveTasks    int            `json:"active_tasks"`
	QueueDepth     int            `json:"queue_depth"`
	PermitsInUse   int            `json:"permits_in_use"`
	PermitCapacity int            `json:"permit_capacity"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}
