package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rexxy-sasori/rlm/pkg/agent"
)

// Config sizes the coordinator.
type Config struct {
	// Workers is the number of concurrent tree runners (default 3).
	Workers int

	// Permits caps in-flight tasks end-to-end (default 5). The permit pool
	// also bounds the queue: a task holds its permit from Submit until its
	// future resolves, so at most Permits entries are ever queued.
	Permits int
}

// Coordinator runs submitted tasks FIFO over a fixed worker pool.
type Coordinator struct {
	runner  TreeRunner
	workers []*worker
	tasks   chan *taskEntry
	permits chan struct{}
	fatals  chan error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Task cancel registry: task_id → cancel function.
	mu      sync.RWMutex
	active  map[string]context.CancelFunc
	started bool
}

// NewCoordinator creates a coordinator. Workers do not run until Start.
func NewCoordinator(runner TreeRunner, cfg Config) (*Coordinator, error) {
	if runner == nil {
		return nil, errors.New("tree runner is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Permits <= 0 {
		cfg.Permits = DefaultPermits
	}

	workers := make([]*worker, cfg.Workers)
	for i := range workers {
		workers[i] = newWorker(fmt.Sprintf("worker-%d", i))
	}
	return &Coordinator{
		runner:  runner,
		workers: workers,
		tasks:   make(chan *taskEntry, cfg.Permits),
		permits: make(chan struct{}, cfg.Permits),
		fatals:  make(chan error, 1),
		stopCh:  make(chan struct{}),
		active:  make(map[string]context.CancelFunc),
	}, nil
}

// Fatal reports task failures no retry or later task can recover from: the
// model provider rejected our credentials, so every submission would fail
// the same way. The daemon watches this channel and shuts down on receive.
func (c *Coordinator) Fatal() <-chan error {
	return c.fatals
}

// Start spawns the worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		slog.Warn("Coordinator already started, ignoring duplicate Start call")
		return nil
	}
	c.started = true
	c.mu.Unlock()

	slog.Info("Starting task coordinator",
		"workers", len(c.workers), "permits", cap(c.permits))
	for _, w := range c.workers {
		c.wg.Add(1)
		go c.runWorker(ctx, w)
	}
	return nil
}

// Stop signals workers to stop and waits for them to finish. Workers
// complete their current task before exiting; tasks still queued resolve
// cancelled with ErrStopped.
func (c *Coordinator) Stop() {
	slog.Info("Stopping task coordinator")
	if active := c.activeTaskIDs(); len(active) > 0 {
		slog.Info("Waiting for active tasks to complete",
			"count", len(active), "task_ids", active)
	}

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.drainQueue()
	slog.Info("Task coordinator stopped")
}

// CancelAll cancels every registered task tree. Graceful Stop does not
// call this; shutdown paths that cannot wait do.
func (c *Coordinator) CancelAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, cancel := range c.active {
		slog.Info("Cancelling task", "task_id", id)
		cancel()
	}
}

// Submit enqueues a task and returns its future. It blocks while the
// permit pool is saturated; the permit is held until the future resolves.
func (c *Coordinator) Submit(ctx context.Context, task Task) (*Future, error) {
	if task.Query == "" {
		return nil, errors.New("task query is required")
	}

	select {
	case c.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrStopped
	}

	// The tree context derives from Background, not the submit context:
	// a task outlives its submitter unless the future is cancelled.
	var treeCtx context.Context
	var cancel context.CancelFunc
	if task.Options.Deadline > 0 {
		treeCtx, cancel = context.WithTimeout(context.Background(), task.Options.Deadline)
	} else {
		treeCtx, cancel = context.WithCancel(context.Background())
	}

	id := ulid.Make().String()
	entry := &taskEntry{
		id:     id,
		task:   task,
		ctx:    treeCtx,
		cancel: cancel,
		future: &Future{
			taskID: id,
			cancel: cancel,
			done:   make(chan struct{}),
		},
		enqueuedAt: time.Now(),
	}
	c.register(id, cancel)

	// The held permit guarantees queue room; the stop branch only covers a
	// coordinator shutting down between the permit and the enqueue.
	select {
	case c.tasks <- entry:
	case <-c.stopCh:
		c.unregister(id)
		cancel()
		<-c.permits
		return nil, ErrStopped
	}

	slog.Debug("Task enqueued", "task_id", id, "queue_depth", len(c.tasks))
	return entry.future, nil
}

// SubmitBatch submits tasks in order. On error it returns the futures
// already live alongside the error; the caller owns their cancellation.
func (c *Coordinator) SubmitBatch(ctx context.Context, tasks []Task) ([]*Future, error) {
	futures := make([]*Future, 0, len(tasks))
	for i, task := range tasks {
		fut, err := c.Submit(ctx, task)
		if err != nil {
			return futures, fmt.Errorf("submit task %d: %w", i, err)
		}
		futures = append(futures, fut)
	}
	return futures, nil
}

// Health returns the current health status of the coordinator.
func (c *Coordinator) Health() *Health {
	c.mu.RLock()
	started := c.started
	activeTasks := len(c.active)
	c.mu.RUnlock()

	stats := make([]WorkerHealth, len(c.workers))
	activeWorkers := 0
	for i, w := range c.workers {
		stats[i] = w.health()
		if stats[i].Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	return &Health{
		IsHealthy:      started && len(c.workers) > 0,
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(c.workers),
		ActiveTasks:    activeTasks,
		QueueDepth:     len(c.tasks),
		PermitsInUse:   len(c.permits),
		PermitCapacity: cap(c.permits),
		WorkerStats:    stats,
	}
}

// drainQueue resolves tasks that never reached a worker.
func (c *Coordinator) drainQueue() {
	for {
		select {
		case entry := <-c.tasks:
			c.resolveStopped(entry)
		default:
			return
		}
	}
}

// resolveStopped settles a task the pool will never run.
func (c *Coordinator) resolveStopped(entry *taskEntry) {
	entry.cancel()
	c.unregister(entry.id)
	<-c.permits
	entry.future.resolve(&TaskResult{
		TaskID: entry.id,
		Status: agent.StatusCancelled,
		Err:    ErrStopped,
	})
}

func (c *Coordinator) register(taskID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[taskID] = cancel
}

func (c *Coordinator) unregister(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, taskID)
}

func (c *Coordinator) activeTaskIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}
