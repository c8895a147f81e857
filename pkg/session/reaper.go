package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically destroys sessions that outlived a TTL:
//   - idle sessions (no execution within the idle TTL)
//   - aged sessions (alive longer than the absolute TTL)
//
// Destruction waits for in-flight executions, so a reap never interrupts a
// running execution.
type Reaper struct {
	manager  *Manager
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper for the given manager. A non-positive interval
// falls back to the default.
func NewReaper(manager *Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		manager:  manager,
		interval: interval,
	}
}

// Start launches the background reap loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Session reaper started",
		"interval", r.interval,
		"idle_ttl", r.manager.cfg.IdleTTL,
		"absolute_ttl", r.manager.cfg.AbsoluteTTL)
}

// Stop signals the reap loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Session reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Reaper) reapOnce() {
	count := r.manager.reapExpired(time.Now())
	if count > 0 {
		slog.Info("Reaper: destroyed expired sessions",
			"count", count,
			"live", r.manager.Len())
	}
}
