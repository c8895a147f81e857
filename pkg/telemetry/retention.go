package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retention defaults.
const (
	DefaultRetentionMaxAge = 30 * 24 * time.Hour
	DefaultSweepInterval   = time.Hour
)

// RetentionConfig bounds how long telemetry records are kept.
type RetentionConfig struct {
	// MaxAge is the retention window; rows older than this are deleted.
	MaxAge time.Duration

	// Interval is the sweep cadence.
	Interval time.Duration
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultRetentionMaxAge
	}
	if c.Interval <= 0 {
		c.Interval = DefaultSweepInterval
	}
	return c
}

// retentionTables are swept oldest-first by their hypertable time column.
var retentionTables = []string{"model_calls", "code_executions", "task_events"}

// Sweeper periodically deletes telemetry rows past the retention window.
// Deletes are idempotent and safe to run from multiple replicas against
// the same database.
type Sweeper struct {
	client *Client
	cfg    RetentionConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the client's connection pool. Zero
// config fields fall back to the defaults.
func NewSweeper(client *Client, cfg RetentionConfig) *Sweeper {
	return &Sweeper{
		client: client,
		cfg:    cfg.withDefaults(),
	}
}

// Start launches the background sweep loop. The first sweep runs
// immediately so a restart never postpones overdue deletion by a full
// interval.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Telemetry retention sweeper started",
		"max_age", s.cfg.MaxAge,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Telemetry retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes expired rows from every telemetry table. Failures are
// logged and skipped; the next tick retries.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	for _, table := range retentionTables {
		res, err := s.client.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE time < $1`, table), cutoff)
		if err != nil {
			slog.Error("Retention: sweep failed", "table", table, "error", err)
			continue
		}
		if count, err := res.RowsAffected(); err == nil && count > 0 {
			slog.Info("Retention: deleted expired records",
				"table", table, "count", count)
		}
	}
}
