package telemetry

import (
	"context"
	"crypto/md5"
	stdsql "database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

const (
	// DefaultBufferSize is how many pending records the writer queue holds
	// before new records are dropped.
	DefaultBufferSize = 1024

	// writeTimeout bounds one insert. The writer runs on its own context:
	// records must land even when the originating level was cancelled.
	writeTimeout = 5 * time.Second
)

// Config holds telemetry sink configuration.
type Config struct {
	// DatabaseURL is a PostgreSQL/TimescaleDB connection URL.
	DatabaseURL string

	// BufferSize overrides DefaultBufferSize when > 0.
	BufferSize int

	// Connection pool settings. Zero values keep database/sql defaults.
	MaxOpenConns int
	MaxIdleConns int
}

type writeFn func(ctx context.Context) error

// Client is the TimescaleDB-backed Recorder. Inserts run on a single
// writer goroutine fed by a bounded queue; Record* methods never block
// and drop with a warning when the queue is full.
type Client struct {
	db     *stdsql.DB
	writes chan writeFn
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewClient connects, applies embedded migrations, and starts the writer.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping telemetry database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run telemetry migrations: %w", err)
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	c := &Client{
		db:     db,
		writes: make(chan writeFn, bufferSize),
		done:   make(chan struct{}),
	}
	go c.run()

	slog.Info("Telemetry recorder started", "buffer_size", bufferSize)
	return c, nil
}

// runMigrations applies embedded migration files with golang-migrate.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "telemetry", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for write := range c.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := write(ctx); err != nil {
			slog.Warn("Telemetry write failed", "error", err)
		}
		cancel()
	}
}

// enqueue hands a write to the writer queue without blocking.
func (c *Client) enqueue(kind string, write writeFn) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.writes <- write:
	default:
		slog.Warn("Telemetry buffer full, dropping record", "kind", kind)
	}
}

// RecordModelCall implements Recorder.
func (c *Client) RecordModelCall(_ context.Context, rec ModelCallRecord) {
	c.enqueue("model_call", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO model_calls (
				recursion_id, parent_recursion_id, depth, iteration, model_id,
				prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens,
				context_messages, response_length, tool_call_count, forced,
				duration_ms, success, error_kind, error_message
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			rec.RecursionID, nullIfEmpty(rec.ParentRecursionID), rec.Depth, rec.Iteration, rec.ModelID,
			rec.PromptTokens, rec.CachedPromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.ContextMessages, rec.ResponseLength, rec.ToolCallCount, rec.Forced,
			rec.DurationMS, rec.Success, nullIfEmpty(rec.ErrorKind), nullIfEmpty(rec.ErrorMessage))
		return err
	})
}

// RecordExecution implements Recorder.
func (c *Client) RecordExecution(_ context.Context, rec ExecutionRecord) {
	c.enqueue("code_execution", func(ctx context.Context) error {
		codeHash := fmt.Sprintf("%x", md5.Sum([]byte(rec.Code)))
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO code_executions (
				recursion_id, depth, session_id, execution_number,
				code, code_hash, stdout, stderr, output_length,
				duration_ms, success, error_kind
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.RecursionID, rec.Depth, rec.SessionID, rec.ExecutionNumber,
			rec.Code, codeHash, rec.Stdout, rec.Stderr, rec.OutputLength,
			rec.DurationMS, rec.Success, nullIfEmpty(rec.ErrorKind))
		return err
	})
}

// RecordLevel implements Recorder. Root rows (depth 0) are the per-task
// events; deeper rows are the sub-call events.
func (c *Client) RecordLevel(_ context.Context, rec LevelRecord) {
	c.enqueue("task_event", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO task_events (
				recursion_id, parent_recursion_id, depth, model_id, status,
				iterations, answer_length,
				prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens,
				wallclock_ms, error_kind, error_message
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			rec.RecursionID, nullIfEmpty(rec.ParentRecursionID), rec.Depth, rec.ModelID, rec.Status,
			rec.Iterations, rec.AnswerLength,
			rec.PromptTokens, rec.CachedPromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.WallclockMS, nullIfEmpty(rec.ErrorKind), nullIfEmpty(rec.ErrorMessage))
		return err
	})
}

// Close drains the queue, stops the writer, and closes the pool.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.writes)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.Info("Telemetry recorder stopped")
	return c.db.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Recorder = (*Client)(nil)
