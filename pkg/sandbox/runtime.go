// Package sandbox provides the in-process execution runtime: a hermetic,
// stateful POSIX shell interpreter over an in-memory filesystem. Each State
// is one persistent interpreter; variables, functions and files survive
// across executions until the state is closed. Nothing in a State can reach
// host I/O: all file operations resolve against the in-memory filesystem and
// command execution is restricted to a fixed set of built-in utilities.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

const (
	// DefaultMaxCodeBytes caps the size of a single code submission.
	DefaultMaxCodeBytes = 256 * 1024

	// DefaultWallTimeout bounds one execution.
	DefaultWallTimeout = 30 * time.Second

	// DefaultOutputTruncateBytes is the soft cap per captured stream.
	DefaultOutputTruncateBytes = 16 * 1024

	// DefaultMemoryCapBytes is carried on limits for externally supervised
	// runtimes; the in-process executor does not enforce it.
	DefaultMemoryCapBytes = 256 * 1024 * 1024

	// overflowFactor scales the soft output cap into the hard abort cap.
	overflowFactor = 4
)

// Limits bound a single execution.
type Limits struct {
	WallTimeout         time.Duration
	MemoryCapBytes      int64
	OutputTruncateBytes int
}

// WithDefaults fills zero fields from the runtime defaults.
func (l Limits) WithDefaults(d Limits) Limits {
	if l.WallTimeout <= 0 {
		l.WallTimeout = d.WallTimeout
	}
	if l.MemoryCapBytes <= 0 {
		l.MemoryCapBytes = d.MemoryCapBytes
	}
	if l.OutputTruncateBytes <= 0 {
		l.OutputTruncateBytes = d.OutputTruncateBytes
	}
	return l
}

// Config configures a Runtime.
type Config struct {
	MaxCodeBytes  int
	DefaultLimits Limits
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxCodeBytes: DefaultMaxCodeBytes,
		DefaultLimits: Limits{
			WallTimeout:         DefaultWallTimeout,
			MemoryCapBytes:      DefaultMemoryCapBytes,
			OutputTruncateBytes: DefaultOutputTruncateBytes,
		},
	}
}

// Runtime creates sandbox states and executes code against them. It is
// stateless itself and safe for concurrent use; individual States are not —
// callers must serialize executions per State.
type Runtime struct {
	cfg Config
}

// NewRuntime returns a Runtime with zero config fields defaulted.
func NewRuntime(cfg Config) *Runtime {
	d := DefaultConfig()
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = d.MaxCodeBytes
	}
	cfg.DefaultLimits = cfg.DefaultLimits.WithDefaults(d.DefaultLimits)
	return &Runtime{cfg: cfg}
}

// DefaultLimits returns the per-execution limits applied when a caller
// leaves fields unset.
func (r *Runtime) DefaultLimits() Limits {
	return r.cfg.DefaultLimits
}

// State is one persistent interpreter. All executions against a State mutate
// the same variable bindings and in-memory filesystem.
type State struct {
	fs     afero.Fs
	runner *interp.Runner
	parser *syntax.Parser
	closed bool
}

// NewState allocates a fresh interpreter state with an empty in-memory
// filesystem.
func (r *Runtime) NewState() (*State, error) {
	fs := afero.NewMemMapFs()
	for _, dir := range []string{"/home/sandbox", "/tmp"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to seed sandbox filesystem: %w", err)
		}
	}
	st := &State{
		fs:     fs,
		parser: syntax.NewParser(syntax.Variant(syntax.LangBash)),
	}
	if err := st.newRunner(); err != nil {
		return nil, err
	}
	return st, nil
}

// newRunner builds a fresh interpreter over the state's filesystem.
// Unset-variable references are errors (nounset), which is what keeps
// cross-session name leaks structurally impossible to miss in tests.
func (st *State) newRunner() error {
	runner, err := interp.New(
		interp.Env(expand.ListEnviron(
			"PATH=/usr/bin:/bin",
			"HOME=/home/sandbox",
			"TMPDIR=/tmp",
			"LANG=C.UTF-8",
		)),
		interp.Dir("/"),
		interp.Params("-u"),
		interp.ExecHandlers(st.execHandler),
		interp.OpenHandler(st.openHandler),
		interp.StatHandler(st.statHandler),
		interp.ReadDirHandler(st.readDirHandler),
	)
	if err != nil {
		return fmt.Errorf("failed to create interpreter: %w", err)
	}
	st.runner = runner
	return nil
}

// Close releases the state. Further executions report a runtime error.
func (st *State) Close() {
	st.closed = true
	st.fs = nil
	st.runner = nil
}

// Execute runs one code string against st under the given limits. It never
// returns a Go error: all failure modes are encoded in the Outputs error
// kind, with diagnostic text on stderr.
func (r *Runtime) Execute(ctx context.Context, st *State, code string, limits Limits) *models.Outputs {
	start := time.Now()
	if st == nil || st.closed {
		return &models.Outputs{
			Stderr:    "interpreter state is closed",
			ErrorKind: models.ErrorKindRuntime,
		}
	}
	if len(code) > r.cfg.MaxCodeBytes {
		return &models.Outputs{
			Stderr:    fmt.Sprintf("code exceeds maximum length of %d bytes", r.cfg.MaxCodeBytes),
			ErrorKind: models.ErrorKindRuntime,
		}
	}
	limits = limits.WithDefaults(r.cfg.DefaultLimits)

	prog, err := st.parser.Parse(strings.NewReader(code), "")
	if err != nil {
		return &models.Outputs{
			Stderr:     err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
			ErrorKind:  models.ErrorKindSyntax,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.WallTimeout)
	defer cancel()

	var overflowed atomic.Bool
	onOverflow := func() {
		overflowed.Store(true)
		cancel()
	}
	hard := limits.OutputTruncateBytes * overflowFactor
	stdout := newCappedBuffer(limits.OutputTruncateBytes, hard, onOverflow)
	stderr := newCappedBuffer(limits.OutputTruncateBytes, hard, onOverflow)

	interp.StdIO(strings.NewReader(""), stdout, stderr)(st.runner)

	runErr := st.runner.Run(execCtx, prog)
	duration := time.Since(start).Milliseconds()

	// An explicit exit ends the interpreter; give the session a fresh one so
	// later executions do not silently no-op.
	if st.runner.Exited() {
		if err := st.newRunner(); err != nil {
			st.closed = true
		}
	}

	out := &models.Outputs{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration,
		ErrorKind:  classify(execCtx, runErr, overflowed.Load()),
	}
	return out
}

// classify maps the run outcome onto the sandbox error kinds. Overflow wins
// over timeout and cancellation because the overflow abort cancels the same
// context.
func classify(execCtx context.Context, runErr error, overflowed bool) models.ErrorKind {
	if overflowed {
		return models.ErrorKindOutputOverflow
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}
	if errors.Is(execCtx.Err(), context.Canceled) {
		return models.ErrorKindCancelled
	}
	if runErr != nil {
		return models.ErrorKindRuntime
	}
	return ""
}
