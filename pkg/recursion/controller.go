// Package recursion builds and runs reasoning trees: one reasoning loop per
// level, a fresh sandbox session per level, and depth-based model selection.
package recursion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rexxy-sasori/rlm/pkg/agent"
	"github.com/rexxy-sasori/rlm/pkg/agent/prompt"
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/repl"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
	"github.com/rexxy-sasori/rlm/pkg/transport"
)

// Config fixes the tree shape and per-level defaults for a deployment.
type Config struct {
	// RootModel answers depth-0 invocations.
	RootModel string

	// SubModels is the ladder for depth k >= 1: entry k-1, with the last
	// entry reused when the tree is deeper than the ladder.
	SubModels []string

	// MaxDepth bounds the tree; 1 means no recursion at all.
	MaxDepth int

	// MaxIterations caps model calls per level; 0 means the loop default.
	MaxIterations int

	// ExecutionTimeout is the sandbox wall timeout per execution.
	ExecutionTimeout time.Duration

	// MaxOutputTokens bounds each completion; 0 means provider default.
	MaxOutputTokens int
}

// Limits are the per-task execution knobs a caller may override.
type Limits struct {
	MaxIterations    int
	ExecutionTimeout time.Duration
}

// Request is one inference task. Overrides apply to this tree only; zero
// values defer to the controller Config.
type Request struct {
	Query            string
	Context          string
	ModelOverride    string
	MaxDepthOverride int
	Limits           Limits
}

// LevelUsage is the accounting entry for one invocation. Entries are
// reported in invocation order: a level appears before any of its children.
type LevelUsage struct {
	RecursionID       string                `json:"recursion_id"`
	ParentRecursionID string                `json:"parent_recursion_id,omitempty"`
	Depth             int                   `json:"depth"`
	ModelID           string                `json:"model_id"`
	Status            agent.ExecutionStatus `json:"status"`
	Iterations        int                   `json:"iterations"`
	Usage             models.UsageRecord    `json:"usage"`
	WallclockMS       int64                 `json:"wallclock_ms"`
}

// TreeResult is the outcome of one whole reasoning tree. Usage totals every
// level; Err is set when Status is not completed.
type TreeResult struct {
	Answer          string
	Status          agent.ExecutionStatus
	RecursionID     string
	ContentFiltered bool
	Usage           models.UsageRecord
	PerLevel        []LevelUsage
	WallclockMS     int64
	Err             error
}

// Controller runs reasoning trees over a shared model client and transport.
// It is safe for concurrent use; every Run owns its own sessions.
type Controller struct {
	cfg       Config
	client    llm.Client
	transport transport.Transport
	prompts   agent.PromptBuilder
	recorder  telemetry.Recorder
	loop      *agent.Loop
}

// New validates the deployment configuration and builds a controller.
// A nil recorder disables telemetry.
func New(cfg Config, client llm.Client, tp transport.Transport, rec telemetry.Recorder) (*Controller, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	if tp == nil {
		return nil, errors.New("execution transport is required")
	}
	if cfg.RootModel == "" {
		return nil, errors.New("root model is required")
	}
	if cfg.MaxDepth < 1 {
		return nil, fmt.Errorf("max depth must be >= 1, got %d", cfg.MaxDepth)
	}
	if cfg.MaxDepth > 1 && len(cfg.SubModels) == 0 {
		return nil, errors.New("sub model list is required when max depth allows recursion")
	}
	if rec == nil {
		rec = telemetry.NopRecorder{}
	}
	return &Controller{
		cfg:       cfg,
		client:    client,
		transport: tp,
		prompts:   prompt.NewBuilder(),
		recorder:  rec,
		loop:      agent.NewLoop(),
	}, nil
}

// Run executes one reasoning tree and blocks until it resolves. Semantic
// failures (model faults, cancellation) land in the TreeResult; the error
// return is reserved for requests the controller cannot start at all.
func (c *Controller) Run(ctx context.Context, req Request) (*TreeResult, error) {
	if req.Query == "" {
		return nil, errors.New("query is required")
	}
	rootModel, maxDepth, limits, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	usage := &usageCollector{}
	root := levelParams{
		depth:       0,
		maxDepth:    maxDepth,
		rootModel:   rootModel,
		modelID:     rootModel,
		recursionID: ulid.Make().String(),
		query:       req.Query,
		contextText: req.Context,
		limits:      limits,
	}

	result := c.runLevel(ctx, root, usage)

	tree := &TreeResult{
		Answer:          result.Answer,
		Status:          result.Status,
		RecursionID:     root.recursionID,
		ContentFiltered: result.ContentFiltered,
		PerLevel:        usage.snapshot(),
		WallclockMS:     time.Since(start).Milliseconds(),
		Err:             result.Err,
	}
	for _, lvl := range tree.PerLevel {
		tree.Usage.Add(lvl.Usage)
	}
	return tree, nil
}

// resolve folds per-request overrides into the configured defaults.
func (c *Controller) resolve(req Request) (rootModel string, maxDepth int, limits Limits, err error) {
	rootModel = c.cfg.RootModel
	if req.ModelOverride != "" {
		rootModel = req.ModelOverride
	}
	maxDepth = c.cfg.MaxDepth
	if req.MaxDepthOverride != 0 {
		if req.MaxDepthOverride < 1 {
			return "", 0, Limits{}, fmt.Errorf("max depth override must be >= 1, got %d", req.MaxDepthOverride)
		}
		maxDepth = req.MaxDepthOverride
	}
	limits = Limits{
		MaxIterations:    c.cfg.MaxIterations,
		ExecutionTimeout: c.cfg.ExecutionTimeout,
	}
	if req.Limits.MaxIterations > 0 {
		limits.MaxIterations = req.Limits.MaxIterations
	}
	if req.Limits.ExecutionTimeout > 0 {
		limits.ExecutionTimeout = req.Limits.ExecutionTimeout
	}
	return rootModel, maxDepth, limits, nil
}

// levelParams is everything one invocation needs before its session exists.
type levelParams struct {
	depth       int
	maxDepth    int
	rootModel   string
	modelID     string
	parentID    string
	recursionID string
	query       string
	contextText string
	limits      Limits
}

// runLevel provisions a session, runs one reasoning loop, and records the
// outcome. It never returns nil.
func (c *Controller) runLevel(ctx context.Context, p levelParams, usage *usageCollector) *agent.Result {
	logger := slog.With("recursion_id", p.recursionID, "depth", p.depth, "model_id", p.modelID)
	entry := usage.begin(p)
	start := time.Now()

	if err := ctx.Err(); err != nil {
		result := &agent.Result{Status: agent.StatusCancelled, Err: err}
		c.finishLevel(ctx, p, entry, result, start)
		return result
	}

	// A sub-asker exists only when the next level down is still above the
	// depth floor. Leaf levels get none, so ask_sub_rlm is never advertised
	// there and never spawns a child.
	var subAsker repl.SubAsker
	if p.depth+1 < p.maxDepth {
		subAsker = func(subCtx context.Context, query string) (string, error) {
			return c.askSub(subCtx, p, query, usage)
		}
	}

	env, err := repl.New(ctx, c.transport, repl.Options{
		Timeout:     p.limits.ExecutionTimeout,
		SubAsker:    subAsker,
		Telemetry:   c.recorder,
		RecursionID: p.recursionID,
		Depth:       p.depth,
	})
	if err != nil {
		logger.Error("Failed to provision level session", "error", err)
		result := &agent.Result{Status: agent.StatusFailed, Err: err}
		c.finishLevel(ctx, p, entry, result, start)
		return result
	}
	defer func() { _ = env.Close() }()

	logger.Info("Level started", "session_id", env.SessionID(), "max_depth", p.maxDepth)

	iterCap := p.limits.MaxIterations
	if iterCap <= 0 {
		iterCap = agent.DefaultMaxIterations
	}

	execCtx := &agent.ExecutionContext{
		Level: models.LevelContext{
			Depth:             p.depth,
			MaxDepth:          p.maxDepth,
			ModelID:           p.modelID,
			SubModelIDs:       c.cfg.SubModels,
			ParentRecursionID: p.parentID,
			RecursionID:       p.recursionID,
			SessionID:         env.SessionID(),
			HardIterationCap:  iterCap,
		},
		Query:           p.query,
		ContextText:     p.contextText,
		Client:          c.client,
		Executor:        env,
		Prompts:         c.prompts,
		Telemetry:       c.recorder,
		MaxIterations:   iterCap,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}

	result, err := c.loop.Run(ctx, execCtx)
	if err != nil {
		// The loop reserves its error return for unusable wiring; fold it
		// into a failed level rather than tearing down the whole tree.
		result = &agent.Result{Status: agent.StatusFailed, Err: err}
	}

	logger.Info("Level finished", "status", result.Status,
		"iterations", result.Iterations, "total_tokens", result.Usage.TotalTokens)
	c.finishLevel(ctx, p, entry, result, start)
	return result
}

// askSub runs a child invocation one level down and adapts its outcome to
// the sub-asker contract: answers pass through verbatim, everything else
// becomes an error the parent observes as a sub_failed tool message.
func (c *Controller) askSub(ctx context.Context, parent levelParams, query string, usage *usageCollector) (string, error) {
	child := levelParams{
		depth:       parent.depth + 1,
		maxDepth:    parent.maxDepth,
		rootModel:   parent.rootModel,
		modelID:     c.modelForDepth(parent.depth+1, parent.rootModel),
		parentID:    parent.recursionID,
		recursionID: ulid.Make().String(),
		query:       query,
		limits:      parent.limits,
	}

	result := c.runLevel(ctx, child, usage)
	switch {
	case result.Status == agent.StatusCompleted && result.ContentFiltered:
		return "", errors.New("sub reasoner response withheld by content filter")
	case result.Status == agent.StatusCompleted:
		return result.Answer, nil
	case result.Err != nil:
		return "", result.Err
	default:
		return "", fmt.Errorf("sub reasoner %s", result.Status)
	}
}

// modelForDepth walks the sub-model ladder, clamping to the last entry when
// the tree is deeper than the ladder. An empty ladder reuses the root model.
func (c *Controller) modelForDepth(depth int, rootModel string) string {
	if depth == 0 || len(c.cfg.SubModels) == 0 {
		return rootModel
	}
	idx := depth - 1
	if idx >= len(c.cfg.SubModels) {
		idx = len(c.cfg.SubModels) - 1
	}
	return c.cfg.SubModels[idx]
}

func (c *Controller) finishLevel(ctx context.Context, p levelParams, entry *LevelUsage, result *agent.Result, start time.Time) {
	entry.Status = result.Status
	entry.Iterations = result.Iterations
	entry.Usage = result.Usage
	entry.WallclockMS = time.Since(start).Milliseconds()

	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	c.recorder.RecordLevel(ctx, telemetry.LevelRecord{
		RecursionID:        p.recursionID,
		ParentRecursionID:  p.parentID,
		Depth:              p.depth,
		ModelID:            p.modelID,
		Status:             string(result.Status),
		Iterations:         result.Iterations,
		AnswerLength:       len(result.Answer),
		PromptTokens:       result.Usage.PromptTokens,
		CachedPromptTokens: result.Usage.CachedPromptTokens,
		CompletionTokens:   result.Usage.CompletionTokens,
		TotalTokens:        result.Usage.TotalTokens,
		WallclockMS:        entry.WallclockMS,
		ErrorKind:          string(errorKindOf(result.Err)),
		ErrorMessage:       errMsg,
	})
}

// usageCollector accumulates per-level accounting in invocation order.
// Levels of one tree run strictly sequentially (a sub call suspends its
// parent), so no lock is needed.
type usageCollector struct {
	levels []*LevelUsage
}

func (u *usageCollector) begin(p levelParams) *LevelUsage {
	entry := &LevelUsage{
		RecursionID:       p.recursionID,
		ParentRecursionID: p.parentID,
		Depth:             p.depth,
		ModelID:           p.modelID,
	}
	u.levels = append(u.levels, entry)
	return entry
}

func (u *usageCollector) snapshot() []LevelUsage {
	out := make([]LevelUsage, len(u.levels))
	for i, lvl := range u.levels {
		out[i] = *lvl
	}
	return out
}

func errorKindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindCancelled
	}
	return ""
}
