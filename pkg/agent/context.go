package agent

import (
	"github.com/rexxy-sasori/rlm/pkg/llm"
	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/telemetry"
)

// DefaultMaxIterations is the hard iteration cap of one reasoning level.
// When reached, the loop forces a final answer with no tools advertised.
const DefaultMaxIterations = 20

// ExecutionContext carries all dependencies and state needed by one
// reasoning invocation. Created by the recursion controller per level.
type ExecutionContext struct {
	// Level identifies this invocation in the recursion tree: depth, model
	// id, session id, recursion lineage.
	Level models.LevelContext

	// Query is the user question for this level. At depth 0 it is the task
	// query; below that it is the parent's ask_sub_rlm argument.
	Query string

	// ContextText is opaque payload text folded into the user message
	// ahead of the query. Arbitrary text — not parsed, not assumed to be
	// any particular format. Empty below depth 0.
	ContextText string

	// Dependencies (injected by the recursion controller)
	Client   llm.Client
	Executor ToolExecutor

	// Prompts builds all prompt text. Implemented by prompt.Builder;
	// defined as interface here to avoid a circular import between
	// pkg/agent and pkg/agent/prompt.
	Prompts PromptBuilder

	// Telemetry records model calls for latency tracking. nil disables
	// recording — all emit paths are skipped.
	Telemetry telemetry.Recorder

	// MaxIterations caps model calls for this level; 0 means
	// DefaultMaxIterations.
	MaxIterations int

	// MaxOutputTokens bounds each completion; 0 means provider default.
	MaxOutputTokens int
}

func (e *ExecutionContext) maxIterations() int {
	if e.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return e.MaxIterations
}

// PromptBuilder builds prompt text for the reasoning loop.
// Implemented by prompt.Builder; defined as interface here to avoid a
// circular import between pkg/agent and pkg/agent/prompt.
type PromptBuilder interface {
	// BuildInitialMessages seeds the conversation: a system message whose
	// variant depends on the advertised tool set, then a user message
	// carrying the context payload and the query.
	BuildInitialMessages(level models.LevelContext, query, contextText string) []models.Message

	// BuildFinalizePrompt returns the synthetic user message appended when
	// the iteration cap is reached, instructing the model to answer now.
	BuildFinalizePrompt(iterations int) string
}
