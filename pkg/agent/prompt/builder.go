// Package prompt builds all prompt text for the reasoning loop: system
// instructions, the seeded user message, and the forced finalize prompt.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// Builder composes prompt text for reasoning levels. Stateless — all
// state comes from parameters. Thread-safe — no mutable state.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildInitialMessages seeds the conversation for one level: a system
// message whose variant depends on whether ask_sub_rlm is advertised,
// then a user message carrying the context payload and the query.
func (b *Builder) BuildInitialMessages(level models.LevelContext, query, contextText string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: b.ComposeInstructions(level)},
		{Role: models.RoleUser, Content: b.buildUserMessage(query, contextText)},
	}
}

// ComposeInstructions builds the system prompt for a level.
func (b *Builder) ComposeInstructions(level models.LevelContext) string {
	var sections []string

	if level.CanRecurse() {
		sections = append(sections, recursiveInstructions)
	} else {
		sections = append(sections, leafInstructions)
	}

	sections = append(sections, sandboxNotes, answerGuidance)

	return strings.Join(sections, "\n\n")
}

// BuildFinalizePrompt returns the synthetic user message appended when a
// level hits its iteration cap. The next call advertises no tools, so
// the reply must be the answer itself.
func (b *Builder) BuildFinalizePrompt(iterations int) string {
	return fmt.Sprintf(finalizeTemplate, iterations)
}

const finalizeTemplate = `You have used all %d reasoning steps for this question. Tools are no
longer available. Based on everything observed so far, give your final
answer now. If the evidence is incomplete, give the best answer you can
and note the uncertainty.`

// buildUserMessage folds the context payload (when present) in front of
// the query.
func (b *Builder) buildUserMessage(query, contextText string) string {
	var sb strings.Builder

	sb.WriteString(FormatContextSection(contextText))
	sb.WriteString("\n")

	sb.WriteString("## Question\n\n")
	sb.WriteString(query)

	return sb.String()
}

// FormatContextSection builds the context payload section of the user
// message. contextText is opaque text supplied with the task; it is
// passed as-is, not parsed.
func FormatContextSection(contextText string) string {
	if contextText == "" {
		return "## Context\n\nNo additional context provided.\n"
	}

	var sb strings.Builder
	sb.WriteString("## Context\n\n")
	sb.WriteString("<!-- CONTEXT_START -->\n")
	sb.WriteString(contextText)
	sb.WriteString("\n<!-- CONTEXT_END -->\n")
	return sb.String()
}
