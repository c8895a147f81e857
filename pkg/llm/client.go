// Package llm provides the chat-completion model client: a provider-neutral
// Client interface, an OpenAI-compatible implementation with retry and error
// classification, and a scripted client for tests.
package llm

import (
	"context"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// Request is one chat-completion call.
type Request struct {
	ModelID  string
	Messages []models.Message
	Tools    []models.ToolDefinition

	// MaxTokens bounds the completion; 0 uses the provider default.
	MaxTokens int

	// Temperature is the sampling temperature; 0 uses the provider default.
	Temperature float32

	// Stop lists sequences that end the completion early.
	Stop []string
}

// Response is the assistant turn produced by a completion call.
type Response struct {
	// Message is the assistant message, including any tool calls. When the
	// provider filtered the completion the message is empty and
	// ContentFiltered is set.
	Message models.Message

	Usage models.UsageRecord

	ContentFiltered bool
}

// Client is a chat-completion model client.
type Client interface {
	// Complete performs one chat-completion call. Retryable provider
	// failures are retried internally; the returned error is a *Error
	// carrying the final classification.
	Complete(ctx context.Context, req *Request) (*Response, error)

	Close() error
}
