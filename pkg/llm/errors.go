package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rexxy-sasori/rlm/pkg/models"
)

// Error is a classified model-client failure.
type Error struct {
	Kind   models.ErrorKind
	Status int // HTTP status when the provider returned one, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model call failed (%s, status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("model call failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// classifyError maps a provider or transport failure onto the model error
// taxonomy. Anything without an HTTP status is assumed to be a transient
// network failure unless it is a context error.
func classifyError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: models.ErrorKindCancelled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: models.ErrorKindTransientNetwork, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode), Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode), Status: reqErr.HTTPStatusCode, Err: err}
	}

	return &Error{Kind: models.ErrorKindTransientNetwork, Err: err}
}

func kindForStatus(status int) models.ErrorKind {
	switch {
	case status == 429:
		return models.ErrorKindRateLimited
	case status == 401 || status == 403:
		return models.ErrorKindAuthentication
	case status == 408:
		return models.ErrorKindTransientNetwork
	case status >= 500 || status == 0:
		return models.ErrorKindTransientNetwork
	default:
		return models.ErrorKindInvalidRequest
	}
}
