// Package agent implements the per-level reasoning loop: a tool-using
// conversation between one model and one REPL environment that runs until
// the model produces a terminal answer.
package agent

import (
	"github.com/rexxy-sasori/rlm/pkg/models"
)

// ExecutionStatus represents the outcome of one reasoning invocation.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Result is returned by Loop.Run().
//
// Run returns (*Result, nil) on completion — check Status and Err for
// level failures such as exhausted model retries. (nil, error) is reserved
// for infrastructure failures where no meaningful result exists.
type Result struct {
	Status ExecutionStatus

	// Answer is the final assistant text. Empty when the completion was
	// content-filtered or the level failed.
	Answer string

	// Err describes the failure when Status is StatusFailed.
	Err error

	// Usage totals token consumption across every model call of this level,
	// including the forced finalize call. Sub-level usage is not included.
	Usage models.UsageRecord

	// Iterations is the number of model calls made.
	Iterations int

	// ContentFiltered is set when the provider suppressed the completion.
	ContentFiltered bool
}
