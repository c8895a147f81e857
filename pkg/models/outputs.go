package models

// ErrorKind classifies failures that cross a component boundary or the wire.
// Kinds ride inside Outputs and error payloads rather than aborting the
// reasoning loop, so the model can observe and reason about them.
type ErrorKind string

const (
	// Sandbox runtime.
	ErrorKindSyntax         ErrorKind = "syntax"
	ErrorKindRuntime        ErrorKind = "runtime"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindMemory         ErrorKind = "memory"
	ErrorKindOutputOverflow ErrorKind = "output_overflow"

	// Session manager.
	ErrorKindCapacityExhausted ErrorKind = "capacity_exhausted"
	ErrorKindNoSuchSession     ErrorKind = "no_such_session"
	ErrorKindBusy              ErrorKind = "busy"

	// Execution transport.
	ErrorKindTransportUnavailable ErrorKind = "transport_unavailable"

	// Model client.
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindTransientNetwork ErrorKind = "transient_network"
	ErrorKindInvalidRequest   ErrorKind = "invalid_request"
	ErrorKindAuthentication   ErrorKind = "authentication"
	ErrorKindContentFiltered  ErrorKind = "content_filtered"
	ErrorKindModelUnavailable ErrorKind = "model_unavailable"

	// Reasoning loop and coordinator.
	ErrorKindUnknownTool ErrorKind = "unknown_tool"
	ErrorKindSubFailed   ErrorKind = "sub_failed"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// Retryable reports whether a caller may retry after backoff.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindRateLimited || k == ErrorKindTransientNetwork
}

// Outputs is the result record of one sandbox code execution.
type Outputs struct {
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// Failed reports whether the execution produced an error kind.
func (o *Outputs) Failed() bool {
	return o.ErrorKind != ""
}
