package workflow

import (
	"errors"
	"fmt"
)

// FailureCode categorizes run and branch failures. The code drives
// retry policy in the engine:
//
//   - QUOTA_EXHAUSTED: fail the branch, never retry (the budget will not
//     recover until the period rolls over).
//   - UPSTREAM_UNAVAILABLE: retry with bounded exponential backoff, then
//     fail the branch or step.
//   - SCHEMA_VIOLATION: one corrective retry with an explicit hint, then
//     fail the step.
//   - NOT_FOUND / SIZE_EXCEEDED: fatal to the run, no retry.
//   - CANCELLED / REJECTED: terminal, user-initiated.
type FailureCode string

const (
	CodeQuotaExhausted      FailureCode = "QUOTA_EXHAUSTED"
	CodeUpstreamUnavailable FailureCode = "UPSTREAM_UNAVAILABLE"
	CodeSchemaViolation     FailureCode = "SCHEMA_VIOLATION"
	CodeNotFound            FailureCode = "NOT_FOUND"
	CodeSizeExceeded        FailureCode = "SIZE_EXCEEDED"
	CodeCancelled           FailureCode = "CANCELLED"
	CodeRejected            FailureCode = "REJECTED"
)

// Error is a structured workflow failure. Every failure surfaced by the
// engine is one of these (possibly wrapping an underlying cause), so the
// persisted last-error field and status queries carry the code verbatim.
type Error struct {
	Code    FailureCode
	Message string
	RunID   string
	GapID   string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.RunID != "" && e.GapID != "":
		return fmt.Sprintf("%s: %s (run=%s, gap=%s)", e.Code, e.Message, e.RunID, e.GapID)
	case e.RunID != "":
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a workflow error with a formatted message.
func NewError(code FailureCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code FailureCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the failure code from err, or "" if err is not a
// workflow error. Uses errors.As to handle wrapped errors.
func CodeOf(err error) FailureCode {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsQuotaExhausted reports whether err carries CodeQuotaExhausted.
func IsQuotaExhausted(err error) bool { return CodeOf(err) == CodeQuotaExhausted }

// IsUpstreamUnavailable reports whether err carries CodeUpstreamUnavailable.
func IsUpstreamUnavailable(err error) bool { return CodeOf(err) == CodeUpstreamUnavailable }

// IsSchemaViolation reports whether err carries CodeSchemaViolation.
func IsSchemaViolation(err error) bool { return CodeOf(err) == CodeSchemaViolation }

// IsFatal reports whether err is fatal to the whole run with no retry.
func IsFatal(err error) bool {
	code := CodeOf(err)
	return code == CodeNotFound || code == CodeSizeExceeded
}

// IsCancelled reports whether err carries CodeCancelled.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }

// IsRejected reports whether err carries CodeRejected.
func IsRejected(err error) bool { return CodeOf(err) == CodeRejected }
