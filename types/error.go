package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of one execution.
type ErrorKind string

const (
	// Success is the outcome of a tool that ran and exited zero.
	Success ErrorKind = "SUCCESS"

	ErrToolUnavailable         ErrorKind = "TOOL_UNAVAILABLE"
	ErrImageUnavailable        ErrorKind = "IMAGE_UNAVAILABLE"
	ErrImageVerificationFailed ErrorKind = "IMAGE_VERIFICATION_FAILED"
	ErrSandboxCreationFailed   ErrorKind = "SANDBOX_CREATION_FAILED"
	ErrExecutionTimeout        ErrorKind = "EXECUTION_TIMEOUT"
	ErrNonZeroExit             ErrorKind = "NON_ZERO_EXIT"
	ErrProxyValidationFailed   ErrorKind = "PROXY_VALIDATION_FAILED"
	ErrStealthPolicyViolation  ErrorKind = "STEALTH_POLICY_VIOLATION"
	ErrCancelled               ErrorKind = "CANCELLED"
	ErrInternal                ErrorKind = "INTERNAL_ERROR"
)

// WarnOutputTruncated is attached to an otherwise successful result whose
// output exceeded the capture limit. It never appears as an Outcome.
const WarnOutputTruncated ErrorKind = "OUTPUT_TRUNCATED"

// IsPolicy reports whether the kind means "blocked by design" rather than
// "tool failed".
func (k ErrorKind) IsPolicy() bool {
	return k == ErrStealthPolicyViolation || k == ErrProxyValidationFailed
}

// Error represents a structured error with kind, message, and cause.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Tool      string    `json:"tool,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTool sets the tool name.
func (e *Error) WithTool(tool string) *Error {
	e.Tool = tool
	return e
}

// AsError extracts an *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind. Untyped errors map to ErrInternal and nil
// maps to Success.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Success
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
