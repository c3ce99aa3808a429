package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeUnknownThread     = "UNKNOWN_THREAD"
	ErrCodeModelInvocation   = "MODEL_INVOCATION_ERROR"
	ErrCodeWorkflowComplete  = "WORKFLOW_COMPLETE"
	ErrCodeMalformedResume   = "MALFORMED_RESUME_INPUT"
	ErrCodeThreadExists      = "THREAD_EXISTS"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// Error is the structured error type for all stagegate operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a caller may retry the failed operation unchanged.
// Model failures commit nothing, so repeating the same call is safe.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeModelInvocation, ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeConflict:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the stage name to the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// --- Engine error constructors ---

// UnknownThreadError reports a resume on a thread that was never started or was evicted.
func UnknownThreadError(threadID string) *Error {
	return NewErrorf(ErrCodeUnknownThread, "thread %q not found", threadID).
		WithDetails(map[string]any{"thread_id": threadID})
}

// ModelInvocationError wraps a failure from the model collaborator.
func ModelInvocationError(stage string, cause error) *Error {
	msg := "model invocation failed"
	if cause != nil {
		msg = fmt.Sprintf("model invocation failed: %s", cause.Error())
	}
	return NewError(ErrCodeModelInvocation, msg).WithStage(stage).WithCause(cause)
}

// WorkflowCompleteError reports feedback sent to a thread that already finished.
func WorkflowCompleteError(threadID string) *Error {
	return NewErrorf(ErrCodeWorkflowComplete, "thread %q already completed", threadID).
		WithDetails(map[string]any{"thread_id": threadID})
}

// MalformedResumeInputError reports resume input that is missing or not a string.
func MalformedResumeInputError(reason string) *Error {
	return NewErrorf(ErrCodeMalformedResume, "malformed resume input: %s", reason)
}
