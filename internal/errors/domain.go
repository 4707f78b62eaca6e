package errors

import (
	"errors"
	"fmt"
)

// ModerationViolation is returned when a moderation rule rejects user input.
// Message is safe to show to the end user.
type ModerationViolation struct {
	Rule    string
	Message string
}

func (e *ModerationViolation) Error() string {
	return e.Message
}

// IsModerationViolation reports whether err carries a ModerationViolation.
func IsModerationViolation(err error) bool {
	var v *ModerationViolation
	return errors.As(err, &v)
}

// ValidationKind separates malformed values from values that are well formed
// but point outside of what the caller may touch.
type ValidationKind string

const (
	ValidationInvalidFormat ValidationKind = "invalid_format"
	ValidationOutOfScope    ValidationKind = "out_of_scope"
)

// ValidationError is raised at trust boundaries before any side effect.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewInvalidFormat builds a ValidationError for a malformed value.
func NewInvalidFormat(field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: ValidationInvalidFormat, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewOutOfScope builds a ValidationError for a value outside the allowed scope.
func NewOutOfScope(field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: ValidationOutOfScope, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ToolErrorKind distinguishes bad arguments from failed executions.
type ToolErrorKind string

const (
	ToolErrorInput     ToolErrorKind = "input"
	ToolErrorExecution ToolErrorKind = "execution"
)

// ToolError reports a single failed tool call. The agent loop turns it into
// an observation and keeps going.
type ToolError struct {
	Tool   string
	Kind   ToolErrorKind
	Detail string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Detail)
	}
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// AsToolError extracts a ToolError from err.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// SandboxError wraps anything thrown by, or interrupting, a sandboxed script.
type SandboxError struct {
	Message  string
	TimedOut bool
	Err      error
}

func (e *SandboxError) Error() string {
	if e.TimedOut {
		return "sandbox: execution timed out"
	}
	return "sandbox: " + e.Message
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}
