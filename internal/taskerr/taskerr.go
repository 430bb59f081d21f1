package taskerr

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a stable failure category. Codes are part of the public
// contract: callers match on them, logs and metrics carry them verbatim.
type Code string

const (
	CodeDocumentTooLarge    Code = "document-too-large"
	CodeDocumentCorrupt     Code = "document-corrupt"
	CodeDocumentUnsupported Code = "document-unsupported"
	CodeDocumentEmpty       Code = "document-empty"
	CodePromptInputMissing  Code = "prompt-input-missing"
	CodeModelUnreachable    Code = "model-unreachable"
	CodeModelUnavailable    Code = "model-unavailable"
	CodeModelTimeout        Code = "model-timeout"
	CodeModelOutputInvalid  Code = "model-output-invalid"
	CodeQueueFull           Code = "queue-full"
	CodeValidationFailed    Code = "validation-failed"
	CodeUnknownHandle       Code = "unknown-handle"
	CodeCancelled           Code = "cancelled"
	CodeTimedOut            Code = "timed_out"
	CodeInternal            Code = "internal-error"
)

// Error is the failure type that crosses component boundaries. It carries a
// stable code, the component that raised it and a human message, optionally
// wrapping an underlying cause.
type Error struct {
	Code      Code
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without an underlying cause.
func New(code Code, component, message string) *Error {
	return &Error{Code: code, Component: component, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, component, format string, args ...any) *Error {
	return &Error{Code: code, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and component to an underlying error. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(code Code, component string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Component: component, Message: message, Err: err}
}

// CodeOf extracts the stable code from err. Context cancellation and
// deadline expiry map to their scheduler-facing codes; anything not carrying
// an Error is reported as internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimedOut
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the failure may be retried against the model
// runtime. Only transport-level failures qualify; model-unavailable is
// escalated to the health gate instead, and malformed output gets its single
// repair pass elsewhere.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeModelUnreachable, CodeModelTimeout:
		return true
	}
	return false
}

// FromContext converts a context error into the matching coded error,
// attributing it to the given component. Non-context errors pass through.
func FromContext(component string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeCancelled, Component: component, Message: "cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimedOut, Component: component, Message: "deadline exceeded", Err: err}
	}
	return err
}
