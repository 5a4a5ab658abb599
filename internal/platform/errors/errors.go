// Package errors provides the code-tagged error type shared by every layer of
// the service. Handlers translate codes to HTTP and gRPC statuses; services
// construct errors with the helpers below so callers always receive enough
// context to correct a request.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Code classifies an error for transport mapping.
type Code string

const (
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeUnauthorized       Code = "UNAUTHORIZED"
	ErrCodeAlreadyDecided     Code = "ALREADY_DECIDED"
	ErrCodeExpired            Code = "EXPIRED"
	ErrCodePreconditionFailed Code = "PRECONDITION_FAILED"
	ErrCodeInvalidState       Code = "INVALID_STATE"
	ErrCodeConfiguration      Code = "CONFIGURATION"
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeInternal           Code = "INTERNAL"
)

// Error is a classified application error.
type Error struct {
	Code    Code
	Message string
	Field   string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value pair surfaced to the caller.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. The cause keeps its stack via eris.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: eris.Wrap(err, message)}
}

// InvalidInput reports a malformed or missing request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// NotFound reports a missing record.
func NotFound(kind, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// Unauthorized reports an actor without authority for the operation.
func Unauthorized(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: message}
}

// Configuration reports a lookup against configuration that does not exist.
func Configuration(message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message}
}

// InvalidState reports an operation attempted from a state that forbids it.
func InvalidState(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// PreconditionFailed reports unmet preconditions for a transition.
func PreconditionFailed(message string) *Error {
	return &Error{Code: ErrCodePreconditionFailed, Message: message}
}

// CodeOf returns the classification of err, or ErrCodeInternal when err
// carries no *Error in its chain.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is errors.As re-exported so callers importing this package under the
// name errors still reach the standard helper.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
