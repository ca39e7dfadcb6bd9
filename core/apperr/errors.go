package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input, rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated covers bad credentials and missing, malformed or expired tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is an authenticated caller without the required role or account state.
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

// Error pairs a sentinel kind with a message that is safe to show to callers.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(ErrValidation, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return New(ErrUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(ErrForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(ErrConflict, format, args...)
}

// Message returns the caller-facing text for err, or fallback when err is not an *Error.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
