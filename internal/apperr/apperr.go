// Package apperr defines the error categories shared by the ledger and the services on top of it.
//
// Every error returned to a transport carries one of the kinds below somewhere in its chain, so
// callers branch with errors.Is and render a user-safe message with Message.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input. Never retried automatically.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks an ownership mismatch.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict marks a state conflict; the caller should re-fetch and may retry with corrected input.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks storage contention or timeouts; safe to retry with backoff.
	ErrTransient = errors.New("transient failure")
)

// Error is a categorised error with a message that is safe to show to end users.
type Error struct {
	kind  error
	msg   string
	cause error
}

// New builds an error of the given kind. kind may itself be an *Error, which lets packages
// declare narrower sentinels such as "bid too low" that still match ErrConflict.
func New(kind error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap is New with an underlying cause kept for logging.
func Wrap(kind error, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Validation returns an ErrValidation error.
func Validation(format string, args ...any) error {
	return New(ErrValidation, format, args...)
}

// NotFound returns an ErrNotFound error.
func NotFound(format string, args ...any) error {
	return New(ErrNotFound, format, args...)
}

// Unauthorized returns an ErrUnauthorized error.
func Unauthorized(format string, args ...any) error {
	return New(ErrUnauthorized, format, args...)
}

// Conflict returns an ErrConflict error.
func Conflict(format string, args ...any) error {
	return New(ErrConflict, format, args...)
}

// Transient wraps a retriable infrastructure failure.
func Transient(cause error) error {
	return Wrap(ErrTransient, cause, "service temporarily unavailable, please retry")
}

// Kind reports which category err belongs to, or nil for uncategorised errors.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrUnauthorized, ErrConflict, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	return nil
}

// Message returns the outermost user-safe message in err's chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.msg
	}
	return "internal error"
}
