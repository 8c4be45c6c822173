// Package apperr defines the error kinds shared by every component of the
// access-control and lifecycle core.
//
// Services return *Error values (or wrap them); transport code maps the kind
// to a status code with HTTPStatus. Callers match kinds with errors.Is against
// the package sentinels:
//
//	if errors.Is(err, apperr.ErrNotFound) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The zero value is KindInternal.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindInvalidArgument
	KindInvalidTransition
	KindInvalidSignature
	KindProviderError
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindUnauthenticated:   "unauthenticated",
	KindForbidden:         "forbidden",
	KindNotFound:          "not_found",
	KindInvalidArgument:   "invalid_argument",
	KindInvalidTransition: "invalid_transition",
	KindInvalidSignature:  "invalid_signature",
	KindProviderError:     "provider_error",
	KindConflict:          "conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the domain error type.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "lifecycle.Transition"
	Message string // safe to show to the caller
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrInternal          = &Error{Kind: KindInternal}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidSignature  = &Error{Kind: KindInvalidSignature}
	ErrProviderError     = &Error{Kind: KindProviderError}
	ErrConflict          = &Error{Kind: KindConflict}
)

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of the first *Error in err's
// chain. Internal errors never leak their text.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	}
	return "internal error"
}

// Retryable reports whether the caller may reattempt the operation.
// Only provider failures and write contention qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderError, KindConflict:
		return true
	}
	return false
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument, KindInvalidSignature:
		return http.StatusBadRequest
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindProviderError:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
