// Package apperr defines the error taxonomy shared by the store, the ingest
// pipeline, and the HTTP boundary. Every error that crosses a package
// boundary is tagged with a Kind so callers can branch on category instead
// of string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for handling and HTTP surfacing.
type Kind string

const (
	// KindNotFound means a referenced entity id does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindBadRequest means the client supplied an invalid payload:
	// malformed JSON, an unsupported provider, an unknown input item type,
	// grader weights that do not sum to one.
	KindBadRequest Kind = "BAD_REQUEST"

	// KindConflict means a uniqueness constraint was violated, such as
	// explicitly creating a project whose name is already taken.
	KindConflict Kind = "CONFLICT"

	// KindInternal means an unexpected failure in storage or downstream
	// services. Details stay in logs, not in responses.
	KindInternal Kind = "INTERNAL"
)

// Error is a categorized error. It wraps an optional cause so errors.Is and
// errors.As keep working through it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// BadRequest builds a KindBadRequest error.
func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, format, args...)
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal
// for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether the error chain carries KindNotFound.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// HTTPStatus maps an error to the status code the API surfaces it with.
// Conflicts surface as 400 with the detail in the message.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindConflict:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
