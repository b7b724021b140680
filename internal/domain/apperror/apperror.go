// Package apperror defines the business error taxonomy shared by all
// domain services and mapped to HTTP status codes at the API boundary.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a business error.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindAuthorization   Kind = "authorization"
	KindInvalidState    Kind = "invalid_state"
	KindExternalService Kind = "external_service"
)

// Error is a classified business error. Wrapped causes are preserved for
// logging but never leaked to API callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the caller-safe human-readable message.
func (e *Error) Message() string { return e.Msg }

// Validation creates a ValidationError (malformed or missing input).
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound creates a NotFoundError (unknown id).
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Authorization creates an AuthorizationError (actor lacks rights).
func Authorization(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

// InvalidState creates an InvalidStateError (operation not legal in the
// current lifecycle state).
func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

// External wraps a downstream failure (datastore, transport, payment).
func External(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindExternalService, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsValidation(err error) bool    { return Is(err, KindValidation) }
func IsNotFound(err error) bool      { return Is(err, KindNotFound) }
func IsAuthorization(err error) bool { return Is(err, KindAuthorization) }
func IsInvalidState(err error) bool  { return Is(err, KindInvalidState) }

// HTTPStatus maps an error to its HTTP status code. Unclassified errors map
// to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindInvalidState:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// SafeMessage returns a message suitable for API responses. Internal errors
// are replaced with a generic message so datastore details never leak.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindExternalService {
		return e.Msg
	}
	return "internal server error"
}
