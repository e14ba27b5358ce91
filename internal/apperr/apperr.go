// Package apperr defines the application's error taxonomy: a fixed set of
// error kinds with stable machine-readable codes and HTTP-equivalent
// statuses. Every failure crossing a service boundary is one of these kinds;
// callers match them with errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"net/http"
)

// Error is a structured, immutable taxonomy error. Message and Details carry
// what a boundary needs to render a user-facing response; the wrapped cause
// (if any) stays internal and is never serialized.
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the internal cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by code, so errors.Is(err, ErrConflict)
// works regardless of message or details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels, one per taxonomy kind. Use the constructors below to attach
// messages or details; use these values only for matching.
var (
	ErrValidationFailed   = &Error{Code: "VALIDATION_ERROR", Status: http.StatusUnprocessableEntity, Message: "Validation failed"}
	ErrInvalidCredentials = &Error{Code: "INVALID_CREDENTIALS", Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	ErrAccountInactive    = &Error{Code: "USER_INACTIVE", Status: http.StatusForbidden, Message: "Account is inactive"}
	ErrTokenExpired       = &Error{Code: "TOKEN_EXPIRED", Status: http.StatusUnauthorized, Message: "Token has expired"}
	ErrTokenInvalid       = &Error{Code: "INVALID_TOKEN", Status: http.StatusUnauthorized, Message: "Invalid or malformed token"}
	ErrRateLimited        = &Error{Code: "RATE_LIMIT_EXCEEDED", Status: http.StatusTooManyRequests, Message: "Too many requests"}
	ErrNotFound           = &Error{Code: "NOT_FOUND", Status: http.StatusNotFound, Message: "Resource not found"}
	ErrConflict           = &Error{Code: "CONFLICT", Status: http.StatusConflict, Message: "Conflict"}
	ErrInternal           = &Error{Code: "INTERNAL_SERVER_ERROR", Status: http.StatusInternalServerError, Message: "Internal server error"}
)

// ValidationFailed reports a request that failed input validation.
// Details typically map field names to what was wrong with them.
func ValidationFailed(message string, details map[string]any) *Error {
	return &Error{Code: ErrValidationFailed.Code, Status: ErrValidationFailed.Status, Message: message, Details: details}
}

// InvalidCredentials is returned for a missing account and for a wrong
// password alike, so responses do not reveal which accounts exist.
func InvalidCredentials() *Error {
	return &Error{Code: ErrInvalidCredentials.Code, Status: ErrInvalidCredentials.Status, Message: ErrInvalidCredentials.Message}
}

// AccountInactive reports a login or token check against a deactivated account.
func AccountInactive() *Error {
	return &Error{Code: ErrAccountInactive.Code, Status: ErrAccountInactive.Status, Message: ErrAccountInactive.Message}
}

// TokenExpired reports a structurally valid, correctly signed token whose
// expiry has passed.
func TokenExpired() *Error {
	return &Error{Code: ErrTokenExpired.Code, Status: ErrTokenExpired.Status, Message: ErrTokenExpired.Message}
}

// TokenInvalid reports a token that fails signature, structure, or kind checks.
func TokenInvalid() *Error {
	return &Error{Code: ErrTokenInvalid.Code, Status: ErrTokenInvalid.Status, Message: ErrTokenInvalid.Message}
}

// RateLimited reports that the caller exhausted its attempt budget. This is a
// first-class outcome of guarded endpoints, not a fault.
func RateLimited() *Error {
	return &Error{Code: ErrRateLimited.Code, Status: ErrRateLimited.Status, Message: ErrRateLimited.Message}
}

// NotFound reports an absent resource.
func NotFound(message string) *Error {
	return &Error{Code: ErrNotFound.Code, Status: ErrNotFound.Status, Message: message}
}

// Conflict reports a uniqueness or state conflict, e.g. a duplicate email.
func Conflict(message string, details map[string]any) *Error {
	return &Error{Code: ErrConflict.Code, Status: ErrConflict.Status, Message: message, Details: details}
}

// Internal wraps an unexpected failure. The cause is kept for logs and
// errors.Is chains but never leaks into the envelope.
func Internal(cause error) *Error {
	return &Error{Code: ErrInternal.Code, Status: ErrInternal.Status, Message: ErrInternal.Message, cause: cause}
}

// Envelope is the wire form of a taxonomy error, serialized exactly once at
// the transport boundary.
type Envelope struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
	Path      string         `json:"path,omitempty"`
}

// ToEnvelope resolves any error to a status code and an Envelope. Errors that
// are not taxonomy errors are reported as Internal with no diagnostic detail.
func ToEnvelope(err error, path string) (int, Envelope) {
	var e *Error
	if !errors.As(err, &e) {
		e = ErrInternal
	}
	return e.Status, Envelope{
		ErrorCode: e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Path:      path,
	}
}
