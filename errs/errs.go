// Package errs defines the broker's error taxonomy. Every error surfaced to a
// project maps to one of the codes below together with its HTTP status.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced in API responses.
const (
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeTimestampExpired   = "TIMESTAMP_EXPIRED"
	CodeInvalidState       = "INVALID_STATE"
	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeConnectionExpired  = "CONNECTION_EXPIRED"
	CodeConnectionRevoked  = "CONNECTION_REVOKED"
	CodeScopeInsufficient  = "SCOPE_INSUFFICIENT"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInternal           = "INTERNAL_ERROR"
)

// statusByCode maps each error code to its HTTP status.
var statusByCode = map[string]int{
	CodeInvalidAPIKey:      http.StatusUnauthorized,
	CodeInvalidSignature:   http.StatusUnauthorized,
	CodeTimestampExpired:   http.StatusUnauthorized,
	CodeInvalidState:       http.StatusBadRequest,
	CodeConnectionNotFound: http.StatusNotFound,
	CodeConnectionExpired:  http.StatusUnauthorized,
	CodeConnectionRevoked:  http.StatusUnauthorized,
	CodeScopeInsufficient:  http.StatusForbidden,
	CodeProviderError:      http.StatusBadGateway,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeValidation:         http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeForbidden:          http.StatusForbidden,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is a broker error carrying its taxonomy code and HTTP status.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetails attaches structured details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New creates an error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code and message wrapping a cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// InvalidAPIKey creates an INVALID_API_KEY error.
func InvalidAPIKey(message string) *Error {
	return New(CodeInvalidAPIKey, message)
}

// InvalidSignature creates an INVALID_SIGNATURE error.
func InvalidSignature(message string) *Error {
	return New(CodeInvalidSignature, message)
}

// TimestampExpired creates a TIMESTAMP_EXPIRED error.
func TimestampExpired(message string) *Error {
	return New(CodeTimestampExpired, message)
}

// InvalidState creates an INVALID_STATE error.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// ConnectionNotFound creates a CONNECTION_NOT_FOUND error.
func ConnectionNotFound(message string) *Error {
	return New(CodeConnectionNotFound, message)
}

// ConnectionExpired creates a CONNECTION_EXPIRED error.
func ConnectionExpired(message string) *Error {
	return New(CodeConnectionExpired, message)
}

// ConnectionRevoked creates a CONNECTION_REVOKED error.
func ConnectionRevoked(message string) *Error {
	return New(CodeConnectionRevoked, message)
}

// ScopeInsufficient creates a SCOPE_INSUFFICIENT error.
func ScopeInsufficient(message string) *Error {
	return New(CodeScopeInsufficient, message)
}

// Provider creates a PROVIDER_ERROR error wrapping the provider fault.
func Provider(message string, cause error) *Error {
	return Wrap(CodeProviderError, message, cause)
}

// RateLimited creates a RATE_LIMITED error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// Validation creates a VALIDATION_ERROR error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// NotFound creates a NOT_FOUND error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Forbidden creates a FORBIDDEN error.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// Internal creates an INTERNAL_ERROR error wrapping a cause.
func Internal(message string, cause error) *Error {
	return Wrap(CodeInternal, message, cause)
}

// From coerces any error into an *Error. Unknown errors become INTERNAL_ERROR
// so that raw failure detail is never exposed in a response body.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
