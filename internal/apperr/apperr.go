// Package apperr provides coded application errors shared by every layer.
// Transport adapters translate codes into wire-level statuses; services only
// ever inspect the code, never the message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and transport layers.
type Code string

const (
	CodeValidation             Code = "VALIDATION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeUnauthorizedDecision   Code = "UNAUTHORIZED_DECISION"
	CodeAlreadyDecided         Code = "ALREADY_DECIDED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeDuplicateRequest       Code = "DUPLICATE_REQUEST"
	CodeInvalidDelegation      Code = "INVALID_DELEGATION"
	CodeDownstreamUnavailable  Code = "DOWNSTREAM_UNAVAILABLE"
	CodeUnauthenticated        Code = "UNAUTHENTICATED"
	CodeInternal               Code = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	ErrCode Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{ErrCode: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
// Wrapping nil returns nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{ErrCode: code, Message: msg, Cause: err}
}

// NotFound is the standard missing-resource error.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput is the standard malformed-field error.
func InvalidInput(field, msg string) *Error {
	return Newf(CodeValidation, "invalid %s: %s", field, msg)
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status the HTTP adapter should respond with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidDelegation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeAlreadyDecided, CodeConcurrentModification, CodeDuplicateRequest:
		return http.StatusConflict
	case CodeUnauthorizedDecision:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeDownstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
