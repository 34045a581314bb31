package bosserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable numeric error code surfaced in API error bodies.
type Code int

const (
	// Validation
	CodeUnableToValidate Code = 1000
	CodeBadRequest       Code = 1001
	CodeInvalidState     Code = 1002

	// Permissions
	CodeMissingPermission Code = 3000

	// Not found
	CodeResourceNotFound Code = 4000
	CodeObjectNotFound   Code = 4001

	// IO / serialization
	CodeSerializationError Code = 5002

	// Catch-all
	CodeSystemError Code = 9000
)

// HTTPStatus maps an error code to the HTTP status it surfaces as.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnableToValidate, CodeBadRequest, CodeInvalidState:
		return http.StatusBadRequest
	case CodeMissingPermission:
		return http.StatusForbidden
	case CodeResourceNotFound, CodeObjectNotFound:
		return http.StatusNotFound
	case CodeSerializationError, CodeSystemError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Error is a domain error carrying a stable code. API handlers render it as
// {status, code, message}.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// From extracts an *Error from err, or wraps it as a system error.
func From(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Code: CodeSystemError, Message: err.Error(), Err: err}
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
