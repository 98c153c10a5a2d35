// Package errors defines the stable error codes shared by the daemon,
// the wire protocol, and the CLI.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// NotFound indicates an unknown path or symbol
	NotFound ErrorCode = "NOT_FOUND"
	// ParseError indicates malformed source; extraction fell back to a raw snippet
	ParseError ErrorCode = "PARSE_ERROR"
	// ProtocolError indicates a malformed or out-of-contract request
	ProtocolError ErrorCode = "PROTOCOL_ERROR"
	// ReplExecError indicates user code in the REPL raised
	ReplExecError ErrorCode = "REPL_EXEC_ERROR"
	// ResourceBusy indicates an operation is in flight; callers should retry
	ResourceBusy ErrorCode = "RESOURCE_BUSY"
	// RootLost indicates the watched project root disappeared
	RootLost ErrorCode = "ROOT_LOST"
	// InternalError indicates an unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// Error is a daemon error with a stable code and an optional cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	cause   error
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf returns the stable code carried by err, or InternalError for
// anything outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
