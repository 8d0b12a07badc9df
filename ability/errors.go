package ability

import (
	"fmt"
	"net/http"
)

// Ability error codes as constants
const (
	ErrorCodeNotFound         = "not_found"
	ErrorCodeDisabled         = "disabled"
	ErrorCodeInvalidArguments = "invalid_arguments"
	ErrorCodeForbidden        = "forbidden"
	ErrorCodeExecutionFailed  = "execution_failed"
)

// Error represents a typed ability-layer failure.
type Error struct {
	Code    string // error code (e.g., "not_found", "forbidden")
	Message string // human-readable description
	Status  int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new ability error
func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Common ability errors as reusable constructors
var (
	// ErrNotFound indicates no ability is registered under the requested name
	ErrNotFound = func(name string) *Error {
		return NewError(ErrorCodeNotFound, fmt.Sprintf("unknown ability: %s", name), http.StatusNotFound)
	}

	// ErrDisabled indicates the ability exists but an administrator has it disabled
	ErrDisabled = func(name string) *Error {
		return NewError(ErrorCodeDisabled, fmt.Sprintf("ability is disabled: %s", name), http.StatusForbidden)
	}

	// ErrInvalidArguments indicates the arguments violate the input schema
	ErrInvalidArguments = func(msg string) *Error {
		return NewError(ErrorCodeInvalidArguments, msg, http.StatusBadRequest)
	}

	// ErrForbidden indicates the resource owner lacks the host capability
	ErrForbidden = func(name string) *Error {
		return NewError(ErrorCodeForbidden, fmt.Sprintf("permission denied for ability: %s", name), http.StatusForbidden)
	}

	// ErrExecutionFailed indicates the handler failed; internal diagnostics
	// are logged, never surfaced
	ErrExecutionFailed = func(name string) *Error {
		return NewError(ErrorCodeExecutionFailed, fmt.Sprintf("ability execution failed: %s", name), http.StatusInternalServerError)
	}
)
