package types

import (
	"errors"
	"fmt"
)

// Code classifies runtime errors
type Code string

const (
	// CodeConfigurationInvalid marks a malformed manifest field
	CodeConfigurationInvalid Code = "configuration_invalid"
	// CodeValidationFailed marks structural violations: dependency cycles,
	// missing required exports, size or permission violations
	CodeValidationFailed Code = "validation_failed"
	// CodeLoadingFailed marks I/O or engine-initialization failures
	CodeLoadingFailed Code = "loading_failed"
	// CodeSandbox marks compile/instantiate/call/memory faults inside the engine
	CodeSandbox Code = "sandbox"
	// CodeResourceLimitExceeded marks an exhausted resource budget
	CodeResourceLimitExceeded Code = "resource_limit_exceeded"
	// CodeExecutionFailed marks a guest timeout or trap
	CodeExecutionFailed Code = "execution_failed"
	// CodePluginNotFound marks an unknown plugin or instance id
	CodePluginNotFound Code = "plugin_not_found"
)

// Error is the typed error carried across the subsystem
type Error struct {
	Code    Code
	Plugin  string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Plugin != "" && e.Err != nil:
		return fmt.Sprintf("%s: plugin %s: %s: %v", e.Code, e.Plugin, e.Message, e.Err)
	case e.Plugin != "":
		return fmt.Sprintf("%s: plugin %s: %s", e.Code, e.Plugin, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error
func NewError(code Code, plugin, message string) *Error {
	return &Error{Code: code, Plugin: plugin, Message: message}
}

// WrapError creates a typed error wrapping a cause
func WrapError(code Code, plugin, message string, err error) *Error {
	return &Error{Code: code, Plugin: plugin, Message: message, Err: err}
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ErrorCode extracts the code from err, or empty when untyped
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
