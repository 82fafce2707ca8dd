// Package errors provides a unified error handling mechanism for trainkit.
// It defines a structured error system with error codes, types, and
// contextual details so that data, configuration and infrastructure
// failures can be told apart by callers.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation indicates invalid input data
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConfiguration indicates an invalid configuration detected at construction
	ErrorTypeConfiguration ErrorType = "CONFIGURATION"

	// ErrorTypeNotFound indicates resource not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeInfrastructure indicates infrastructure/external service error
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE"

	// ErrorTypeInternal indicates unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeCancelled indicates the operation was cancelled by its context
	ErrorTypeCancelled ErrorType = "CANCELLED"
)

// AppError represents a structured application error
type AppError struct {
	// Code is the error code (e.g., "MARKER_NOT_FOUND")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`

	// Stack contains the stack trace (for internal errors)
	Stack string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// ToJSON serializes the error to JSON for CLI reports
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError. The error type is derived from the code.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Type:    typeOf(code),
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new AppError with formatted message
func Newf(code string, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code string, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// Keep the category of the innermost classified error
	var inner *AppError
	if stderrors.As(err, &inner) && code == CodeInternalError {
		appErr.Type = inner.Type
	}

	return appErr
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code string, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WrapWithStack wraps an error and captures stack trace
func WrapWithStack(err error, code string, message string) *AppError {
	appErr := Wrap(err, code, message)
	if appErr != nil {
		appErr.Stack = captureStack()
	}
	return appErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Is checks if any error in the tree carries the given code. Joined
// errors are searched branch by branch.
func Is(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				if Is(e, code) {
					return true
				}
			}
			return false
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsType checks if the outermost AppError matches a specific type
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return "UNKNOWN"
	}

	return appErr.Code
}

// As is re-exported so callers need a single errors import
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Join is re-exported so callers need a single errors import
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// Common error constructors for frequent use cases

// ConfigError creates a configuration validation error
func ConfigError(message string) *AppError {
	return New(CodeInvalidConfig, message)
}

// ConfigErrorf creates a configuration validation error with formatted message
func ConfigErrorf(format string, args ...interface{}) *AppError {
	return Newf(CodeInvalidConfig, format, args...)
}

// ValidationErrorf creates a data validation error with formatted message
func ValidationErrorf(format string, args ...interface{}) *AppError {
	return Newf(CodeInvalidArgument, format, args...)
}
