// Package errors provides structured error handling for feedstream
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeFetch represents a failed upstream fetch
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeTimeout represents a fetch or backend call that exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeValidation represents a record that failed shape or range checks
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDuplicateName represents a second registration under an existing name
	ErrorTypeDuplicateName ErrorType = "duplicate_name"
	// ErrorTypeAlreadyRunning represents a start on something already started
	ErrorTypeAlreadyRunning ErrorType = "already_running"
	// ErrorTypeNotRunning represents an operation that needs a running component
	ErrorTypeNotRunning ErrorType = "not_running"
	// ErrorTypeBackendInit represents a queue backend that could not be set up
	ErrorTypeBackendInit ErrorType = "backend_init"
	// ErrorTypeBackend represents a queue backend failure after setup
	ErrorTypeBackend ErrorType = "backend"
	// ErrorTypeDeadLetterWrite represents a failure to write a dead-letter entry
	ErrorTypeDeadLetterWrite ErrorType = "dead_letter_write"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeUnsupported represents an operation a backend does not offer
	ErrorTypeUnsupported ErrorType = "unsupported"
	// ErrorTypeData represents payload decoding errors
	ErrorTypeData ErrorType = "data"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// DuplicateName reports a registration under a name that is already taken.
func DuplicateName(name string) *Error {
	return New(ErrorTypeDuplicateName, fmt.Sprintf("connector %q is already registered", name)).
		WithDetail("connector", name)
}

// AlreadyRunning reports a start on a running component.
func AlreadyRunning(name string) *Error {
	return New(ErrorTypeAlreadyRunning, fmt.Sprintf("%s is already running", name)).
		WithDetail("component", name)
}

// Fetch wraps an upstream failure.
func Fetch(cause error) *Error {
	return Wrap(cause, ErrorTypeFetch, "fetch failed")
}

// Timeout reports a fetch that did not finish within d.
func Timeout(d time.Duration) *Error {
	return New(ErrorTypeTimeout, fmt.Sprintf("fetch timed out after %s", d)).
		WithDetail("timeout", d.String())
}

// Validation reports a record rejected by validation.
func Validation(message string) *Error {
	return New(ErrorTypeValidation, message)
}

// BackendInit wraps a queue backend setup failure.
func BackendInit(kind string, cause error) *Error {
	return Wrap(cause, ErrorTypeBackendInit, fmt.Sprintf("failed to initialize %s backend", kind)).
		WithDetail("backend", kind)
}

// DeadLetterWrite wraps a failure to publish a dead-letter entry.
func DeadLetterWrite(cause error) *Error {
	return Wrap(cause, ErrorTypeDeadLetterWrite, "failed to write dead letter entry")
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeFetch, ErrorTypeTimeout, ErrorTypeBackend:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
