package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ErrorType categorizes domain errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeCapture    ErrorType = "capture"
	ErrorTypeInternal   ErrorType = "internal"
)

// DomainError is the error type returned by watchdog packages.
// It carries a category, an optional cause and key/value context for diagnostics.
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func newDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches domain errors by type, so errors.Is(err, &DomainError{Type: ...}) works
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// WithContext attaches a key/value pair and returns the same error for chaining
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewValidationError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeProcess, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeIO, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeCancelled, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypePermission, message, cause)
}

// NewCaptureError reports a failed screen capture (for example, no active desktop session)
func NewCaptureError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeCapture, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return newDomainError(ErrorTypeInternal, message, cause)
}

// isErrorType walks the whole wrapped and joined error tree, so a typed error
// behind another DomainError or later in a collection is still found.
func isErrorType(err error, errorType ErrorType) bool {
	return errors.Is(err, &DomainError{Type: errorType})
}

func IsValidationError(err error) bool { return isErrorType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool   { return isErrorType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool   { return isErrorType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool    { return isErrorType(err, ErrorTypeProcess) }
func IsIOError(err error) bool         { return isErrorType(err, ErrorTypeIO) }
func IsTimeoutError(err error) bool    { return isErrorType(err, ErrorTypeTimeout) }
func IsCancelledError(err error) bool  { return isErrorType(err, ErrorTypeCancelled) }
func IsPermissionError(err error) bool { return isErrorType(err, ErrorTypePermission) }
func IsCaptureError(err error) bool    { return isErrorType(err, ErrorTypeCapture) }
func IsInternalError(err error) bool   { return isErrorType(err, ErrorTypeInternal) }

// ErrorCollection accumulates errors from batch operations (e.g. stopping all processes)
type ErrorCollection struct {
	err error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

// Add appends a non-nil error to the collection
func (c *ErrorCollection) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

func (c *ErrorCollection) HasErrors() bool {
	return c.err != nil
}

// Errors returns the individual errors in insertion order
func (c *ErrorCollection) Errors() []error {
	return multierr.Errors(c.err)
}

func (c *ErrorCollection) Error() string {
	if c.err == nil {
		return ""
	}
	return c.err.Error()
}

// ToError returns nil for an empty collection, otherwise the combined error
func (c *ErrorCollection) ToError() error {
	return c.err
}
