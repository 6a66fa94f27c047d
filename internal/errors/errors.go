package errors

import (
	"fmt"
)

// DaemonError is the structured error type for semfold.
// It provides rich context for error handling, logging, and FMDM surfacing.
type DaemonError struct {
	// Code is the unique error code (e.g., "ERR_201_SCAN_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Folder, Model, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *DaemonError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DaemonError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with DaemonError.
func (e *DaemonError) Is(target error) bool {
	if t, ok := target.(*DaemonError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *DaemonError) WithDetail(key, value string) *DaemonError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new DaemonError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *DaemonError {
	return &DaemonError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new DaemonError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *DaemonError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a DaemonError from an existing error.
// The error's message becomes the DaemonError message.
func Wrap(code string, err error) *DaemonError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a DaemonError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DaemonError); ok {
		return de.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*DaemonError); ok {
		return de.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a DaemonError.
// Returns empty string if not a DaemonError.
func GetCode(err error) string {
	if de, ok := err.(*DaemonError); ok {
		return de.Code
	}
	return ""
}

// GetCategory extracts the category from a DaemonError.
// Returns empty string if not a DaemonError.
func GetCategory(err error) Category {
	if de, ok := err.(*DaemonError); ok {
		return de.Category
	}
	return ""
}
