// Package errors defines common error types for the compiler driver.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the driver.
const (
	CodeUnknown            = "UNKNOWN_ERROR"
	CodeConfigError        = "CONFIG_ERROR"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeVerifyError        = "VERIFY_ERROR"
	CodeResolveError       = "RESOLVE_ERROR"
	CodeBackendError       = "BACKEND_ERROR"
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeStorageError       = "STORAGE_ERROR"
	CodeProfileError       = "PROFILE_ERROR"
	CodeNotFound           = "NOT_FOUND"
)

// AppError represents a driver error with a code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances.
var (
	ErrConfigError        = New(CodeConfigError, "configuration error")
	ErrInvariantViolation = New(CodeInvariantViolation, "driver invariant violation")
	ErrVerifyError        = New(CodeVerifyError, "verification failed")
	ErrResolveError       = New(CodeResolveError, "resolution failed")
	ErrBackendError       = New(CodeBackendError, "backend error")
	ErrDatabaseError      = New(CodeDatabaseError, "database error")
	ErrStorageError       = New(CodeStorageError, "storage error")
	ErrProfileError       = New(CodeProfileError, "profile error")
	ErrNotFound           = New(CodeNotFound, "resource not found")
)

// IsInvariantViolation checks if the error is a fatal driver bug. These
// abort the run; they are never absorbed as a per-class or per-method
// status.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsConfigError checks if the error is a startup configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfigError)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
