// Package errors provides error code definitions shared across the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for callers that need to branch on failure
// class rather than message text.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncPermanent  ErrorCode = "SYNC_PERMANENT"
	ErrSyncStale      ErrorCode = "SYNC_STALE"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncStopped    ErrorCode = "SYNC_STOPPED"
	ErrOffline        ErrorCode = "OFFLINE"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_INVALID"
)

// AppError carries an error code alongside a message and an optional cause.
type AppError struct {
	Code    ErrorCode
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

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or any error in its chain, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code carried by err, or ErrInternal when the error
// is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
