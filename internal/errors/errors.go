package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConnectionFailed = errors.New("connection failed")
	ErrParse            = errors.New("parse error")
	ErrInvalidInput     = errors.New("invalid input")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAPI        ErrorType = "api"
)

// SyncError is a structured error for pull/push operations against the brain.
type SyncError struct {
	Type  ErrorType
	Op    string // operation that failed (e.g. "find_hosts", "create_group")
	Group string // group being reconciled, if applicable
	Err   error
}

func (e *SyncError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("%s failed for group %q: %v", e.Op, e.Group, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so callers can match on the base error types
// without caring which operation produced the failure.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrParse:
		return e.Type == ErrorTypeParse
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}
	return errors.Is(e.Err, target)
}

// NewSyncError creates a new SyncError
func NewSyncError(errorType ErrorType, op string, err error) *SyncError {
	return &SyncError{
		Type: errorType,
		Op:   op,
		Err:  err,
	}
}

// WithGroup adds the group being processed to the error
func (e *SyncError) WithGroup(group string) *SyncError {
	e.Group = group
	return e
}
