// Package errors provides structured error types for storyforge.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout       = errors.New("operation timed out")
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnavailable   = errors.New("service unavailable")
	ErrBuildActive   = errors.New("build loop already active")
	ErrMergeConflict = errors.New("merge conflict")
	ErrNoSnapshot    = errors.New("no snapshot recorded")
	ErrUnsupported   = errors.New("operation not supported")
)

// CollaboratorError is a failure reported by an external collaborator
// (git, agent process, durable storage).
type CollaboratorError struct {
	Service string
	Op      string
	Message string
	Err     error
}

func (e *CollaboratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Service, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Service, e.Op, e.Message)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError creates a collaborator error wrapping err.
func NewCollaboratorError(service, op, message string, err error) *CollaboratorError {
	return &CollaboratorError{Service: service, Op: op, Message: message, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
