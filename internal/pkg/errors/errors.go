// Package errors provides the error taxonomy for the chatlog core.
//
// Import Path: liteskill.io/chatlog/internal/pkg/errors
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four recovery classes callers dispatch on.
var (
	// ErrVersionConflict means a concurrent writer won the optimistic
	// concurrency race. Recoverable: reload and retry, or surface upstream.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCommandRejected means a business rule or state-machine guard
	// refused the command. Terminal for the attempt; never auto-retried.
	ErrCommandRejected = errors.New("command rejected")

	// ErrNotFound means the requested row does not exist. For snapshots
	// this is the expected cold-start case, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrStorage wraps transport/driver failures. Always surfaced; retry
	// policy belongs to the caller, not the store.
	ErrStorage = errors.New("storage failure")
)

// DomainError is a structured error with a machine-readable code.
type DomainError struct {
	// Code is a machine-readable error code (e.g. "VERSION_CONFLICT").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Params carries structured context (stream id, versions, …).
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithParams attaches structured parameters to the error.
func (e *DomainError) WithParams(params map[string]interface{}) *DomainError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// New creates a DomainError wrapping the given sentinel.
func New(sentinel error, code, message string) *DomainError {
	return &DomainError{Code: code, Message: message, Err: sentinel}
}

// Wrap wraps an underlying cause while keeping the sentinel reachable via
// errors.Is. The cause is joined so both chains stay inspectable.
func Wrap(sentinel, cause error, code, message string) *DomainError {
	return &DomainError{Code: code, Message: message, Err: errors.Join(sentinel, cause)}
}

// IsDomainError checks if an error is a DomainError and returns it.
func IsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
