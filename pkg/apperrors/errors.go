package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrInvariant   = errors.New("invariant violation")
	ErrLeaseDenied = errors.New("lease denied")
	ErrTransport   = errors.New("transport error")

	ErrCredentialsKeyMismatch = errors.New("connection credentials were encrypted with a different key")
)

// ValidationError reports caller input that violates a schema or form constraint.
// Field is empty for operation-level failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation builds an operation-level ValidationError.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FieldValidation builds a ValidationError annotated with the offending field.
func FieldValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvariantError reports a failed post-operation check. The enclosing
// operation has been rolled back when this is returned.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return e.Message }

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Invariant builds an InvariantError.
func Invariant(format string, args ...any) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// LeaseDeniedError is returned when the caller does not hold the workflow lease.
// Holder is the email of the current holder when known.
type LeaseDeniedError struct {
	Holder string
}

func (e *LeaseDeniedError) Error() string {
	if e.Holder == "" {
		return "the workflow is not locked by the current session"
	}
	return fmt.Sprintf("The workflow is being modified by user %s", e.Holder)
}

func (e *LeaseDeniedError) Unwrap() error { return ErrLeaseDenied }

// TransportError wraps a malformed or incompatible import container.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// Transport builds a TransportError with an optional cause.
func Transport(err error, format string, args ...any) error {
	return &TransportError{Message: fmt.Sprintf(format, args...), Err: err}
}
