package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, the lifecycle engine, and the HTTP
// layer. All of them describe client-caused conditions.
var (
	// ErrNotFound indicates a referenced report, identity, or category is absent.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the actor's role lacks the required capability.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthenticationFailed indicates no valid credential or handle was presented.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrValidation indicates a missing or malformed field.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the report is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict indicates a uniqueness violation (duplicate username, category).
	ErrConflict = errors.New("conflict")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a field-level validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ForbiddenError names the capability the actor is missing.
type ForbiddenError struct {
	Capability Capability
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("you do not have permission to %s reports", e.Capability)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// Forbidden builds a ForbiddenError for the capability.
func Forbidden(c Capability) error {
	return &ForbiddenError{Capability: c}
}

// InvalidState wraps ErrInvalidState with a reason.
func InvalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the kind and id of the missing entity.
func NotFound(kind string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}
