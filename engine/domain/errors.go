package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation and lookup failures.
var (
	ErrEmptyText     = errors.New("text is empty")
	ErrTextTooShort  = errors.New("text too short")
	ErrMissingTenant = errors.New("tenant slug is required")
	ErrUnknownType   = errors.New("unknown document type")
	ErrInvalidScope  = errors.New("invalid scope")
	ErrInvalidFilter = errors.New("unsupported filter")
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate document")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
