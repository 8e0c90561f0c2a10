package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every catalog store. The API layer maps them
// onto HTTP statuses in one place (pkg/api/errors.go); callers elsewhere
// branch with errors.Is.
var (
	// ErrNotFound reports a rule, alert, investigation, or conversation
	// id the catalog does not hold.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists reports an insert colliding with a persisted
	// record, such as seeding a default rule twice.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput reports a request the store refuses to attempt,
	// like an empty id or a malformed severity.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification reports a lost optimistic-lock race on a
	// rule update. Callers re-read the rule and retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// ValidationError carries the field that failed validation so REST callers
// see which part of their request to fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for one field.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
