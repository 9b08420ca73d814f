package types

import (
	"errors"
	"fmt"
)

// ErrNotFound marks an absent record. Callers must be able to distinguish
// "not found" from "operation failed"; stores return this sentinel (or a
// false ok flag) rather than a StorageError.
var ErrNotFound = errors.New("not found")

// ValidationError reports rejected input (empty required field, out-of-range
// score, malformed or duplicate identifier). No state is mutated when one is
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError reports a failed storage operation. The enclosing transaction
// has been fully rolled back by the time one is returned; there are no
// partial commits.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err with the failing operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
