package validator

import (
	"errors"
	"fmt"
)

// ValidationError marks a batch or artefact as rejected. It is a distinct
// variant from transient I/O errors: callers treat it as "message rejected"
// and carry on, never crash.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Errorf builds a ValidationError from a format string.
func Errorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
