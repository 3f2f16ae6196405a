package domain

import (
	"errors"
	"fmt"
)

// Validation error codes.
const (
	CodeRequired            = "required"
	CodeMustBePositive      = "must_be_positive"
	CodeDeadAfterTooSmall   = "dead_after_too_small"
	CodeInvalidWindow       = "invalid_window"
	CodeThresholdOutOfRange = "threshold_out_of_range"
	CodeSameRule            = "same_rule"
	CodeUnknownRule         = "unknown_rule"
	CodeInvalidStep         = "invalid_step"
	CodeInvalidIdentifier   = "invalid_identifier"
	CodeDuplicateIdentifier = "duplicate_identifier"
)

// ValidationError identifies one rejected field with a machine-readable code.
// Params: field name, code constant, and human message.
// Returns: error returned synchronously from create/update calls.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func invalid(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}
