package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrFulfillment       = errors.New("fulfillment failed")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrLeaseBusy         = errors.New("output is already being edited")
)

// ValidationError describes bad input. Nothing was written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// FulfillmentError reports a failed job together with the fate of its charge.
type FulfillmentError struct {
	JobID    int64
	Refunded bool
	Err      error
}

func (e *FulfillmentError) Error() string {
	if e.Refunded {
		return fmt.Sprintf("job %d failed, credits returned: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %d failed, refund pending: %v", e.JobID, e.Err)
}

func (e *FulfillmentError) Unwrap() []error {
	return []error{ErrFulfillment, e.Err}
}
