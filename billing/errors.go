/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Validation - malformed input, always raised before any write
  2. Not found  - a referenced charge/service/expense does not exist
  3. Concurrency - a conflicting write on the same charge was detected
  4. Duplicate  - a recurring charge already exists for the dedupe key

USAGE:
  Callers test categories with errors.Is / errors.As:

    var vErr *billing.ValidationError
    if errors.As(err, &vErr) {
        // vErr.Reason is the user-facing message
    }
    if billing.IsRetryable(err) {
        // safe to retry the reconciliation
    }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateCharge is returned by stores when a recurring charge with the
	// same (service, rider, horse, period) already exists.
	ErrDuplicateCharge = errors.New("duplicate recurring charge")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field and a user-facing reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError carries the kind and id of the missing record.
type NotFoundError struct {
	Kind string // "charge", "service", "expense"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConcurrencyError is raised when the balance of a charge changed between
// read and write. The caller should retry the reconciliation.
type ConcurrencyError struct {
	ChargeID ChargeID
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("charge %q was modified concurrently", e.ChargeID)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateCharge)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
