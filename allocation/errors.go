/*
errors.go - Centralized error types for the reconciliation core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify outcomes with errors.Is / errors.As, never by string.

ERROR CATEGORIES:
  1. Lookup errors    - request/product/client does not exist
  2. Conflict errors  - request already left pending (idempotent no-op signal)
  3. Stock errors     - insufficient stock, surfaced as retryable
  4. Validation       - caller-fixable input problems
  5. Partial completion - post-claim failure needing manual reconciliation

USAGE:
  if errors.Is(err, allocation.ErrAlreadyProcessed) {
      // safe no-op: someone else (or a retry of us) already decided it
  }
*/
package allocation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRequestNotFound is returned when the request id does not exist.
	ErrRequestNotFound = errors.New("purchase request not found")

	// ErrProductNotFound is returned when the referenced product does not exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrAlreadyProcessed is returned when the request already left pending.
	// For a retried caller this is a successful no-op; for a concurrent
	// double-submit it is the losing side of the claim race. Callers inspect
	// the request's terminal state to tell which.
	ErrAlreadyProcessed = errors.New("request already processed")

	// ErrInsufficientStock is returned when the admin product lacks capacity.
	// The claim is rolled back first, so the request stays retryable.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrValidation is returned for caller-fixable input problems.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is the loyalty ledger's guard against non-positive
	// credits. It never surfaces under correct point calculation; treat an
	// occurrence as a programming error.
	ErrInvalidAmount = errors.New("invalid credit amount")

	// ErrPartialCompletion marks a post-decrement failure. Reversing a client
	// inventory increment or a point credit is a business decision outside
	// this core, so the state is surfaced for manual reconciliation instead
	// of being compensated automatically.
	ErrPartialCompletion = errors.New("approval partially completed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	ProductID ProductID
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// ValidationError provides details about an input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// PartialCompletionError wraps a failure that happened after the stock
// decrement succeeded. Stage names the step that failed.
type PartialCompletionError struct {
	RequestID RequestID
	Stage     string
	Err       error
}

func (e *PartialCompletionError) Error() string {
	return fmt.Sprintf("request %s partially completed, failed at %s: %v",
		e.RequestID, e.Stage, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause, so
// errors.Is works against either.
func (e *PartialCompletionError) Unwrap() []error {
	return []error{ErrPartialCompletion, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrProductNotFound)
}
