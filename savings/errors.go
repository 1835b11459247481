/*
errors.go - Centralized error types for the savings engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is() and unwrap structured errors
  for the domain detail (shortfall amounts, metal kinds) that user-facing
  messages must carry.

ERROR CATEGORIES:
  1. Configuration errors - missing tenant scope, unconfigured rates
  2. Validation errors - bad amounts, insufficient primary installments
  3. Referential errors - missing enrollments, customers, plans
  4. Conflict errors - duplicate idempotency keys, already-met commitments

SEE ALSO:
  - allocator.go: raises most of these
  - store boundaries map database constraint violations onto them
*/
package savings

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRateUnavailable is returned when no rate row exists for the requested
	// metal kind. Payment recording is blocked entirely; there is no fallback.
	ErrRateUnavailable = errors.New("no rate configured")

	// ErrInvalidAmount is returned for zero, negative, or non-finite amounts.
	// Rejected before any write.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrInsufficientAmount is returned when a primary installment does not
	// cover the full remaining monthly commitment. Partial primaries are
	// rejected; the structured error names the exact shortfall.
	ErrInsufficientAmount = errors.New("insufficient primary installment")

	// ErrCommitmentAlreadyMet is returned when a second primary installment is
	// attempted for a month whose commitment is already satisfied. Raised by
	// the storage uniqueness guard when two payments race.
	ErrCommitmentAlreadyMet = errors.New("monthly commitment already met")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrEnrollmentNotFound / ErrCustomerNotFound / ErrPlanNotFound surface as
	// user-facing "record not found" without retry.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrPlanNotFound       = errors.New("plan not found")

	// ErrEnrollmentClosed is returned when recording payments or redemptions
	// against a COMPLETED or CANCELLED enrollment.
	ErrEnrollmentClosed = errors.New("enrollment is not active")

	// ErrNotEligible is returned when redemption is requested before the
	// eligibility conditions hold.
	ErrNotEligible = errors.New("enrollment not eligible for redemption")

	// ErrMissingScope is a configuration error: the auth layer failed to
	// supply a tenant scope. Not a business error; never user-actionable.
	ErrMissingScope = errors.New("tenant scope missing")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RateUnavailableError names the metal kind so the caller can surface
// "update rates for 22K in the rate dashboard".
type RateUnavailableError struct {
	Kind MetalKind
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("no current rate configured for %s: update rates in the rate dashboard", e.Kind)
}

func (e *RateUnavailableError) Unwrap() error { return ErrRateUnavailable }

// InsufficientAmountError carries the exact shortfall.
type InsufficientAmountError struct {
	EnrollmentID string
	Remaining    decimal.Decimal
	Attempted    decimal.Decimal
	Shortfall    decimal.Decimal
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("primary installment must cover remaining commitment: remaining %s, attempted %s, short by %s",
		e.Remaining, e.Attempted, e.Shortfall)
}

func (e *InsufficientAmountError) Unwrap() error { return ErrInsufficientAmount }

// InvalidAmountError reports what was wrong with the amount.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid payment amount %s: %s", e.Amount, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input and
// should map to a 4xx response.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientAmount) ||
		errors.Is(err, ErrEnrollmentClosed) ||
		errors.Is(err, ErrNotEligible)
}

// IsConflict returns true for duplicate/raced operations (409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCommitmentAlreadyMet) ||
		errors.Is(err, ErrRateUnavailable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}
