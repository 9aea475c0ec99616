/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Higher layers wrap these with fmt.Errorf("...: %w", err) and the HTTP
  layer classifies them with IsNotFound / IsClientError / IsRetryable.

ERROR CATEGORIES:
  1. Lookup errors - customer, grant, order, movement not found
  2. Validation errors - bad amounts, bad discount types
  3. Store errors - constraint conflicts, lock timeouts

NOT AN ERROR:
  Insufficient credit. Consumption that cannot fully cover an order
  returns zero consumed and a nil error; callers decide whether to ask
  for another payment method. ErrInsufficientCredit exists for callers
  that turn that outcome into a rejection.

SEE ALSO:
  - store.go: ErrConflict is returned by store implementations
  - credit/settlement.go: consumption outcomes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned when a grant or consumption target
	// customer cannot be resolved.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrGrantNotFound is returned when a referenced grant doesn't exist.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrOrderNotFound is returned when a referenced order doesn't exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrMovementNotFound is returned when a referenced movement doesn't exist.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrInvalidAmount is returned for non-numeric, negative or zero money input.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidDiscount is returned for an unknown discount type.
	ErrInvalidDiscount = errors.New("invalid discount type")

	// ErrInvalidInput is returned for malformed non-monetary input, such as
	// an unknown payment status.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when the store rejects a write because of a
	// unique or foreign-key constraint. The surrounding transaction is rolled back.
	ErrConflict = errors.New("ledger conflict")

	// ErrGrantMovement is returned when a single-movement delete targets a
	// movement produced by a grant. Delete the grant instead.
	ErrGrantMovement = errors.New("movement belongs to a grant")

	// ErrOrderMovement is returned when a single-movement delete targets a
	// consumption or reversal of an order. Edit or delete the order instead.
	ErrOrderMovement = errors.New("movement belongs to an order")

	// ErrLegacyDisabled is returned when the direct balance-adjust path is
	// called without being enabled.
	ErrLegacyDisabled = errors.New("legacy direct adjustment disabled")

	// ErrInsufficientCredit is returned only by flows that must not proceed
	// without full credit coverage, such as a credit-paid order request.
	// Consume itself reports insufficient credit as zero consumed.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrLockTimeout is returned when the per-customer write lock could not
	// be acquired in time.
	ErrLockTimeout = errors.New("customer lock timeout")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmountError describes a rejected monetary input.
type AmountError struct {
	Field  string
	Value  string
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount for %s (%q): %s", e.Field, e.Value, e.Reason)
}

func (e *AmountError) Unwrap() error {
	return ErrInvalidAmount
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDiscount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrGrantMovement) ||
		errors.Is(err, ErrOrderMovement) ||
		errors.Is(err, ErrLegacyDisabled)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrMovementNotFound)
}

// IsConflict returns true if the store rejected the write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
