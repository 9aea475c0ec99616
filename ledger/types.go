/*
Package ledger provides the prepaid-credit ledger core.

PURPOSE:
  This package holds the data model and algorithms shared by every part of
  the credit engine: customers with a cached balance, the append-only
  movement log, credit grants, and the credit-relevant slice of a delivery
  order. The cached balance is a projection; the movement log is the only
  source of truth.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: a credit or debit entry in a customer's ledger
  - Grant: a credit top-up, realized as exactly one credit movement
  - Customer: identity plus the cached balance projection
  - Order: the delivery-order fields the settlement engine reads and writes

DESIGN PRINCIPLES:
  1. Event sourcing: balance == sum(credits) - sum(debits), always rebuildable
  2. Precision: money is decimal.Decimal rounded to cents, never float
  3. Type Safety: distinct ID types for customers, grants, movements, orders
  4. Auditability: every movement carries a reference and its origin

SEE ALSO:
  - money.go: rounding and discount math
  - ledger.go: Record / RecomputeBalance
  - balance.go: statements with running balances
  - store.go: persistence interfaces
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID int64
type GrantID int64
type MovementID int64
type OrderID int64

// =============================================================================
// MOVEMENT - Atomic change to a customer's credit
// =============================================================================

type MovementType string

const (
	MovementCredit MovementType = "credit"
	MovementDebit  MovementType = "debit"
)

func (t MovementType) Valid() bool {
	return t == MovementCredit || t == MovementDebit
}

// Reference formats written by the grant manager and the settlement engine.
// Reporting relies on ReversalPrefix to tell refunds apart from purchased credit.
const (
	ReversalPrefix = "Reversal"
)

func GrantReference(id GrantID) string         { return fmt.Sprintf("Grant #%d", id) }
func GrantAdjustedReference(id GrantID) string { return fmt.Sprintf("Grant #%d (adjusted)", id) }
func OrderReference(id OrderID) string         { return fmt.Sprintf("Order #%d", id) }
func ReversalReference(id OrderID) string      { return fmt.Sprintf("%s Order #%d", ReversalPrefix, id) }

// Movement is a single ledger entry. Amount is always positive; the sign
// is carried by Type.
type Movement struct {
	ID          MovementID
	CustomerID  CustomerID
	Type        MovementType
	Amount      decimal.Decimal
	Reference   string
	Description string
	GrantID     *GrantID
	OrderID     *OrderID
	CreatedAt   time.Time
}

// Signed returns the amount with the sign implied by the movement type.
func (m Movement) Signed() decimal.Decimal {
	if m.Type == MovementDebit {
		return m.Amount.Neg()
	}
	return m.Amount
}

// IsReversal reports whether the movement refunds a previous consumption.
func (m Movement) IsReversal() bool {
	return m.Type == MovementCredit &&
		strings.Contains(strings.ToLower(m.Reference), strings.ToLower(ReversalPrefix))
}

// =============================================================================
// GRANT - Credit top-up
// =============================================================================

type DiscountType string

const (
	DiscountNone    DiscountType = "none"
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// ParseDiscountType maps user input onto a DiscountType. Blank input means
// no discount.
func ParseDiscountType(s string) (DiscountType, error) {
	switch DiscountType(strings.ToLower(strings.TrimSpace(s))) {
	case "", DiscountNone:
		return DiscountNone, nil
	case DiscountPercent:
		return DiscountPercent, nil
	case DiscountFixed:
		return DiscountFixed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDiscount, s)
}

type Grant struct {
	ID            GrantID
	CustomerID    CustomerID
	GrossAmount   decimal.Decimal
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	NetAmount     decimal.Decimal

	// Audit snapshots taken when the grant was written; not authoritative.
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// CUSTOMER
// =============================================================================

type Customer struct {
	ID    CustomerID
	Name  string
	Phone string

	// Balance is the cached projection of the movement log.
	// Only the Ledger writes it.
	Balance decimal.Decimal

	CreatedAt time.Time
}

// NameKey is the case-insensitive lookup key stores use for exact name matches.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// =============================================================================
// DELIVERY ORDER - credit-relevant fields only
// =============================================================================

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type Order struct {
	ID           OrderID
	CustomerID   *CustomerID
	CustomerName string

	ChargeAmount   decimal.Decimal
	CreditConsumed decimal.Decimal

	PaymentStatus PaymentStatus
	PaymentMethod string
	ReceivedBy    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the part of the charge not yet covered by credit.
func (o Order) Remaining() decimal.Decimal {
	return Round(o.ChargeAmount.Sub(o.CreditConsumed))
}

// FullyCovered reports whether credit covers the whole charge.
func (o Order) FullyCovered() bool {
	return !Round(o.CreditConsumed).LessThan(Round(o.ChargeAmount))
}
