/*
ledger.go - Movement log and balance projection

PURPOSE:
  The movement log is the source of truth for every customer's credit.
  Grants, consumptions, reversals and admin adjustments all end up here as
  credit or debit movements. The customer's cached balance is only a
  projection of this log and can be rebuilt from it at any time.

CRITICAL INVARIANTS:
  1. POSITIVE AMOUNTS: the sign is carried by Type, never by Amount
  2. PROJECTION: Customer.Balance == sum(credit) - sum(debit)
  3. RECOMPUTE AFTER WRITE: every write that can move a balance is
     followed by RecomputeBalance in the same transaction

CORRECTIONS:
  Consumption is undone with a reversal credit tagged with the same order,
  never by deleting the debit. The single sanctioned in-place mutation is
  the grant edit flow (see credit/grants.go).

EXAMPLE FLOW:
  1. Grant #1 of 100:          credit 100   balance 100
  2. Order #7 charged 30:      debit 30     balance 70
  3. Order #7 edited to 50:    credit 30    (Reversal Order #7)
                               debit 50     balance 50

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Statements with running balances
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Record + RecomputeBalance over a Store
// =============================================================================

// Ledger records movements and maintains the cached balance projection.
// Bind it to a transactional view with Ledger{Store: tx} inside WithTx.
type Ledger struct {
	Store Store
}

func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Entry describes a movement to record.
type Entry struct {
	CustomerID  CustomerID
	Type        MovementType
	Amount      decimal.Decimal
	Reference   string
	Description string
	GrantID     *GrantID
	OrderID     *OrderID
}

// Record appends a movement. Amount must be > 0 after rounding to cents.
// Record does not touch the cached balance; call RecomputeBalance afterwards.
func (l *Ledger) Record(ctx context.Context, e Entry) (Movement, error) {
	m := Movement{
		CustomerID:  e.CustomerID,
		Type:        e.Type,
		Amount:      Round(e.Amount),
		Reference:   e.Reference,
		Description: e.Description,
		GrantID:     e.GrantID,
		OrderID:     e.OrderID,
	}
	if err := validateMovement(m); err != nil {
		return Movement{}, err
	}
	saved, err := l.Store.AppendMovement(ctx, m)
	if err != nil {
		return Movement{}, fmt.Errorf("record %s movement for customer %d: %w", m.Type, m.CustomerID, err)
	}
	return saved, nil
}

// Balance derives the balance from the movement log without writing it.
func (l *Ledger) Balance(ctx context.Context, customerID CustomerID) (decimal.Decimal, error) {
	credits, debits, err := l.Store.SumMovements(ctx, customerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum movements for customer %d: %w", customerID, err)
	}
	return Round(credits.Sub(debits)), nil
}

// RecomputeBalance derives the balance from the movement log, writes it to
// the customer's cached balance and returns it. Idempotent.
func (l *Ledger) RecomputeBalance(ctx context.Context, customerID CustomerID) (decimal.Decimal, error) {
	balance, err := l.Balance(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.Store.SetCachedBalance(ctx, customerID, balance); err != nil {
		return decimal.Zero, fmt.Errorf("cache balance for customer %d: %w", customerID, err)
	}
	return balance, nil
}

// Drift compares the cached balance against the movement log.
type Drift struct {
	CustomerID CustomerID
	Cached     decimal.Decimal
	Derived    decimal.Decimal
}

func (d Drift) Drifted() bool {
	return !Round(d.Cached).Equal(Round(d.Derived))
}

// CheckDrift reports the cached and derived balance of a customer.
func (l *Ledger) CheckDrift(ctx context.Context, customerID CustomerID) (Drift, error) {
	c, err := l.Store.GetCustomer(ctx, customerID)
	if err != nil {
		return Drift{}, err
	}
	if c == nil {
		return Drift{}, fmt.Errorf("customer %d: %w", customerID, ErrCustomerNotFound)
	}
	derived, err := l.Balance(ctx, customerID)
	if err != nil {
		return Drift{}, err
	}
	return Drift{CustomerID: customerID, Cached: c.Balance, Derived: derived}, nil
}
