/*
store.go - Persistence interfaces for the credit ledger

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  MovementStore: Movement log (append, load, sum, the sanctioned mutations)
  CustomerStore: Customers and the cached balance column
  GrantStore:    Credit grants
  OrderStore:    Credit-relevant delivery order fields
  AuditLog:      Who did what when
  TxStore:       All of the above inside one atomic transaction

MUTATION CONTRACT:
  Movements are append-only with three sanctioned exceptions, each used
  by exactly one caller:
  - UpdateMovement: grant edit rewrites its originating credit movement
  - DeleteMovement / DeleteMovementsByGrant / DeleteMovementsByCustomer:
    grant deletion, admin single-movement delete, admin ledger reset
  - DetachOrder: order deletion nulls order_id instead of failing on the FK

NIL RESULTS:
  Get* methods return (nil, nil) when the row doesn't exist. Callers turn
  that into ErrXxxNotFound where it matters.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - ledger/store/memory.go: in-memory for testing

SEE ALSO:
  - ledger.go: Higher-level operations using Store
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MOVEMENT STORE
// =============================================================================

type MovementStore interface {
	// AppendMovement persists m and returns it with ID and CreatedAt set.
	AppendMovement(ctx context.Context, m Movement) (Movement, error)

	GetMovement(ctx context.Context, id MovementID) (*Movement, error)

	// Movements returns all movements of a customer in insertion order.
	Movements(ctx context.Context, customerID CustomerID) ([]Movement, error)

	// MovementsByGrant returns the movements tagged with a grant, in insertion order.
	MovementsByGrant(ctx context.Context, grantID GrantID) ([]Movement, error)

	// MovementsByOrder returns the movements tagged with an order, in insertion order.
	MovementsByOrder(ctx context.Context, orderID OrderID) ([]Movement, error)

	// SumMovements returns the total of credit and debit movements of a customer.
	SumMovements(ctx context.Context, customerID CustomerID) (credits, debits decimal.Decimal, err error)

	UpdateMovement(ctx context.Context, m Movement) error
	DeleteMovement(ctx context.Context, id MovementID) error
	DeleteMovementsByGrant(ctx context.Context, grantID GrantID) (int, error)
	DeleteMovementsByCustomer(ctx context.Context, customerID CustomerID) (int, error)

	// DetachOrder sets order_id to NULL on every movement tagged with the order.
	DetachOrder(ctx context.Context, orderID OrderID) (int, error)
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

type CustomerStore interface {
	// SaveCustomer inserts when c.ID is zero, otherwise updates name and phone.
	// The cached balance is never written by SaveCustomer.
	SaveCustomer(ctx context.Context, c Customer) (Customer, error)

	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)

	// FindCustomerByName returns the first customer (lowest id) whose name
	// equals name case-insensitively.
	FindCustomerByName(ctx context.Context, name string) (*Customer, error)

	// ListCustomers returns every customer ordered by id.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// SetCachedBalance writes the balance projection.
	SetCachedBalance(ctx context.Context, id CustomerID, balance decimal.Decimal) error
}

// =============================================================================
// GRANT STORE
// =============================================================================

type GrantFilter struct {
	CustomerID *CustomerID
	From       *time.Time
	To         *time.Time
}

type GrantStore interface {
	// InsertGrant persists g and returns it with ID and CreatedAt set.
	InsertGrant(ctx context.Context, g Grant) (Grant, error)
	GetGrant(ctx context.Context, id GrantID) (*Grant, error)
	UpdateGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, id GrantID) error
	DeleteGrantsByCustomer(ctx context.Context, customerID CustomerID) (int, error)

	// ListGrants returns grants matching filter ordered by created_at.
	ListGrants(ctx context.Context, filter GrantFilter) ([]Grant, error)
}

// =============================================================================
// ORDER STORE
// =============================================================================

type OrderStore interface {
	// SaveOrder inserts when o.ID is zero, otherwise updates every field.
	SaveOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	DeleteOrder(ctx context.Context, id OrderID) error

	// UnlinkedOrders returns orders without a customer_id.
	UnlinkedOrders(ctx context.Context) ([]Order, error)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditGrantCreated   AuditAction = "grant_created"
	AuditGrantEdited    AuditAction = "grant_edited"
	AuditGrantDeleted   AuditAction = "grant_deleted"
	AuditConsumed       AuditAction = "credit_consumed"
	AuditReversed       AuditAction = "credit_reversed"
	AuditLegacyAdjust   AuditAction = "legacy_adjustment"
	AuditMovementDelete AuditAction = "movement_deleted"
	AuditLedgerReset    AuditAction = "ledger_reset"
)

type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     AuditAction
	CustomerID CustomerID
	Payload    map[string]any
}

type AuditFilter struct {
	CustomerID *CustomerID
	Actions    []AuditAction
	Limit      int
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// STORE + TRANSACTIONS
// =============================================================================

type Store interface {
	MovementStore
	CustomerStore
	GrantStore
	OrderStore
	AuditLog
}

// TxStore wraps Store with transaction support.
// Every ledger-mutating operation runs inside WithTx so a failure after a
// partial sequence leaves nothing behind.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
