/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.TxStore (movements, customers, grants, orders, audit)
  on SQLite. The same schema ports to PostgreSQL with minor dialect
  changes.

KEY TABLES:
  customers:  Customer records and the cached balance column
  grants:     Credit top-ups with their discount and balance snapshots
  orders:     Credit-relevant delivery order fields
  movements:  The credit ledger (source of truth for balances)
  audit_log:  Who did what when, JSON payload

FOREIGN KEYS:
  movements.customer_id -> customers   (required)
  movements.grant_id    -> grants      ON DELETE CASCADE
  movements.order_id    -> orders      ON DELETE SET NULL
  Violations surface as ledger.ErrConflict.

MONEY:
  Stored as TEXT with two decimals and summed in Go with shopspring/decimal,
  so no amount ever passes through a float.

CONCURRENCY:
  One open connection. Transactions start with BEGIN IMMEDIATE so a writer
  holds the database lock from its first read; reads made outside a
  transaction wait for the connection. Per-customer serialization is the
  caller's job (package locking).

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := credit.New(store, locker, logger, metrics, opts)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/coopdispatch/credit-engine/ledger"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements ledger.Store on a database handle or an open transaction.
type conn struct {
	q querier
}

// Store implements ledger.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		name_key TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0.00',
		created_at TEXT NOT NULL
	);

	-- Exact-name resolution (lowest id wins)
	CREATE INDEX IF NOT EXISTS idx_customers_name_key
		ON customers(name_key, id);

	CREATE TABLE IF NOT EXISTS grants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		gross_amount TEXT NOT NULL,
		discount_type TEXT NOT NULL DEFAULT 'none',
		discount_value TEXT NOT NULL DEFAULT '0.00',
		net_amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_customer
		ON grants(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_grants_created_at
		ON grants(created_at);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER REFERENCES customers(id),
		customer_name TEXT NOT NULL DEFAULT '',
		charge_amount TEXT NOT NULL DEFAULT '0.00',
		credit_consumed TEXT NOT NULL DEFAULT '0.00',
		payment_status TEXT NOT NULL DEFAULT 'pending',
		payment_method TEXT NOT NULL DEFAULT '',
		received_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Customer backfill scans
	CREATE INDEX IF NOT EXISTS idx_orders_unlinked
		ON orders(id) WHERE customer_id IS NULL;

	CREATE TABLE IF NOT EXISTS movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		type TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		grant_id INTEGER REFERENCES grants(id) ON DELETE CASCADE,
		order_id INTEGER REFERENCES orders(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL
	);

	-- Balance derivation (hot path)
	CREATE INDEX IF NOT EXISTS idx_movements_customer
		ON movements(customer_id, id);
	CREATE INDEX IF NOT EXISTS idx_movements_grant
		ON movements(grant_id, id) WHERE grant_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_movements_order
		ON movements(order_id, id) WHERE order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		customer_id INTEGER,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_customer
		ON audit_log(customer_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	// Children first so no foreign key fires.
	tables := []string{"audit_log", "movements", "grants", "orders", "customers"}
	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM sqlite_sequence"); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// MOVEMENT STORE
// =============================================================================

const movementColumns = `id, customer_id, type, amount, reference, description, grant_id, order_id, created_at`

func (c conn) AppendMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO movements (customer_id, type, amount, reference, description, grant_id, order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(m.CustomerID), string(m.Type), money(m.Amount), m.Reference, m.Description,
		nullID(m.GrantID), nullID(m.OrderID), formatTime(m.CreatedAt),
	)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to append movement: %w", mapError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Movement{}, err
	}
	m.ID = ledger.MovementID(id)
	m.Amount = ledger.Round(m.Amount)
	return m, nil
}

func (c conn) GetMovement(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	movements, err := c.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, int64(id))
	if err != nil || len(movements) == 0 {
		return nil, err
	}
	return &movements[0], nil
}

func (c conn) Movements(ctx context.Context, id ledger.CustomerID) ([]ledger.Movement, error) {
	return c.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE customer_id = ? ORDER BY id`, int64(id))
}

func (c conn) MovementsByGrant(ctx context.Context, id ledger.GrantID) ([]ledger.Movement, error) {
	return c.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE grant_id = ? ORDER BY id`, int64(id))
}

func (c conn) MovementsByOrder(ctx context.Context, id ledger.OrderID) ([]ledger.Movement, error) {
	return c.queryMovements(ctx, `SELECT `+movementColumns+` FROM movements WHERE order_id = ? ORDER BY id`, int64(id))
}

// SumMovements adds amounts in Go; SQLite's SUM over TEXT would go through
// floating point.
func (c conn) SumMovements(ctx context.Context, id ledger.CustomerID) (decimal.Decimal, decimal.Decimal, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT type, amount FROM movements WHERE customer_id = ?`, int64(id))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum movements: %w", err)
	}
	defer rows.Close()

	credits, debits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var typ, amount string
		if err := rows.Scan(&typ, &amount); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		v, err := parseMoney(amount)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		switch ledger.MovementType(typ) {
		case ledger.MovementCredit:
			credits = credits.Add(v)
		case ledger.MovementDebit:
			debits = debits.Add(v)
		}
	}
	return credits, debits, rows.Err()
}

func (c conn) UpdateMovement(ctx context.Context, m ledger.Movement) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE movements
		SET customer_id = ?, type = ?, amount = ?, reference = ?, description = ?, grant_id = ?, order_id = ?
		WHERE id = ?`,
		int64(m.CustomerID), string(m.Type), money(m.Amount), m.Reference, m.Description,
		nullID(m.GrantID), nullID(m.OrderID), int64(m.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update movement %d: %w", m.ID, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("movement %d: %w", m.ID, ledger.ErrMovementNotFound))
}

func (c conn) DeleteMovement(ctx context.Context, id ledger.MovementID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM movements WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete movement %d: %w", id, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("movement %d: %w", id, ledger.ErrMovementNotFound))
}

func (c conn) DeleteMovementsByGrant(ctx context.Context, id ledger.GrantID) (int, error) {
	return c.exec(ctx, `DELETE FROM movements WHERE grant_id = ?`, int64(id))
}

func (c conn) DeleteMovementsByCustomer(ctx context.Context, id ledger.CustomerID) (int, error) {
	return c.exec(ctx, `DELETE FROM movements WHERE customer_id = ?`, int64(id))
}

func (c conn) DetachOrder(ctx context.Context, id ledger.OrderID) (int, error) {
	return c.exec(ctx, `UPDATE movements SET order_id = NULL WHERE order_id = ?`, int64(id))
}

func (c conn) queryMovements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		var (
			m         ledger.Movement
			id, cust  int64
			typ       string
			amount    string
			grantID   sql.NullInt64
			orderID   sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&id, &cust, &typ, &amount, &m.Reference, &m.Description, &grantID, &orderID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.ID = ledger.MovementID(id)
		m.CustomerID = ledger.CustomerID(cust)
		m.Type = ledger.MovementType(typ)
		if m.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		if grantID.Valid {
			g := ledger.GrantID(grantID.Int64)
			m.GrantID = &g
		}
		if orderID.Valid {
			o := ledger.OrderID(orderID.Int64)
			m.OrderID = &o
		}
		m.CreatedAt = parseTime(createdAt)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// =============================================================================
// CUSTOMER STORE
// =============================================================================

const customerColumns = `id, name, phone, balance, created_at`

func (c conn) SaveCustomer(ctx context.Context, cust ledger.Customer) (ledger.Customer, error) {
	if cust.ID == 0 {
		if cust.CreatedAt.IsZero() {
			cust.CreatedAt = time.Now().UTC()
		}
		res, err := c.q.ExecContext(ctx, `
			INSERT INTO customers (name, name_key, phone, balance, created_at)
			VALUES (?, ?, ?, '0.00', ?)`,
			cust.Name, ledger.NameKey(cust.Name), cust.Phone, formatTime(cust.CreatedAt),
		)
		if err != nil {
			return ledger.Customer{}, fmt.Errorf("failed to insert customer: %w", mapError(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.Customer{}, err
		}
		cust.ID = ledger.CustomerID(id)
		cust.Balance = decimal.Zero
		return cust, nil
	}

	res, err := c.q.ExecContext(ctx, `UPDATE customers SET name = ?, name_key = ?, phone = ? WHERE id = ?`,
		cust.Name, ledger.NameKey(cust.Name), cust.Phone, int64(cust.ID))
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to update customer %d: %w", cust.ID, mapError(err))
	}
	if err := requireAffected(res, fmt.Errorf("customer %d: %w", cust.ID, ledger.ErrCustomerNotFound)); err != nil {
		return ledger.Customer{}, err
	}
	saved, err := c.GetCustomer(ctx, cust.ID)
	if err != nil || saved == nil {
		return ledger.Customer{}, err
	}
	return *saved, nil
}

func (c conn) GetCustomer(ctx context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	customers, err := c.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, int64(id))
	if err != nil || len(customers) == 0 {
		return nil, err
	}
	return &customers[0], nil
}

func (c conn) FindCustomerByName(ctx context.Context, name string) (*ledger.Customer, error) {
	key := ledger.NameKey(name)
	if key == "" {
		return nil, nil
	}
	customers, err := c.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE name_key = ? ORDER BY id LIMIT 1`, key)
	if err != nil || len(customers) == 0 {
		return nil, err
	}
	return &customers[0], nil
}

func (c conn) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	return c.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
}

func (c conn) SetCachedBalance(ctx context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	res, err := c.q.ExecContext(ctx, `UPDATE customers SET balance = ? WHERE id = ?`, money(balance), int64(id))
	if err != nil {
		return fmt.Errorf("failed to set balance of customer %d: %w", id, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("customer %d: %w", id, ledger.ErrCustomerNotFound))
}

func (c conn) queryCustomers(ctx context.Context, query string, args ...any) ([]ledger.Customer, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []ledger.Customer
	for rows.Next() {
		var (
			cust      ledger.Customer
			id        int64
			balance   string
			createdAt string
		)
		if err := rows.Scan(&id, &cust.Name, &cust.Phone, &balance, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		cust.ID = ledger.CustomerID(id)
		if cust.Balance, err = parseMoney(balance); err != nil {
			return nil, err
		}
		cust.CreatedAt = parseTime(createdAt)
		customers = append(customers, cust)
	}
	return customers, rows.Err()
}

// =============================================================================
// GRANT STORE
// =============================================================================

const grantColumns = `id, customer_id, gross_amount, discount_type, discount_value, net_amount,
	balance_before, balance_after, reason, created_by, created_at`

func (c conn) InsertGrant(ctx context.Context, g ledger.Grant) (ledger.Grant, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO grants (customer_id, gross_amount, discount_type, discount_value, net_amount,
		                    balance_before, balance_after, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(g.CustomerID), money(g.GrossAmount), string(g.DiscountType), money(g.DiscountValue), money(g.NetAmount),
		money(g.BalanceBefore), money(g.BalanceAfter), g.Reason, g.CreatedBy, formatTime(g.CreatedAt),
	)
	if err != nil {
		return ledger.Grant{}, fmt.Errorf("failed to insert grant: %w", mapError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Grant{}, err
	}
	g.ID = ledger.GrantID(id)
	return g, nil
}

func (c conn) GetGrant(ctx context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	grants, err := c.queryGrants(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, int64(id))
	if err != nil || len(grants) == 0 {
		return nil, err
	}
	return &grants[0], nil
}

func (c conn) UpdateGrant(ctx context.Context, g ledger.Grant) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE grants
		SET customer_id = ?, gross_amount = ?, discount_type = ?, discount_value = ?, net_amount = ?,
		    balance_before = ?, balance_after = ?, reason = ?, created_by = ?
		WHERE id = ?`,
		int64(g.CustomerID), money(g.GrossAmount), string(g.DiscountType), money(g.DiscountValue), money(g.NetAmount),
		money(g.BalanceBefore), money(g.BalanceAfter), g.Reason, g.CreatedBy, int64(g.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update grant %d: %w", g.ID, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("grant %d: %w", g.ID, ledger.ErrGrantNotFound))
}

// DeleteGrant removes the grant; its movements go with it (ON DELETE CASCADE).
func (c conn) DeleteGrant(ctx context.Context, id ledger.GrantID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete grant %d: %w", id, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("grant %d: %w", id, ledger.ErrGrantNotFound))
}

func (c conn) DeleteGrantsByCustomer(ctx context.Context, id ledger.CustomerID) (int, error) {
	return c.exec(ctx, `DELETE FROM grants WHERE customer_id = ?`, int64(id))
}

func (c conn) ListGrants(ctx context.Context, f ledger.GrantFilter) ([]ledger.Grant, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, int64(*f.CustomerID))
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.To))
	}
	query := `SELECT ` + grantColumns + ` FROM grants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return c.queryGrants(ctx, query+" ORDER BY created_at, id", args...)
}

func (c conn) queryGrants(ctx context.Context, query string, args ...any) ([]ledger.Grant, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []ledger.Grant
	for rows.Next() {
		var (
			g                             ledger.Grant
			id, cust                      int64
			gross, discType, discVal, net string
			before, after                 string
			createdAt                     string
		)
		if err := rows.Scan(&id, &cust, &gross, &discType, &discVal, &net, &before, &after, &g.Reason, &g.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.ID = ledger.GrantID(id)
		g.CustomerID = ledger.CustomerID(cust)
		g.DiscountType = ledger.DiscountType(discType)
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{{&g.GrossAmount, gross}, {&g.DiscountValue, discVal}, {&g.NetAmount, net}, {&g.BalanceBefore, before}, {&g.BalanceAfter, after}} {
			if *p.dst, err = parseMoney(p.src); err != nil {
				return nil, err
			}
		}
		g.CreatedAt = parseTime(createdAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// =============================================================================
// ORDER STORE
// =============================================================================

const orderColumns = `id, customer_id, customer_name, charge_amount, credit_consumed,
	payment_status, payment_method, received_by, created_at, updated_at`

func (c conn) SaveOrder(ctx context.Context, o ledger.Order) (ledger.Order, error) {
	now := time.Now().UTC()
	o.UpdatedAt = now

	if o.ID == 0 {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		res, err := c.q.ExecContext(ctx, `
			INSERT INTO orders (customer_id, customer_name, charge_amount, credit_consumed,
			                    payment_status, payment_method, received_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullID(o.CustomerID), o.CustomerName, money(o.ChargeAmount), money(o.CreditConsumed),
			string(o.PaymentStatus), o.PaymentMethod, o.ReceivedBy, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
		)
		if err != nil {
			return ledger.Order{}, fmt.Errorf("failed to insert order: %w", mapError(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.Order{}, err
		}
		o.ID = ledger.OrderID(id)
		return o, nil
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE orders
		SET customer_id = ?, customer_name = ?, charge_amount = ?, credit_consumed = ?,
		    payment_status = ?, payment_method = ?, received_by = ?, updated_at = ?
		WHERE id = ?`,
		nullID(o.CustomerID), o.CustomerName, money(o.ChargeAmount), money(o.CreditConsumed),
		string(o.PaymentStatus), o.PaymentMethod, o.ReceivedBy, formatTime(o.UpdatedAt), int64(o.ID),
	)
	if err != nil {
		return ledger.Order{}, fmt.Errorf("failed to update order %d: %w", o.ID, mapError(err))
	}
	if err := requireAffected(res, fmt.Errorf("order %d: %w", o.ID, ledger.ErrOrderNotFound)); err != nil {
		return ledger.Order{}, err
	}
	saved, err := c.GetOrder(ctx, o.ID)
	if err != nil || saved == nil {
		return ledger.Order{}, err
	}
	return *saved, nil
}

func (c conn) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	orders, err := c.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, int64(id))
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

// DeleteOrder removes the order; its movements are detached (ON DELETE SET NULL).
func (c conn) DeleteOrder(ctx context.Context, id ledger.OrderID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete order %d: %w", id, mapError(err))
	}
	return requireAffected(res, fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound))
}

func (c conn) UnlinkedOrders(ctx context.Context) ([]ledger.Order, error) {
	return c.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id IS NULL ORDER BY id`)
}

func (c conn) queryOrders(ctx context.Context, query string, args ...any) ([]ledger.Order, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []ledger.Order
	for rows.Next() {
		var (
			o                    ledger.Order
			id                   int64
			cust                 sql.NullInt64
			charge, consumed     string
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&id, &cust, &o.CustomerName, &charge, &consumed, &status, &o.PaymentMethod, &o.ReceivedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.ID = ledger.OrderID(id)
		if cust.Valid {
			cid := ledger.CustomerID(cust.Int64)
			o.CustomerID = &cid
		}
		if o.ChargeAmount, err = parseMoney(charge); err != nil {
			return nil, err
		}
		if o.CreditConsumed, err = parseMoney(consumed); err != nil {
			return nil, err
		}
		o.PaymentStatus = ledger.PaymentStatus(status)
		o.CreatedAt = parseTime(createdAt)
		o.UpdatedAt = parseTime(updatedAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	var customerID sql.NullInt64
	if e.CustomerID != 0 {
		customerID = sql.NullInt64{Int64: int64(e.CustomerID), Valid: true}
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor, action, customer_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.Actor, string(e.Action), customerID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapError(err))
	}
	return nil
}

// QueryAudit returns newest entries first.
func (c conn) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, int64(*f.CustomerID))
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, ts, actor, action, customer_id, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e       ledger.AuditEntry
			ts      string
			action  string
			cust    sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &action, &cust, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Action = ledger.AuditAction(action)
		e.CustomerID = ledger.CustomerID(cust.Int64)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

func (c conn) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// mapError turns constraint violations into ledger.ErrConflict and a busy
// database into ledger.ErrLockTimeout.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, se.Error())
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %s", ledger.ErrLockTimeout, se.Error())
	}
	return err
}

func money(d decimal.Decimal) string {
	return ledger.Round(d).StringFixed(ledger.Cents)
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return d, nil
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

var _ ledger.TxStore = (*Store)(nil)
