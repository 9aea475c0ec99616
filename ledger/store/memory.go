// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coopdispatch/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory enforces the same foreign keys as the SQLite schema so tests see
// the same ErrConflict behaviour: movements, grants and orders must point at
// existing rows; deleting a grant cascades to its movements; deleting an
// order detaches its movements.
type Memory struct {
	mu sync.Mutex
	d  *data
}

func NewMemory() *Memory {
	return &Memory{d: newData(func() time.Time { return time.Now().UTC() })}
}

// NewMemoryWithClock is NewMemory with a fixed time source.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{d: newData(now)}
}

// WithTx executes fn against the store while holding the store lock.
// This is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData(m.d.now)
	return nil
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) AppendMovement(ctx context.Context, mv ledger.Movement) (ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendMovement(ctx, mv)
}

func (m *Memory) GetMovement(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.GetMovement(ctx, id)
}

func (m *Memory) Movements(ctx context.Context, id ledger.CustomerID) ([]ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.Movements(ctx, id)
}

func (m *Memory) MovementsByGrant(ctx context.Context, id ledger.GrantID) ([]ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MovementsByGrant(ctx, id)
}

func (m *Memory) MovementsByOrder(ctx context.Context, id ledger.OrderID) ([]ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MovementsByOrder(ctx, id)
}

func (m *Memory) SumMovements(ctx context.Context, id ledger.CustomerID) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SumMovements(ctx, id)
}

func (m *Memory) UpdateMovement(ctx context.Context, mv ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateMovement(ctx, mv)
}

func (m *Memory) DeleteMovement(ctx context.Context, id ledger.MovementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteMovement(ctx, id)
}

func (m *Memory) DeleteMovementsByGrant(ctx context.Context, id ledger.GrantID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteMovementsByGrant(ctx, id)
}

func (m *Memory) DeleteMovementsByCustomer(ctx context.Context, id ledger.CustomerID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteMovementsByCustomer(ctx, id)
}

func (m *Memory) DetachOrder(ctx context.Context, id ledger.OrderID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DetachOrder(ctx, id)
}

func (m *Memory) SaveCustomer(ctx context.Context, c ledger.Customer) (ledger.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveCustomer(ctx, c)
}

func (m *Memory) GetCustomer(ctx context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.GetCustomer(ctx, id)
}

func (m *Memory) FindCustomerByName(ctx context.Context, name string) (*ledger.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.FindCustomerByName(ctx, name)
}

func (m *Memory) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.ListCustomers(ctx)
}

func (m *Memory) SetCachedBalance(ctx context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SetCachedBalance(ctx, id, balance)
}

func (m *Memory) InsertGrant(ctx context.Context, g ledger.Grant) (ledger.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertGrant(ctx, g)
}

func (m *Memory) GetGrant(ctx context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.GetGrant(ctx, id)
}

func (m *Memory) UpdateGrant(ctx context.Context, g ledger.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateGrant(ctx, g)
}

func (m *Memory) DeleteGrant(ctx context.Context, id ledger.GrantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteGrant(ctx, id)
}

func (m *Memory) DeleteGrantsByCustomer(ctx context.Context, id ledger.CustomerID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteGrantsByCustomer(ctx, id)
}

func (m *Memory) ListGrants(ctx context.Context, f ledger.GrantFilter) ([]ledger.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.ListGrants(ctx, f)
}

func (m *Memory) SaveOrder(ctx context.Context, o ledger.Order) (ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveOrder(ctx, o)
}

func (m *Memory) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.GetOrder(ctx, id)
}

func (m *Memory) DeleteOrder(ctx context.Context, id ledger.OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteOrder(ctx, id)
}

func (m *Memory) UnlinkedOrders(ctx context.Context) ([]ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UnlinkedOrders(ctx)
}

func (m *Memory) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendAudit(ctx, e)
}

func (m *Memory) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.QueryAudit(ctx, f)
}

// =============================================================================
// DATA - unlocked state, also the transactional view
// =============================================================================

type data struct {
	now func() time.Time

	nextMovement ledger.MovementID
	nextCustomer ledger.CustomerID
	nextGrant    ledger.GrantID
	nextOrder    ledger.OrderID

	movements []ledger.Movement // insertion order
	customers map[ledger.CustomerID]ledger.Customer
	grants    map[ledger.GrantID]ledger.Grant
	orders    map[ledger.OrderID]ledger.Order
	audit     []ledger.AuditEntry
}

func newData(now func() time.Time) *data {
	return &data{
		now:       now,
		customers: make(map[ledger.CustomerID]ledger.Customer),
		grants:    make(map[ledger.GrantID]ledger.Grant),
		orders:    make(map[ledger.OrderID]ledger.Order),
	}
}

func (d *data) clone() *data {
	c := *d
	c.movements = make([]ledger.Movement, len(d.movements))
	for i, m := range d.movements {
		c.movements[i] = cloneMovement(m)
	}
	c.customers = make(map[ledger.CustomerID]ledger.Customer, len(d.customers))
	for k, v := range d.customers {
		c.customers[k] = v
	}
	c.grants = make(map[ledger.GrantID]ledger.Grant, len(d.grants))
	for k, v := range d.grants {
		c.grants[k] = v
	}
	c.orders = make(map[ledger.OrderID]ledger.Order, len(d.orders))
	for k, v := range d.orders {
		c.orders[k] = cloneOrder(v)
	}
	c.audit = append([]ledger.AuditEntry(nil), d.audit...)
	return &c
}

func cloneMovement(m ledger.Movement) ledger.Movement {
	if m.GrantID != nil {
		g := *m.GrantID
		m.GrantID = &g
	}
	if m.OrderID != nil {
		o := *m.OrderID
		m.OrderID = &o
	}
	return m
}

func cloneOrder(o ledger.Order) ledger.Order {
	if o.CustomerID != nil {
		c := *o.CustomerID
		o.CustomerID = &c
	}
	return o
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ledger.ErrConflict, fmt.Sprintf(format, args...))
}

func (d *data) checkMovementRefs(m ledger.Movement) error {
	if _, ok := d.customers[m.CustomerID]; !ok {
		return conflict("movement references missing customer %d", m.CustomerID)
	}
	if m.GrantID != nil {
		if _, ok := d.grants[*m.GrantID]; !ok {
			return conflict("movement references missing grant %d", *m.GrantID)
		}
	}
	if m.OrderID != nil {
		if _, ok := d.orders[*m.OrderID]; !ok {
			return conflict("movement references missing order %d", *m.OrderID)
		}
	}
	return nil
}

func (d *data) index(id ledger.MovementID) int {
	for i := range d.movements {
		if d.movements[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *data) filter(keep func(ledger.Movement) bool) []ledger.Movement {
	var out []ledger.Movement
	for _, m := range d.movements {
		if keep(m) {
			out = append(out, cloneMovement(m))
		}
	}
	return out
}

func (d *data) remove(drop func(ledger.Movement) bool) int {
	kept := d.movements[:0]
	n := 0
	for _, m := range d.movements {
		if drop(m) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	d.movements = kept
	return n
}

// --- movements ---

func (d *data) AppendMovement(_ context.Context, m ledger.Movement) (ledger.Movement, error) {
	if err := d.checkMovementRefs(m); err != nil {
		return ledger.Movement{}, err
	}
	d.nextMovement++
	m.ID = d.nextMovement
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	m = cloneMovement(m)
	d.movements = append(d.movements, m)
	return cloneMovement(m), nil
}

func (d *data) GetMovement(_ context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	i := d.index(id)
	if i < 0 {
		return nil, nil
	}
	m := cloneMovement(d.movements[i])
	return &m, nil
}

func (d *data) Movements(_ context.Context, id ledger.CustomerID) ([]ledger.Movement, error) {
	return d.filter(func(m ledger.Movement) bool { return m.CustomerID == id }), nil
}

func (d *data) MovementsByGrant(_ context.Context, id ledger.GrantID) ([]ledger.Movement, error) {
	return d.filter(func(m ledger.Movement) bool { return m.GrantID != nil && *m.GrantID == id }), nil
}

func (d *data) MovementsByOrder(_ context.Context, id ledger.OrderID) ([]ledger.Movement, error) {
	return d.filter(func(m ledger.Movement) bool { return m.OrderID != nil && *m.OrderID == id }), nil
}

func (d *data) SumMovements(_ context.Context, id ledger.CustomerID) (decimal.Decimal, decimal.Decimal, error) {
	credits, debits := decimal.Zero, decimal.Zero
	for _, m := range d.movements {
		if m.CustomerID != id {
			continue
		}
		switch m.Type {
		case ledger.MovementCredit:
			credits = credits.Add(m.Amount)
		case ledger.MovementDebit:
			debits = debits.Add(m.Amount)
		}
	}
	return credits, debits, nil
}

func (d *data) UpdateMovement(_ context.Context, m ledger.Movement) error {
	i := d.index(m.ID)
	if i < 0 {
		return fmt.Errorf("movement %d: %w", m.ID, ledger.ErrMovementNotFound)
	}
	if err := d.checkMovementRefs(m); err != nil {
		return err
	}
	m.CreatedAt = d.movements[i].CreatedAt
	d.movements[i] = cloneMovement(m)
	return nil
}

func (d *data) DeleteMovement(_ context.Context, id ledger.MovementID) error {
	if d.remove(func(m ledger.Movement) bool { return m.ID == id }) == 0 {
		return fmt.Errorf("movement %d: %w", id, ledger.ErrMovementNotFound)
	}
	return nil
}

func (d *data) DeleteMovementsByGrant(_ context.Context, id ledger.GrantID) (int, error) {
	return d.remove(func(m ledger.Movement) bool { return m.GrantID != nil && *m.GrantID == id }), nil
}

func (d *data) DeleteMovementsByCustomer(_ context.Context, id ledger.CustomerID) (int, error) {
	return d.remove(func(m ledger.Movement) bool { return m.CustomerID == id }), nil
}

func (d *data) DetachOrder(_ context.Context, id ledger.OrderID) (int, error) {
	n := 0
	for i := range d.movements {
		if d.movements[i].OrderID != nil && *d.movements[i].OrderID == id {
			d.movements[i].OrderID = nil
			n++
		}
	}
	return n, nil
}

// --- customers ---

func (d *data) SaveCustomer(_ context.Context, c ledger.Customer) (ledger.Customer, error) {
	if c.ID == 0 {
		d.nextCustomer++
		c.ID = d.nextCustomer
		c.Balance = decimal.Zero
		if c.CreatedAt.IsZero() {
			c.CreatedAt = d.now()
		}
		d.customers[c.ID] = c
		return c, nil
	}
	existing, ok := d.customers[c.ID]
	if !ok {
		return ledger.Customer{}, fmt.Errorf("customer %d: %w", c.ID, ledger.ErrCustomerNotFound)
	}
	existing.Name = c.Name
	existing.Phone = c.Phone
	d.customers[c.ID] = existing
	return existing, nil
}

func (d *data) GetCustomer(_ context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	c, ok := d.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (d *data) FindCustomerByName(ctx context.Context, name string) (*ledger.Customer, error) {
	key := ledger.NameKey(name)
	if key == "" {
		return nil, nil
	}
	all, _ := d.ListCustomers(ctx)
	for _, c := range all {
		if ledger.NameKey(c.Name) == key {
			return &c, nil
		}
	}
	return nil, nil
}

func (d *data) ListCustomers(_ context.Context) ([]ledger.Customer, error) {
	out := make([]ledger.Customer, 0, len(d.customers))
	for _, c := range d.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) SetCachedBalance(_ context.Context, id ledger.CustomerID, balance decimal.Decimal) error {
	c, ok := d.customers[id]
	if !ok {
		return fmt.Errorf("customer %d: %w", id, ledger.ErrCustomerNotFound)
	}
	c.Balance = ledger.Round(balance)
	d.customers[id] = c
	return nil
}

// --- grants ---

func (d *data) InsertGrant(_ context.Context, g ledger.Grant) (ledger.Grant, error) {
	if _, ok := d.customers[g.CustomerID]; !ok {
		return ledger.Grant{}, conflict("grant references missing customer %d", g.CustomerID)
	}
	d.nextGrant++
	g.ID = d.nextGrant
	if g.CreatedAt.IsZero() {
		g.CreatedAt = d.now()
	}
	d.grants[g.ID] = g
	return g, nil
}

func (d *data) GetGrant(_ context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	g, ok := d.grants[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (d *data) UpdateGrant(_ context.Context, g ledger.Grant) error {
	existing, ok := d.grants[g.ID]
	if !ok {
		return fmt.Errorf("grant %d: %w", g.ID, ledger.ErrGrantNotFound)
	}
	if _, ok := d.customers[g.CustomerID]; !ok {
		return conflict("grant references missing customer %d", g.CustomerID)
	}
	g.CreatedAt = existing.CreatedAt
	d.grants[g.ID] = g
	return nil
}

func (d *data) DeleteGrant(_ context.Context, id ledger.GrantID) error {
	if _, ok := d.grants[id]; !ok {
		return fmt.Errorf("grant %d: %w", id, ledger.ErrGrantNotFound)
	}
	delete(d.grants, id)
	d.remove(func(m ledger.Movement) bool { return m.GrantID != nil && *m.GrantID == id })
	return nil
}

func (d *data) DeleteGrantsByCustomer(_ context.Context, id ledger.CustomerID) (int, error) {
	n := 0
	for gid, g := range d.grants {
		if g.CustomerID != id {
			continue
		}
		delete(d.grants, gid)
		d.remove(func(m ledger.Movement) bool { return m.GrantID != nil && *m.GrantID == gid })
		n++
	}
	return n, nil
}

func (d *data) ListGrants(_ context.Context, f ledger.GrantFilter) ([]ledger.Grant, error) {
	var out []ledger.Grant
	for _, g := range d.grants {
		if f.CustomerID != nil && g.CustomerID != *f.CustomerID {
			continue
		}
		if f.From != nil && g.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !g.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- orders ---

func (d *data) SaveOrder(_ context.Context, o ledger.Order) (ledger.Order, error) {
	if o.CustomerID != nil {
		if _, ok := d.customers[*o.CustomerID]; !ok {
			return ledger.Order{}, conflict("order references missing customer %d", *o.CustomerID)
		}
	}
	now := d.now()
	if o.ID == 0 {
		d.nextOrder++
		o.ID = d.nextOrder
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
	} else {
		existing, ok := d.orders[o.ID]
		if !ok {
			return ledger.Order{}, fmt.Errorf("order %d: %w", o.ID, ledger.ErrOrderNotFound)
		}
		o.CreatedAt = existing.CreatedAt
	}
	o.UpdatedAt = now
	d.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), nil
}

func (d *data) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return nil, nil
	}
	o = cloneOrder(o)
	return &o, nil
}

func (d *data) DeleteOrder(ctx context.Context, id ledger.OrderID) error {
	if _, ok := d.orders[id]; !ok {
		return fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound)
	}
	delete(d.orders, id)
	_, _ = d.DetachOrder(ctx, id)
	return nil
}

func (d *data) UnlinkedOrders(_ context.Context) ([]ledger.Order, error) {
	var out []ledger.Order
	for _, o := range d.orders {
		if o.CustomerID == nil {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- audit ---

func (d *data) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	d.audit = append(d.audit, e)
	return nil
}

// QueryAudit returns newest entries first.
func (d *data) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var out []ledger.AuditEntry
	for i := len(d.audit) - 1; i >= 0; i-- {
		e := d.audit[i]
		if f.CustomerID != nil && e.CustomerID != *f.CustomerID {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func containsAction(actions []ledger.AuditAction, a ledger.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*data)(nil)
)
