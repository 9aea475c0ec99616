/*
Package credit implements the credit grant lifecycle and the settlement
engine that ties delivery orders to the ledger.

PURPOSE:
  The ledger package knows how to record movements and derive balances.
  This package decides WHICH movements to record for each business event:

    GrantManager  create / edit / delete credit top-ups
    Engine        consume credit against an order, reverse it, and keep
                  orders consistent across edits and deletes
    Admin         legacy direct adjustment, single-movement delete,
                  ledger reset, statements and the credit overview
    OrderService  the credit-relevant slice of order create/update/delete
    Maintenance   balance rebuild and customer backfill

EXECUTION MODEL:
  Every mutating operation runs as

    lock(customer) -> store.WithTx -> movements + RecomputeBalance + audit

  so a failure anywhere rolls back all of it, and two writers for one
  customer never interleave their read-recompute-write sequences.

SEE ALSO:
  - ledger/ledger.go: Record / RecomputeBalance
  - locking/locking.go: per-customer locks
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/locking"
	"github.com/coopdispatch/credit-engine/observability"
)

// =============================================================================
// OPTIONS + SERVICE
// =============================================================================

type Options struct {
	// NameFallback resolves orders without a customer id by customer name.
	NameFallback bool

	// LegacyAdjust enables Admin.LegacyAdjust.
	LegacyAdjust bool
}

// Service bundles the credit components over one store.
type Service struct {
	Grants      *GrantManager
	Engine      *Engine
	Admin       *Admin
	Orders      *OrderService
	Maintenance *Maintenance
}

// New wires every component. A nil locker means an unbounded local locker,
// a nil logger means zap.NewNop, and nil metrics record nothing.
func New(store ledger.TxStore, locker locking.Locker, log *zap.Logger, metrics *observability.Metrics, opts Options) *Service {
	if locker == nil {
		locker = locking.NewLocal(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &deps{
		store:    store,
		locker:   locker,
		log:      log,
		metrics:  metrics,
		resolver: Resolver{NameFallback: opts.NameFallback},
		opts:     opts,
	}
	engine := &Engine{deps: d}
	return &Service{
		Grants:      &GrantManager{deps: d},
		Engine:      engine,
		Admin:       &Admin{deps: d},
		Orders:      &OrderService{deps: d, engine: engine},
		Maintenance: &Maintenance{deps: d},
	}
}

type deps struct {
	store    ledger.TxStore
	locker   locking.Locker
	log      *zap.Logger
	metrics  *observability.Metrics
	resolver Resolver
	opts     Options
}

// =============================================================================
// ACTOR - who is performing the operation, for the audit log
// =============================================================================

type actorKey struct{}

const SystemActor = "system"

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

// =============================================================================
// LOCK + TX
// =============================================================================

// lockSet is the set of customers held by the running operation.
type lockSet map[ledger.CustomerID]bool

func (s lockSet) require(id ledger.CustomerID) error {
	if s[id] {
		return nil
	}
	return fmt.Errorf("%w: customer %d changed while the operation was running", ledger.ErrConflict, id)
}

// lockCustomers takes the locks of ids in ascending order and returns a
// release func for all of them.
func (d *deps) lockCustomers(ctx context.Context, ids ...ledger.CustomerID) (lockSet, func(), error) {
	held := make(lockSet, len(ids))
	for _, id := range ids {
		if id != 0 {
			held[id] = true
		}
	}
	ordered := make([]ledger.CustomerID, 0, len(held))
	for id := range held {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	start := time.Now()
	for _, id := range ordered {
		unlock, err := d.locker.Lock(ctx, locking.CustomerKey(id))
		if err != nil {
			release()
			return nil, func() {}, fmt.Errorf("lock customer %d: %w", id, err)
		}
		unlocks = append(unlocks, unlock)
	}
	d.metrics.ObserveLockWait(time.Since(start).Seconds())
	return held, release, nil
}

// inTx runs fn in one transaction while holding the locks of ids.
func (d *deps) inTx(ctx context.Context, ids []ledger.CustomerID, fn func(tx ledger.Store, l *ledger.Ledger, held lockSet) error) error {
	held, release, err := d.lockCustomers(ctx, ids...)
	if err != nil {
		return err
	}
	defer release()

	return d.store.WithTx(ctx, func(tx ledger.Store) error {
		return fn(tx, ledger.New(tx), held)
	})
}

func (d *deps) audit(ctx context.Context, tx ledger.AuditLog, customerID ledger.CustomerID, action ledger.AuditAction, payload map[string]any) error {
	err := tx.AppendAudit(ctx, ledger.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      ActorFrom(ctx),
		Action:     action,
		CustomerID: customerID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// requireCustomer loads a customer or fails with ErrCustomerNotFound.
func requireCustomer(ctx context.Context, st ledger.CustomerStore, id ledger.CustomerID) (*ledger.Customer, error) {
	c, err := st.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("customer %d: %w", id, ledger.ErrCustomerNotFound)
	}
	return c, nil
}

func ptr[T any](v T) *T { return &v }
