package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/ledger/store"
	"github.com/coopdispatch/credit-engine/locking"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	svc   *credit.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, credit.Options{NameFallback: true})
}

func newFixtureWith(t *testing.T, opts credit.Options) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return &fixture{
		t:     t,
		ctx:   credit.WithActor(context.Background(), "admin@test"),
		store: mem,
		svc:   credit.New(mem, locking.NewLocal(time.Second), nil, nil, opts),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) customer(name string) ledger.CustomerID {
	f.t.Helper()
	c, err := f.svc.Admin.CreateCustomer(f.ctx, name, "")
	require.NoError(f.t, err)
	return c.ID
}

func (f *fixture) grant(id ledger.CustomerID, gross string) ledger.Grant {
	f.t.Helper()
	g, err := f.svc.Grants.CreateGrant(f.ctx, id, credit.GrantInput{GrossAmount: dec(gross)}, "")
	require.NoError(f.t, err)
	return g
}

// order stores an order directly, without settling it.
func (f *fixture) order(id *ledger.CustomerID, name, charge, method string) ledger.OrderID {
	f.t.Helper()
	o, err := f.store.SaveOrder(f.ctx, ledger.Order{
		CustomerID:     id,
		CustomerName:   name,
		ChargeAmount:   dec(charge),
		CreditConsumed: decimal.Zero,
		PaymentStatus:  ledger.PaymentPending,
		PaymentMethod:  method,
	})
	require.NoError(f.t, err)
	return o.ID
}

func (f *fixture) getOrder(id ledger.OrderID) ledger.Order {
	f.t.Helper()
	o, err := f.store.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, o)
	return *o
}

// cached returns the cached balance without recomputing it.
func (f *fixture) cached(id ledger.CustomerID) string {
	f.t.Helper()
	c, err := f.store.GetCustomer(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, c)
	return ledger.Format(c.Balance)
}

// derived sums the movement log directly.
func (f *fixture) derived(id ledger.CustomerID) string {
	f.t.Helper()
	movements, err := f.store.Movements(f.ctx, id)
	require.NoError(f.t, err)
	sum := decimal.Zero
	for _, m := range movements {
		sum = sum.Add(m.Signed())
	}
	return ledger.Format(sum)
}

func (f *fixture) movements(id ledger.CustomerID) []ledger.Movement {
	f.t.Helper()
	movements, err := f.store.Movements(f.ctx, id)
	require.NoError(f.t, err)
	return movements
}

// requireConsistent checks cached == derived.
func (f *fixture) requireConsistent(id ledger.CustomerID) {
	f.t.Helper()
	require.Equal(f.t, f.derived(id), f.cached(id), "cached balance drifted from the movement log")
}

func idPtr(id ledger.CustomerID) *ledger.CustomerID { return &id }
