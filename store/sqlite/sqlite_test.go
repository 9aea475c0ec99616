package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func addCustomer(t *testing.T, s *sqlite.Store, name string) ledger.Customer {
	t.Helper()
	c, err := s.SaveCustomer(context.Background(), ledger.Customer{Name: name})
	require.NoError(t, err)
	return c
}

// =============================================================================
// MOVEMENTS + BALANCES
// =============================================================================

func TestMovements_AppendAndSum(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")

	for _, m := range []ledger.Movement{
		{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: dec("100.10"), Reference: "a"},
		{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: dec("0.20")},
		{CustomerID: c.ID, Type: ledger.MovementDebit, Amount: dec("33.33")},
	} {
		_, err := s.AppendMovement(ctx, m)
		require.NoError(t, err)
	}

	credits, debits, err := s.SumMovements(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.30", credits.StringFixed(2))
	assert.Equal(t, "33.33", debits.StringFixed(2))

	movements, err := s.Movements(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, "a", movements[0].Reference)
	assert.True(t, movements[0].ID < movements[1].ID)
	assert.False(t, movements[0].CreatedAt.IsZero())
}

func TestMovements_ForeignKeysAreConflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.AppendMovement(ctx, ledger.Movement{CustomerID: 99, Type: ledger.MovementCredit, Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	c := addCustomer(t, s, "Ana")
	missing := ledger.GrantID(7)
	_, err = s.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: dec("1"), GrantID: &missing})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestDeleteGrant_CascadesMovements(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")

	g, err := s.InsertGrant(ctx, ledger.Grant{CustomerID: c.ID, GrossAmount: dec("10"), DiscountType: ledger.DiscountNone, NetAmount: dec("10")})
	require.NoError(t, err)
	_, err = s.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: dec("10"), GrantID: &g.ID})
	require.NoError(t, err)

	require.NoError(t, s.DeleteGrant(ctx, g.ID))
	movements, err := s.Movements(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)

	assert.ErrorIs(t, s.DeleteGrant(ctx, g.ID), ledger.ErrGrantNotFound)
}

func TestDeleteOrder_DetachesMovements(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")

	o, err := s.SaveOrder(ctx, ledger.Order{CustomerID: &c.ID, ChargeAmount: dec("5"), CreditConsumed: decimal.Zero, PaymentStatus: ledger.PaymentPending})
	require.NoError(t, err)
	mv, err := s.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementDebit, Amount: dec("5"), OrderID: &o.ID})
	require.NoError(t, err)

	require.NoError(t, s.DeleteOrder(ctx, o.ID))
	got, err := s.GetMovement(ctx, mv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.OrderID)
}

// =============================================================================
// CUSTOMERS + GRANTS + AUDIT
// =============================================================================

func TestFindCustomerByName_LowestIDCaseInsensitive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first := addCustomer(t, s, "JOSÉ Silva")
	addCustomer(t, s, "josé silva")

	c, err := s.FindCustomerByName(ctx, "  José SILVA ")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, first.ID, c.ID)

	c, err = s.FindCustomerByName(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSaveCustomer_DoesNotTouchBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")
	require.NoError(t, s.SetCachedBalance(ctx, c.ID, dec("12.345")))

	c.Name = "Ana Maria"
	c.Balance = dec("999")
	saved, err := s.SaveCustomer(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", saved.Name)
	assert.Equal(t, "12.35", saved.Balance.StringFixed(2))

	assert.ErrorIs(t, s.SetCachedBalance(ctx, 404, dec("1")), ledger.ErrCustomerNotFound)
}

func TestListGrants_HalfOpenRange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		_, err := s.InsertGrant(ctx, ledger.Grant{
			CustomerID:   c.ID,
			GrossAmount:  dec("10"),
			DiscountType: ledger.DiscountNone,
			NetAmount:    dec("10"),
			CreatedAt:    day.AddDate(0, 0, i),
		})
		require.NoError(t, err)
	}

	from, to := day.AddDate(0, 0, 1), day.AddDate(0, 0, 2)
	grants, err := s.ListGrants(ctx, ledger.GrantFilter{CustomerID: &c.ID, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].CreatedAt.Equal(from))
}

func TestAudit_NewestFirstWithFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")

	for i, action := range []ledger.AuditAction{ledger.AuditGrantCreated, ledger.AuditConsumed, ledger.AuditReversed} {
		require.NoError(t, s.AppendAudit(ctx, ledger.AuditEntry{
			ID:         string(action),
			Actor:      "admin",
			Action:     action,
			CustomerID: c.ID,
			Payload:    map[string]any{"n": i},
		}))
	}

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{CustomerID: &c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.AuditReversed, entries[0].Action)
	assert.Equal(t, float64(2), entries[0].Payload["n"])

	entries, err = s.QueryAudit(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditGrantCreated, ledger.AuditConsumed}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditConsumed, entries[0].Action)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := addCustomer(t, s, "Ana")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: dec("10")}); err != nil {
			return err
		}
		if err := tx.SetCachedBalance(ctx, c.ID, dec("10")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	movements, err := s.Movements(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
	got, err := s.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestReset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	addCustomer(t, s, "Ana")

	require.NoError(t, s.Reset(ctx))
	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Empty(t, customers)

	c := addCustomer(t, s, "Bruno")
	assert.Equal(t, ledger.CustomerID(1), c.ID, "ids restart")
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_GrantConsumeReverse(t *testing.T) {
	// GIVEN: Ana with a grant of 100 (10% discount) on the SQLite store
	// WHEN: A credit order of 60 is created and later deleted
	// THEN: Balance goes 90 -> 30 -> 90 and cached == derived throughout

	s := newStore(t)
	ctx := credit.WithActor(context.Background(), "admin")
	svc := credit.New(s, nil, nil, nil, credit.Options{NameFallback: true})

	ana, err := svc.Admin.CreateCustomer(ctx, "Ana", "")
	require.NoError(t, err)
	_, err = svc.Grants.CreateGrant(ctx, ana.ID, credit.GrantInput{
		GrossAmount:   dec("100"),
		DiscountType:  ledger.DiscountPercent,
		DiscountValue: dec("10"),
	}, "")
	require.NoError(t, err)

	res, err := svc.Orders.CreateOrder(ctx, credit.OrderInput{CustomerName: "ana", ChargeAmount: dec("60"), PaymentMethod: "Crédito"})
	require.NoError(t, err)
	require.NotNil(t, res.Consume)
	assert.Equal(t, "60.00", res.Consume.Consumed.StringFixed(2))
	assert.Equal(t, ledger.PaymentPaid, res.Order.PaymentStatus)

	balance, err := svc.Engine.Balance(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", balance.StringFixed(2))

	rev, err := svc.Orders.DeleteOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "60.00", rev.Reversed.StringFixed(2))

	st, err := svc.Admin.Statement(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "90.00", st.Balance.StringFixed(2))
	assert.Equal(t, "60.00", st.Reversals.StringFixed(2))
	for _, row := range st.Rows {
		assert.Nil(t, row.Movement.OrderID, "order movements detached")
	}

	report, err := svc.Maintenance.RebuildBalances(ctx, true, 2)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
}
