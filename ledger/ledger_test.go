package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory, ledger.CustomerID) {
	t.Helper()
	mem := store.NewMemory()
	c, err := mem.SaveCustomer(context.Background(), ledger.Customer{Name: "Maria Silva"})
	require.NoError(t, err)
	return ledger.New(mem), mem, c.ID
}

func credit(id ledger.CustomerID, amount string, ref string) ledger.Entry {
	return ledger.Entry{CustomerID: id, Type: ledger.MovementCredit, Amount: dec(amount), Reference: ref}
}

func debit(id ledger.CustomerID, amount string, ref string) ledger.Entry {
	return ledger.Entry{CustomerID: id, Type: ledger.MovementDebit, Amount: dec(amount), Reference: ref}
}

// =============================================================================
// RECORD
// =============================================================================

func TestRecord_RejectsNonPositiveAmounts(t *testing.T) {
	// GIVEN: A ledger for one customer
	// WHEN: Recording zero, negative, and sub-cent amounts
	// THEN: Every one is rejected with ErrInvalidAmount and nothing is stored

	l, mem, id := newTestLedger(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.004"} {
		_, err := l.Record(ctx, credit(id, amount, "bad"))
		require.Error(t, err, amount)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, amount)

		var amountErr *ledger.AmountError
		assert.ErrorAs(t, err, &amountErr)
	}

	movements, err := mem.Movements(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestRecord_RejectsUnknownType(t *testing.T) {
	l, _, id := newTestLedger(t)

	_, err := l.Record(context.Background(), ledger.Entry{CustomerID: id, Type: "adjust", Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestRecord_RoundsToCents(t *testing.T) {
	l, _, id := newTestLedger(t)

	m, err := l.Record(context.Background(), credit(id, "10.005", "Grant #1"))
	require.NoError(t, err)
	assert.Equal(t, "10.01", m.Amount.StringFixed(2))
	assert.NotZero(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestRecord_MissingCustomerIsConflict(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Record(context.Background(), credit(999, "10", "x"))
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

// =============================================================================
// BALANCE PROJECTION
// =============================================================================

func TestRecomputeBalance_SumsCreditsMinusDebits(t *testing.T) {
	// GIVEN: credit 100, debit 30, credit 30 (reversal), debit 50
	// WHEN: Recomputing the balance
	// THEN: Balance is 50 and is cached on the customer

	l, mem, id := newTestLedger(t)
	ctx := context.Background()

	for _, e := range []ledger.Entry{
		credit(id, "100", "Grant #1"),
		debit(id, "30", "Order #7"),
		credit(id, "30", "Reversal Order #7"),
		debit(id, "50", "Order #7"),
	} {
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}

	balance, err := l.RecomputeBalance(ctx, id)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("50")), "got %s", balance)

	c, err := mem.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "50.00", ledger.Format(c.Balance))
}

func TestRecomputeBalance_Idempotent(t *testing.T) {
	l, _, id := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, credit(id, "12.34", "Grant #1"))
	require.NoError(t, err)

	first, err := l.RecomputeBalance(ctx, id)
	require.NoError(t, err)
	second, err := l.RecomputeBalance(ctx, id)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestCheckDrift_DetectsDirectCacheWrites(t *testing.T) {
	// GIVEN: A cached balance written around the ledger
	// WHEN: Checking drift
	// THEN: The drift is reported, and RecomputeBalance fixes it

	l, mem, id := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, credit(id, "40", "Grant #1"))
	require.NoError(t, err)
	require.NoError(t, mem.SetCachedBalance(ctx, id, dec("55")))

	drift, err := l.CheckDrift(ctx, id)
	require.NoError(t, err)
	assert.True(t, drift.Drifted())
	assert.True(t, drift.Derived.Equal(dec("40")))

	_, err = l.RecomputeBalance(ctx, id)
	require.NoError(t, err)
	drift, err = l.CheckDrift(ctx, id)
	require.NoError(t, err)
	assert.False(t, drift.Drifted())
}

func TestCheckDrift_MissingCustomer(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.CheckDrift(context.Background(), 42)
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

// =============================================================================
// STATEMENT
// =============================================================================

func TestBuildStatement_RunningBalancesAndTotals(t *testing.T) {
	l, mem, id := newTestLedger(t)
	ctx := context.Background()

	for _, e := range []ledger.Entry{
		credit(id, "100", "Grant #1"),
		debit(id, "30", "Order #7"),
		credit(id, "30", "Reversal Order #7"),
		debit(id, "50", "Order #7"),
	} {
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}

	movements, err := mem.Movements(ctx, id)
	require.NoError(t, err)
	st := ledger.BuildStatement(id, movements)

	require.Len(t, st.Rows, 4)
	after := []string{"100.00", "70.00", "100.00", "50.00"}
	for i, row := range st.Rows {
		assert.Equal(t, after[i], ledger.Format(row.BalanceAfter), "row %d", i)
	}
	assert.Equal(t, "0.00", ledger.Format(st.Rows[0].BalanceBefore))
	assert.Equal(t, "70.00", ledger.Format(st.Rows[2].BalanceBefore))

	assert.Equal(t, "50.00", ledger.Format(st.Balance))
	assert.Equal(t, "100.00", ledger.Format(st.GrossCredits), "reversals are not purchased credit")
	assert.Equal(t, "30.00", ledger.Format(st.Reversals))
	assert.Equal(t, "80.00", ledger.Format(st.Debits))
	assert.Equal(t, "50.00", ledger.Format(st.Consumed))
}

func TestBuildStatement_Empty(t *testing.T) {
	st := ledger.BuildStatement(1, nil)
	assert.Empty(t, st.Rows)
	assert.True(t, st.Balance.IsZero())
	assert.True(t, st.Consumed.IsZero())
}

func TestTotals_Add(t *testing.T) {
	a := ledger.Statement{Balance: dec("10"), GrossCredits: dec("20"), Consumed: dec("10")}
	b := ledger.Statement{Balance: dec("5.5"), GrossCredits: dec("5.5"), Consumed: dec("0")}

	total := ledger.Totals{}.Add(a).Add(b)
	assert.Equal(t, 2, total.Customers)
	assert.Equal(t, "15.50", ledger.Format(total.Balance))
	assert.Equal(t, "25.50", ledger.Format(total.GrossCredits))
	assert.Equal(t, "10.00", ledger.Format(total.Consumed))
}
