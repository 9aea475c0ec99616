package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/ledger"
)

func TestMemory_WithTxRestoresSnapshot(t *testing.T) {
	// GIVEN: A customer with one movement
	// WHEN: A transaction appends, deletes and then fails
	// THEN: The store is exactly as before and ids are not consumed

	m := NewMemory()
	ctx := context.Background()
	c, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Ana"})
	require.NoError(t, err)
	first, err := m.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementDebit, Amount: decimal.NewFromInt(3)}); err != nil {
			return err
		}
		if err := tx.DeleteMovement(ctx, first.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	movements, err := m.Movements(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, first.ID, movements[0].ID)

	next, err := m.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementCredit, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, first.ID+1, next.ID)
}

func TestMemory_ReturnedValuesAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Ana"})
	require.NoError(t, err)
	o, err := m.SaveOrder(ctx, ledger.Order{CustomerID: &c.ID, ChargeAmount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	other := ledger.CustomerID(99)
	*got.CustomerID = other

	again, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, *again.CustomerID)
}

func TestMemory_ForeignKeys(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.InsertGrant(ctx, ledger.Grant{CustomerID: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	c, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Ana"})
	require.NoError(t, err)
	missing := ledger.OrderID(3)
	_, err = m.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementDebit, Amount: decimal.NewFromInt(1), OrderID: &missing})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMemory_DeleteOrderDetaches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Ana"})
	require.NoError(t, err)
	o, err := m.SaveOrder(ctx, ledger.Order{CustomerID: &c.ID, ChargeAmount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	mv, err := m.AppendMovement(ctx, ledger.Movement{CustomerID: c.ID, Type: ledger.MovementDebit, Amount: decimal.NewFromInt(5), OrderID: &o.ID})
	require.NoError(t, err)

	require.NoError(t, m.DeleteOrder(ctx, o.ID))
	got, err := m.GetMovement(ctx, mv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.OrderID)
	assert.ErrorIs(t, m.DeleteOrder(ctx, o.ID), ledger.ErrOrderNotFound)
}

func TestMemory_ResetKeepsClock(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return fixed })
	ctx := context.Background()
	_, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Ana"})
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))
	c, err := m.SaveCustomer(ctx, ledger.Customer{Name: "Bruno"})
	require.NoError(t, err)
	assert.Equal(t, ledger.CustomerID(1), c.ID)
	assert.True(t, c.CreatedAt.Equal(fixed))
}
