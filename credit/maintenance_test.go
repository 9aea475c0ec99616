package credit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
)

func TestRebuildBalances(t *testing.T) {
	// GIVEN: Two customers whose cached balance was written around the ledger
	// WHEN: Rebuilding, first as a dry run, then for real
	// THEN: Both are reported, and only the real run fixes them

	f := newFixture(t)
	ana := f.customer("Ana")
	bruno := f.customer("Bruno")
	carla := f.customer("Carla")
	f.grant(ana, "10")
	f.grant(bruno, "20")
	f.grant(carla, "30")
	require.NoError(t, f.store.SetCachedBalance(f.ctx, ana, dec("99")))
	require.NoError(t, f.store.SetCachedBalance(f.ctx, carla, dec("0")))

	report, err := f.svc.Maintenance.RebuildBalances(f.ctx, true, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Drifted, 2)
	assert.Equal(t, ana, report.Drifted[0].CustomerID)
	assert.Equal(t, carla, report.Drifted[1].CustomerID)
	assert.Equal(t, "99.00", f.cached(ana), "dry run writes nothing")

	report, err = f.svc.Maintenance.RebuildBalances(f.ctx, false, 2)
	require.NoError(t, err)
	assert.Len(t, report.Drifted, 2)
	f.requireConsistent(ana)
	f.requireConsistent(bruno)
	f.requireConsistent(carla)

	report, err = f.svc.Maintenance.RebuildBalances(f.ctx, false, 0)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
}

func TestBackfillCustomers(t *testing.T) {
	f := newFixtureWith(t, credit.Options{NameFallback: false})
	ana := f.customer("Ana Lúcia")
	bruno := f.customer("Bruno")

	o1 := f.order(nil, "ana lucia", "10", "Pix")
	o2 := f.order(nil, "BRUNO", "10", "Pix")
	o3 := f.order(nil, "Desconhecido", "10", "Pix")
	f.order(idPtr(bruno), "Bruno", "10", "Pix")

	report, err := f.svc.Maintenance.BackfillCustomers(f.ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Linked[credit.MatchNormalized])
	assert.Equal(t, 1, report.Linked[credit.MatchExactName])
	assert.Equal(t, []ledger.OrderID{o3}, report.Unmatched)
	assert.Nil(t, f.getOrder(o1).CustomerID, "dry run writes nothing")

	_, err = f.svc.Maintenance.BackfillCustomers(f.ctx, false)
	require.NoError(t, err)
	require.NotNil(t, f.getOrder(o1).CustomerID)
	assert.Equal(t, ana, *f.getOrder(o1).CustomerID)
	assert.Equal(t, bruno, *f.getOrder(o2).CustomerID)
	assert.Nil(t, f.getOrder(o3).CustomerID)

	report, err = f.svc.Maintenance.BackfillCustomers(f.ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
}
