package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coopdispatch/credit-engine/ledger"
)

// Maintenance holds one-off jobs run from the command line.
type Maintenance struct {
	*deps
}

// =============================================================================
// REBUILD BALANCES
// =============================================================================

type RebuildReport struct {
	Checked int
	Drifted []ledger.Drift
}

// RebuildBalances recomputes every cached balance from the movement log and
// reports the customers whose cached value differed. With dryRun nothing is
// written.
func (m *Maintenance) RebuildBalances(ctx context.Context, dryRun bool, workers int) (RebuildReport, error) {
	customers, err := m.store.ListCustomers(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	if workers <= 0 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		report = RebuildReport{Checked: len(customers)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range customers {
		g.Go(func() error {
			drift, err := m.rebuildOne(gctx, c.ID, dryRun)
			if err != nil {
				return fmt.Errorf("customer %d: %w", c.ID, err)
			}
			m.metrics.Rebuilt(drift.Drifted())
			if drift.Drifted() {
				mu.Lock()
				report.Drifted = append(report.Drifted, drift)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RebuildReport{}, err
	}

	sort.Slice(report.Drifted, func(i, j int) bool { return report.Drifted[i].CustomerID < report.Drifted[j].CustomerID })
	for _, d := range report.Drifted {
		m.log.Warn("cached balance drift",
			zap.Int64("customer_id", int64(d.CustomerID)),
			zap.String("cached", ledger.Format(d.Cached)),
			zap.String("derived", ledger.Format(d.Derived)),
			zap.Bool("dry_run", dryRun),
		)
	}
	return report, nil
}

func (m *Maintenance) rebuildOne(ctx context.Context, id ledger.CustomerID, dryRun bool) (ledger.Drift, error) {
	var drift ledger.Drift
	err := m.inTx(ctx, []ledger.CustomerID{id}, func(tx ledger.Store, l *ledger.Ledger, _ lockSet) error {
		var err error
		if drift, err = l.CheckDrift(ctx, id); err != nil {
			return err
		}
		if dryRun || !drift.Drifted() {
			return nil
		}
		_, err = l.RecomputeBalance(ctx, id)
		return err
	})
	return drift, err
}

// =============================================================================
// BACKFILL CUSTOMERS
// =============================================================================

type BackfillReport struct {
	Scanned   int
	Linked    map[MatchKind]int
	Unmatched []ledger.OrderID
}

// BackfillCustomers links orders without a customer id by name. It runs the
// name steps whether or not the steady-state fallback is enabled, so the
// fallback can be switched off once it reports no unmatched orders.
func (m *Maintenance) BackfillCustomers(ctx context.Context, dryRun bool) (BackfillReport, error) {
	orders, err := m.store.UnlinkedOrders(ctx)
	if err != nil {
		return BackfillReport{}, err
	}
	report := BackfillReport{Scanned: len(orders), Linked: make(map[MatchKind]int)}
	resolver := Resolver{NameFallback: true}

	for _, o := range orders {
		c, kind, err := resolver.ResolveName(ctx, m.store, o.CustomerName)
		if err != nil {
			return report, err
		}
		if c == nil {
			report.Unmatched = append(report.Unmatched, o.ID)
			continue
		}
		report.Linked[kind]++
		if dryRun {
			continue
		}

		err = m.inTx(ctx, []ledger.CustomerID{c.ID}, func(tx ledger.Store, _ *ledger.Ledger, _ lockSet) error {
			fresh, err := tx.GetOrder(ctx, o.ID)
			if err != nil || fresh == nil || fresh.CustomerID != nil {
				return err
			}
			fresh.CustomerID = ptr(c.ID)
			_, err = tx.SaveOrder(ctx, *fresh)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("link order %d: %w", o.ID, err)
		}
		m.log.Debug("order linked", zap.Int64("order_id", int64(o.ID)), zap.Int64("customer_id", int64(c.ID)), zap.String("match", string(kind)))
	}
	return report, nil
}
