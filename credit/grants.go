/*
grants.go - Credit grant lifecycle

PURPOSE:
  A grant is a credit top-up. It is realized as exactly one credit movement
  tagged with the grant id, and snapshots the balance before and after for
  display.

LIFECYCLE:
  create: validate -> snapshot before -> insert grant -> record credit
          "Grant #<id>" -> recompute -> store balance_after
  edit:   recompute net -> rewrite the ORIGINATING credit movement in
          place ("Grant #<id> (adjusted)") -> recompute -> balance_after
  delete: delete every movement tagged with the grant -> delete grant ->
          recompute

IN-PLACE EDIT:
  Edit mutates the earliest credit movement of the grant instead of
  appending a correction. This keeps one audit row per grant in the
  statement. Later credit movements tagged with the same grant (legacy
  adjustments) are never touched.

NET AMOUNT:
  net = clamp(gross - discount, 0, gross), rounded to cents. A grant whose
  net is zero is rejected: it could not be represented by a movement.
*/
package credit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/ledger"
)

type GrantManager struct {
	*deps
}

// GrantInput carries the user-editable fields of a grant.
type GrantInput struct {
	GrossAmount   decimal.Decimal
	DiscountType  ledger.DiscountType
	DiscountValue decimal.Decimal
	Reason        string
}

type grantAmounts struct {
	gross, discount, net decimal.Decimal
	kind                 ledger.DiscountType
}

func (in GrantInput) amounts() (grantAmounts, error) {
	gross, err := ledger.RequirePositive("gross_amount", in.GrossAmount)
	if err != nil {
		return grantAmounts{}, err
	}
	kind := in.DiscountType
	if kind == "" {
		kind = ledger.DiscountNone
	}
	if _, err := ledger.ParseDiscountType(string(kind)); err != nil {
		return grantAmounts{}, err
	}
	value, err := ledger.RequireNonNegative("discount_value", in.DiscountValue)
	if err != nil {
		return grantAmounts{}, err
	}
	if kind == ledger.DiscountNone {
		value = decimal.Zero
	}
	net := ledger.NetAmount(gross, kind, value)
	if !net.IsPositive() {
		return grantAmounts{}, &ledger.AmountError{
			Field:  "net_amount",
			Value:  ledger.Format(net),
			Reason: "discount consumes the whole grant",
		}
	}
	return grantAmounts{gross: gross, discount: value, net: net, kind: kind}, nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateGrant tops up a customer. actor defaults to the context actor.
func (m *GrantManager) CreateGrant(ctx context.Context, customerID ledger.CustomerID, in GrantInput, actor string) (ledger.Grant, error) {
	amt, err := in.amounts()
	if err != nil {
		return ledger.Grant{}, err
	}
	if actor == "" {
		actor = ActorFrom(ctx)
	}

	var grant ledger.Grant
	err = m.inTx(ctx, []ledger.CustomerID{customerID}, func(tx ledger.Store, l *ledger.Ledger, _ lockSet) error {
		if _, err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}

		before, err := l.RecomputeBalance(ctx, customerID)
		if err != nil {
			return err
		}

		g, err := tx.InsertGrant(ctx, ledger.Grant{
			CustomerID:    customerID,
			GrossAmount:   amt.gross,
			DiscountType:  amt.kind,
			DiscountValue: amt.discount,
			NetAmount:     amt.net,
			BalanceBefore: before,
			BalanceAfter:  before,
			Reason:        in.Reason,
			CreatedBy:     actor,
		})
		if err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}

		if _, err := l.Record(ctx, ledger.Entry{
			CustomerID:  customerID,
			Type:        ledger.MovementCredit,
			Amount:      amt.net,
			Reference:   ledger.GrantReference(g.ID),
			Description: in.Reason,
			GrantID:     ptr(g.ID),
		}); err != nil {
			return err
		}

		after, err := l.RecomputeBalance(ctx, customerID)
		if err != nil {
			return err
		}
		g.BalanceAfter = after
		if err := tx.UpdateGrant(ctx, g); err != nil {
			return fmt.Errorf("update grant %d: %w", g.ID, err)
		}

		grant = g
		return m.audit(ctx, tx, customerID, ledger.AuditGrantCreated, map[string]any{
			"grant_id": int64(g.ID),
			"gross":    ledger.Format(amt.gross),
			"net":      ledger.Format(amt.net),
			"balance":  ledger.Format(after),
		})
	})
	if err != nil {
		return ledger.Grant{}, err
	}

	m.metrics.Grant("create")
	m.log.Info("credit grant created",
		zap.Int64("grant_id", int64(grant.ID)),
		zap.Int64("customer_id", int64(customerID)),
		zap.String("net", ledger.Format(grant.NetAmount)),
		zap.String("balance_after", ledger.Format(grant.BalanceAfter)),
	)
	return grant, nil
}

// =============================================================================
// EDIT
// =============================================================================

// EditGrant recomputes the net amount and rewrites the originating credit
// movement in place. If that movement is missing it is recorded again.
func (m *GrantManager) EditGrant(ctx context.Context, grantID ledger.GrantID, in GrantInput) (ledger.Grant, error) {
	amt, err := in.amounts()
	if err != nil {
		return ledger.Grant{}, err
	}

	peek, err := m.requireGrant(ctx, m.store, grantID)
	if err != nil {
		return ledger.Grant{}, err
	}

	var grant ledger.Grant
	var previousNet decimal.Decimal
	err = m.inTx(ctx, []ledger.CustomerID{peek.CustomerID}, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		g, err := m.requireGrant(ctx, tx, grantID)
		if err != nil {
			return err
		}
		if err := held.require(g.CustomerID); err != nil {
			return err
		}
		if _, err := requireCustomer(ctx, tx, g.CustomerID); err != nil {
			return err
		}
		previousNet = g.NetAmount

		g.GrossAmount = amt.gross
		g.DiscountType = amt.kind
		g.DiscountValue = amt.discount
		g.NetAmount = amt.net
		g.Reason = in.Reason

		origin, err := originatingMovement(ctx, tx, grantID)
		if err != nil {
			return err
		}
		if origin != nil {
			origin.Amount = amt.net
			origin.Reference = ledger.GrantAdjustedReference(grantID)
			if err := tx.UpdateMovement(ctx, *origin); err != nil {
				return fmt.Errorf("update movement %d: %w", origin.ID, err)
			}
		} else {
			if _, err := l.Record(ctx, ledger.Entry{
				CustomerID:  g.CustomerID,
				Type:        ledger.MovementCredit,
				Amount:      amt.net,
				Reference:   ledger.GrantAdjustedReference(grantID),
				Description: in.Reason,
				GrantID:     ptr(grantID),
			}); err != nil {
				return err
			}
		}

		after, err := l.RecomputeBalance(ctx, g.CustomerID)
		if err != nil {
			return err
		}
		g.BalanceAfter = after
		if err := tx.UpdateGrant(ctx, *g); err != nil {
			return fmt.Errorf("update grant %d: %w", g.ID, err)
		}

		grant = *g
		return m.audit(ctx, tx, g.CustomerID, ledger.AuditGrantEdited, map[string]any{
			"grant_id":     int64(g.ID),
			"previous_net": ledger.Format(previousNet),
			"net":          ledger.Format(amt.net),
			"balance":      ledger.Format(after),
		})
	})
	if err != nil {
		return ledger.Grant{}, err
	}

	m.metrics.Grant("edit")
	m.log.Info("credit grant edited",
		zap.Int64("grant_id", int64(grantID)),
		zap.String("previous_net", ledger.Format(previousNet)),
		zap.String("net", ledger.Format(grant.NetAmount)),
	)
	return grant, nil
}

// originatingMovement returns the earliest credit movement tagged with the
// grant, or nil.
func originatingMovement(ctx context.Context, st ledger.MovementStore, grantID ledger.GrantID) (*ledger.Movement, error) {
	movements, err := st.MovementsByGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	for i := range movements {
		if movements[i].Type == ledger.MovementCredit {
			return &movements[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteGrant removes the grant and every movement tagged with it, and
// returns the recomputed balance.
func (m *GrantManager) DeleteGrant(ctx context.Context, grantID ledger.GrantID) (decimal.Decimal, error) {
	peek, err := m.requireGrant(ctx, m.store, grantID)
	if err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	var removed int
	err = m.inTx(ctx, []ledger.CustomerID{peek.CustomerID}, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		g, err := m.requireGrant(ctx, tx, grantID)
		if err != nil {
			return err
		}
		if err := held.require(g.CustomerID); err != nil {
			return err
		}

		if removed, err = tx.DeleteMovementsByGrant(ctx, grantID); err != nil {
			return fmt.Errorf("delete movements of grant %d: %w", grantID, err)
		}
		if err := tx.DeleteGrant(ctx, grantID); err != nil {
			return fmt.Errorf("delete grant %d: %w", grantID, err)
		}
		if balance, err = l.RecomputeBalance(ctx, g.CustomerID); err != nil {
			return err
		}
		return m.audit(ctx, tx, g.CustomerID, ledger.AuditGrantDeleted, map[string]any{
			"grant_id":  int64(grantID),
			"net":       ledger.Format(g.NetAmount),
			"movements": removed,
			"balance":   ledger.Format(balance),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	m.metrics.Grant("delete")
	m.log.Info("credit grant deleted",
		zap.Int64("grant_id", int64(grantID)),
		zap.Int("movements", removed),
		zap.String("balance", ledger.Format(balance)),
	)
	return balance, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (m *GrantManager) GetGrant(ctx context.Context, grantID ledger.GrantID) (ledger.Grant, error) {
	g, err := m.requireGrant(ctx, m.store, grantID)
	if err != nil {
		return ledger.Grant{}, err
	}
	return *g, nil
}

// ListGrants returns grants by customer and created-at range [From, To).
func (m *GrantManager) ListGrants(ctx context.Context, filter ledger.GrantFilter) ([]ledger.Grant, error) {
	return m.store.ListGrants(ctx, filter)
}

func (m *GrantManager) requireGrant(ctx context.Context, st ledger.GrantStore, id ledger.GrantID) (*ledger.Grant, error) {
	g, err := st.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("grant %d: %w", id, ledger.ErrGrantNotFound)
	}
	return g, nil
}
