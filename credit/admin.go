/*
admin.go - Administrative ledger operations

PURPOSE:
  Operations an administrator runs by hand: customer onboarding, the
  legacy direct-adjust path, deleting a single hand-typed movement,
  wiping a customer's credit history, and read-only statements.

LEGACY ADJUST:
  Records a typed movement and applies its signed amount straight to the
  cached balance without a recompute. Historical imports relied on this;
  new code must go through grants and consumption. Disabled unless
  Options.LegacyAdjust is set.

    ENTRADA | AJUSTE | CREDITO | CREDIT | ADJUST  -> credit
    CONSUMO | DEBITO | DEBIT                      -> debit

  A grant or order tag must belong to the adjusted customer.

SINGLE-MOVEMENT DELETE:
  Only hand-typed adjustments. Grant movements are removed by deleting
  the grant; consumption and reversal movements follow their order. The
  balance is recomputed afterwards.
*/
package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/ledger"
)

const maxReferenceLen = 120

type Admin struct {
	*deps
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (a *Admin) CreateCustomer(ctx context.Context, name, phone string) (ledger.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Customer{}, fmt.Errorf("%w: customer name is required", ledger.ErrInvalidInput)
	}
	c, err := a.store.SaveCustomer(ctx, ledger.Customer{Name: name, Phone: strings.TrimSpace(phone)})
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("save customer: %w", err)
	}
	a.log.Info("customer created", zap.Int64("customer_id", int64(c.ID)))
	return c, nil
}

func (a *Admin) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	c, err := requireCustomer(ctx, a.store, id)
	if err != nil {
		return ledger.Customer{}, err
	}
	return *c, nil
}

func (a *Admin) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	return a.store.ListCustomers(ctx)
}

// =============================================================================
// LEGACY DIRECT ADJUST
// =============================================================================

type LegacyInput struct {
	CustomerID ledger.CustomerID
	Kind       string
	Amount     decimal.Decimal
	Reference  string
	GrantID    *ledger.GrantID
	OrderID    *ledger.OrderID
}

// LegacyMovementType maps a legacy movement kind onto a movement type.
func LegacyMovementType(kind string) (ledger.MovementType, error) {
	switch strings.ToUpper(StripAccents(strings.TrimSpace(kind))) {
	case "ENTRADA", "AJUSTE", "CREDITO", "CREDIT", "ADJUST":
		return ledger.MovementCredit, nil
	case "CONSUMO", "DEBITO", "DEBIT":
		return ledger.MovementDebit, nil
	}
	return "", fmt.Errorf("%w: movement kind %q", ledger.ErrInvalidInput, kind)
}

// LegacyAdjust records a movement and shifts the cached balance by its
// signed amount. The amount's sign is ignored; the kind decides it.
func (a *Admin) LegacyAdjust(ctx context.Context, in LegacyInput) (ledger.Movement, decimal.Decimal, error) {
	if !a.opts.LegacyAdjust {
		return ledger.Movement{}, decimal.Zero, ledger.ErrLegacyDisabled
	}
	kind, err := LegacyMovementType(in.Kind)
	if err != nil {
		return ledger.Movement{}, decimal.Zero, err
	}
	amount, err := ledger.RequirePositive("amount", in.Amount.Abs())
	if err != nil {
		return ledger.Movement{}, decimal.Zero, err
	}
	ref := strings.TrimSpace(in.Reference)
	if len(ref) > maxReferenceLen {
		ref = ref[:maxReferenceLen]
	}

	var mv ledger.Movement
	var cached decimal.Decimal
	err = a.inTx(ctx, []ledger.CustomerID{in.CustomerID}, func(tx ledger.Store, l *ledger.Ledger, _ lockSet) error {
		c, err := requireCustomer(ctx, tx, in.CustomerID)
		if err != nil {
			return err
		}
		if err := ownedTags(ctx, tx, in); err != nil {
			return err
		}
		if mv, err = l.Record(ctx, ledger.Entry{
			CustomerID: in.CustomerID,
			Type:       kind,
			Amount:     amount,
			Reference:  ref,
			GrantID:    in.GrantID,
			OrderID:    in.OrderID,
		}); err != nil {
			return err
		}
		cached = ledger.Round(c.Balance.Add(mv.Signed()))
		if err := tx.SetCachedBalance(ctx, in.CustomerID, cached); err != nil {
			return err
		}
		return a.audit(ctx, tx, in.CustomerID, ledger.AuditLegacyAdjust, map[string]any{
			"movement_id": int64(mv.ID),
			"kind":        in.Kind,
			"amount":      ledger.Format(amount),
			"cached":      ledger.Format(cached),
		})
	})
	if err != nil {
		return ledger.Movement{}, decimal.Zero, err
	}

	a.log.Warn("legacy direct balance adjustment",
		zap.Int64("customer_id", int64(in.CustomerID)),
		zap.String("kind", in.Kind),
		zap.String("amount", ledger.Format(amount)),
	)
	return mv, cached, nil
}

// ownedTags rejects a grant or order tag that belongs to another customer.
func ownedTags(ctx context.Context, tx ledger.Store, in LegacyInput) error {
	if in.GrantID != nil {
		g, err := tx.GetGrant(ctx, *in.GrantID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("grant %d: %w", *in.GrantID, ledger.ErrGrantNotFound)
		}
		if g.CustomerID != in.CustomerID {
			return fmt.Errorf("%w: grant %d belongs to customer %d", ledger.ErrInvalidInput, g.ID, g.CustomerID)
		}
	}
	if in.OrderID != nil {
		o, err := tx.GetOrder(ctx, *in.OrderID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("order %d: %w", *in.OrderID, ledger.ErrOrderNotFound)
		}
		if o.CustomerID == nil || *o.CustomerID != in.CustomerID {
			return fmt.Errorf("%w: order %d is not linked to customer %d", ledger.ErrInvalidInput, o.ID, in.CustomerID)
		}
	}
	return nil
}

// =============================================================================
// MOVEMENT DELETE + LEDGER RESET
// =============================================================================

// DeleteMovement removes one non-grant movement and returns the recomputed
// balance of its customer.
func (a *Admin) DeleteMovement(ctx context.Context, id ledger.MovementID) (decimal.Decimal, error) {
	peek, err := a.requireMovement(ctx, a.store, id)
	if err != nil {
		return decimal.Zero, err
	}
	if err := deletable(peek); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err = a.inTx(ctx, []ledger.CustomerID{peek.CustomerID}, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		mv, err := a.requireMovement(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := held.require(mv.CustomerID); err != nil {
			return err
		}
		if err := deletable(mv); err != nil {
			return err
		}
		if err := tx.DeleteMovement(ctx, id); err != nil {
			return err
		}
		if balance, err = l.RecomputeBalance(ctx, mv.CustomerID); err != nil {
			return err
		}
		return a.audit(ctx, tx, mv.CustomerID, ledger.AuditMovementDelete, map[string]any{
			"movement_id": int64(id),
			"type":        string(mv.Type),
			"amount":      ledger.Format(mv.Amount),
			"reference":   mv.Reference,
			"balance":     ledger.Format(balance),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	a.log.Info("movement deleted", zap.Int64("movement_id", int64(id)), zap.String("balance", ledger.Format(balance)))
	return balance, nil
}

func deletable(mv *ledger.Movement) error {
	if mv.GrantID != nil {
		return fmt.Errorf("movement %d of grant %d: %w", mv.ID, *mv.GrantID, ledger.ErrGrantMovement)
	}
	if mv.OrderID != nil {
		return fmt.Errorf("movement %d of order %d: %w", mv.ID, *mv.OrderID, ledger.ErrOrderMovement)
	}
	return nil
}

func (a *Admin) requireMovement(ctx context.Context, st ledger.MovementStore, id ledger.MovementID) (*ledger.Movement, error) {
	mv, err := st.GetMovement(ctx, id)
	if err != nil {
		return nil, err
	}
	if mv == nil {
		return nil, fmt.Errorf("movement %d: %w", id, ledger.ErrMovementNotFound)
	}
	return mv, nil
}

type ResetResult struct {
	Grants    int
	Movements int
	Balance   decimal.Decimal
}

// ResetCustomerLedger deletes every grant and movement of the customer.
// Orders keep their CreditConsumed value.
func (a *Admin) ResetCustomerLedger(ctx context.Context, id ledger.CustomerID) (ResetResult, error) {
	var res ResetResult
	err := a.inTx(ctx, []ledger.CustomerID{id}, func(tx ledger.Store, l *ledger.Ledger, _ lockSet) error {
		if _, err := requireCustomer(ctx, tx, id); err != nil {
			return err
		}
		var err error
		if res.Movements, err = tx.DeleteMovementsByCustomer(ctx, id); err != nil {
			return err
		}
		if res.Grants, err = tx.DeleteGrantsByCustomer(ctx, id); err != nil {
			return err
		}
		if res.Balance, err = l.RecomputeBalance(ctx, id); err != nil {
			return err
		}
		return a.audit(ctx, tx, id, ledger.AuditLedgerReset, map[string]any{
			"grants":    res.Grants,
			"movements": res.Movements,
		})
	})
	if err != nil {
		return ResetResult{}, err
	}
	a.log.Warn("customer ledger reset",
		zap.Int64("customer_id", int64(id)),
		zap.Int("grants", res.Grants),
		zap.Int("movements", res.Movements),
	)
	return res, nil
}

// =============================================================================
// STATEMENTS + OVERVIEW
// =============================================================================

func (a *Admin) Statement(ctx context.Context, id ledger.CustomerID) (ledger.Statement, error) {
	if _, err := requireCustomer(ctx, a.store, id); err != nil {
		return ledger.Statement{}, err
	}
	movements, err := a.store.Movements(ctx, id)
	if err != nil {
		return ledger.Statement{}, err
	}
	return ledger.BuildStatement(id, movements), nil
}

type CustomerSummary struct {
	Customer  ledger.Customer
	Statement ledger.Statement
}

type Overview struct {
	Customers []CustomerSummary
	Totals    ledger.Totals
}

// Overview summarizes every customer that has movements or a non-zero
// cached balance.
func (a *Admin) Overview(ctx context.Context) (Overview, error) {
	customers, err := a.store.ListCustomers(ctx)
	if err != nil {
		return Overview{}, err
	}
	var ov Overview
	for _, c := range customers {
		movements, err := a.store.Movements(ctx, c.ID)
		if err != nil {
			return Overview{}, err
		}
		if len(movements) == 0 && c.Balance.IsZero() {
			continue
		}
		st := ledger.BuildStatement(c.ID, movements)
		ov.Customers = append(ov.Customers, CustomerSummary{Customer: c, Statement: st})
		ov.Totals = ov.Totals.Add(st)
	}
	return ov, nil
}

// Audit returns audit entries, newest first.
func (a *Admin) Audit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return a.store.QueryAudit(ctx, filter)
}
