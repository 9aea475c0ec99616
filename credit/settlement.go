/*
settlement.go - Consuming credit against delivery orders

PURPOSE:
  Binds a delivery order to the ledger. The engine consumes credit against
  the order's outstanding charge, reverses it on edit or delete, and keeps
  order.CreditConsumed equal to the net credit the ledger shows for it.

CONSUME (all-or-nothing):
  1. order missing             -> 0, no error
  2. resolve customer          (id, then name fallback; backfills the id)
  3. no customer               -> 0
  4. remaining = charge - consumed; remaining <= 0 -> 0
  5. balance = RecomputeBalance
  6. requireFull && balance < remaining -> 0, nothing written
  7. debit min(balance, remaining) tagged with the order, consumed += it
  8. fully covered -> paid, method "Credit" and receiver "Automatic credit"
     when blank

REVERSE:
  Credits back the whole consumed amount ("Reversal Order #<id>", tagged
  with the order) and zeroes consumed. Payment status and method are left
  alone: correcting them is the caller's job.

EDIT / DELETE CONSISTENCY:
  edit, method uses credit:  reverse, then consume(requireFull)
  edit, method without:      reverse when consumed > 0
  delete:                    reverse, detach movements, delete order
  Each runs in one transaction.

SEE ALSO:
  - resolve.go: customer resolution
  - orders.go: order create / update entry points
*/
package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/observability"
)

// Defaults written onto an order fully covered by credit.
const (
	CreditPaymentMethod = "Credit"
	AutomaticReceiver   = "Automatic credit"
)

type Engine struct {
	*deps
}

// Outcome explains a consume result.
type Outcome string

const (
	OutcomeConsumed     Outcome = observability.OutcomeConsumed
	OutcomeInsufficient Outcome = observability.OutcomeInsufficient
	OutcomeCovered      Outcome = observability.OutcomeCovered
	OutcomeNoCustomer   Outcome = observability.OutcomeNoCustomer
	OutcomeNoOrder      Outcome = observability.OutcomeNoOrder
)

type ConsumeResult struct {
	OrderID    ledger.OrderID
	CustomerID ledger.CustomerID
	Consumed   decimal.Decimal
	Balance    decimal.Decimal
	Remaining  decimal.Decimal
	Outcome    Outcome
	Match      MatchKind
	Paid       bool
}

type ReverseResult struct {
	OrderID    ledger.OrderID
	CustomerID ledger.CustomerID
	Reversed   decimal.Decimal
	Balance    decimal.Decimal
}

type EditResult struct {
	Reverse ReverseResult
	Consume *ConsumeResult
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Consume applies credit to an order and returns the amount consumed.
// Insufficient credit is reported as zero, not as an error.
func (e *Engine) Consume(ctx context.Context, orderID ledger.OrderID, requireFull bool) (decimal.Decimal, error) {
	res, err := e.ConsumeDetailed(ctx, orderID, requireFull)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Consumed, nil
}

// ConsumeDetailed is Consume with the outcome.
func (e *Engine) ConsumeDetailed(ctx context.Context, orderID ledger.OrderID, requireFull bool) (ConsumeResult, error) {
	ids, err := e.peek(ctx, orderID, false)
	if err != nil {
		return ConsumeResult{}, err
	}

	var res ConsumeResult
	err = e.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		var err error
		res, err = e.consumeTx(ctx, tx, l, held, orderID, requireFull)
		return err
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	e.observeConsume(res)
	return res, nil
}

// Reverse gives back every unit of credit consumed by an order.
func (e *Engine) Reverse(ctx context.Context, orderID ledger.OrderID) (decimal.Decimal, error) {
	res, err := e.ReverseDetailed(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	return res.Reversed, nil
}

func (e *Engine) ReverseDetailed(ctx context.Context, orderID ledger.OrderID) (ReverseResult, error) {
	ids, err := e.peek(ctx, orderID, true)
	if err != nil {
		return ReverseResult{}, err
	}

	var res ReverseResult
	err = e.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		var err error
		res, err = e.reverseTx(ctx, tx, l, held, orderID)
		return err
	})
	if err != nil {
		return ReverseResult{}, err
	}
	e.observeReverse(res)
	return res, nil
}

// ApplyOrderEdit re-settles an order after its charge or payment method
// changed. Consumption is always recomputed from zero.
func (e *Engine) ApplyOrderEdit(ctx context.Context, orderID ledger.OrderID) (EditResult, error) {
	ids, err := e.peek(ctx, orderID, true)
	if err != nil {
		return EditResult{}, err
	}

	var res EditResult
	err = e.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		var err error
		res, err = e.applyEditTx(ctx, tx, l, held, orderID)
		return err
	})
	if err != nil {
		return EditResult{}, err
	}
	e.observeReverse(res.Reverse)
	if res.Consume != nil {
		e.observeConsume(*res.Consume)
	}
	return res, nil
}

// DeleteOrder reverses the order's credit, detaches its movements and
// deletes it.
func (e *Engine) DeleteOrder(ctx context.Context, orderID ledger.OrderID) (ReverseResult, error) {
	ids, err := e.peek(ctx, orderID, true)
	if err != nil {
		return ReverseResult{}, err
	}

	var res ReverseResult
	err = e.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("order %d: %w", orderID, ledger.ErrOrderNotFound)
		}
		if res, err = e.reverseTx(ctx, tx, l, held, orderID); err != nil {
			return err
		}
		if _, err := tx.DetachOrder(ctx, orderID); err != nil {
			return fmt.Errorf("detach movements of order %d: %w", orderID, err)
		}
		if err := tx.DeleteOrder(ctx, orderID); err != nil {
			return fmt.Errorf("delete order %d: %w", orderID, err)
		}
		return nil
	})
	if err != nil {
		return ReverseResult{}, err
	}
	e.observeReverse(res)
	e.log.Info("order deleted", zap.Int64("order_id", int64(orderID)), zap.String("reversed", ledger.Format(res.Reversed)))
	return res, nil
}

// Balance recomputes and returns the customer's balance.
func (e *Engine) Balance(ctx context.Context, customerID ledger.CustomerID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := e.inTx(ctx, []ledger.CustomerID{customerID}, func(tx ledger.Store, l *ledger.Ledger, _ lockSet) error {
		if _, err := requireCustomer(ctx, tx, customerID); err != nil {
			return err
		}
		var err error
		balance, err = l.RecomputeBalance(ctx, customerID)
		return err
	})
	return balance, err
}

// =============================================================================
// TRANSACTIONAL STEPS - callers hold the locks and the transaction
// =============================================================================

func (e *Engine) consumeTx(ctx context.Context, tx ledger.Store, l *ledger.Ledger, held lockSet, orderID ledger.OrderID, requireFull bool) (ConsumeResult, error) {
	res := ConsumeResult{OrderID: orderID, Consumed: decimal.Zero}

	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return res, err
	}
	if o == nil {
		res.Outcome = OutcomeNoOrder
		return res, nil
	}

	c, match, err := e.resolver.Resolve(ctx, tx, *o)
	if err != nil {
		return res, err
	}
	if c == nil {
		res.Outcome = OutcomeNoCustomer
		return res, nil
	}
	if err := held.require(c.ID); err != nil {
		return res, err
	}
	res.CustomerID = c.ID
	res.Match = match

	dirty := false
	if match.ByName() && o.CustomerID == nil {
		o.CustomerID = ptr(c.ID)
		dirty = true
	}

	remaining := o.Remaining()
	res.Remaining = remaining
	if !remaining.IsPositive() {
		res.Outcome = OutcomeCovered
		res.Balance = c.Balance
		res.Paid = o.PaymentStatus == ledger.PaymentPaid
		return res, e.saveIf(ctx, tx, dirty, *o)
	}

	balance, err := l.RecomputeBalance(ctx, c.ID)
	if err != nil {
		return res, err
	}
	res.Balance = balance

	if requireFull && balance.LessThan(remaining) {
		res.Outcome = OutcomeInsufficient
		return res, e.saveIf(ctx, tx, dirty, *o)
	}

	toConsume := decimal.Min(balance, remaining)
	if !toConsume.IsPositive() {
		res.Outcome = OutcomeInsufficient
		return res, e.saveIf(ctx, tx, dirty, *o)
	}

	if _, err := l.Record(ctx, ledger.Entry{
		CustomerID: c.ID,
		Type:       ledger.MovementDebit,
		Amount:     toConsume,
		Reference:  ledger.OrderReference(orderID),
		OrderID:    ptr(orderID),
	}); err != nil {
		return res, err
	}
	o.CreditConsumed = ledger.Round(o.CreditConsumed.Add(toConsume))

	if res.Balance, err = l.RecomputeBalance(ctx, c.ID); err != nil {
		return res, err
	}

	if o.FullyCovered() {
		o.PaymentStatus = ledger.PaymentPaid
		if strings.TrimSpace(o.PaymentMethod) == "" {
			o.PaymentMethod = CreditPaymentMethod
		}
		if strings.TrimSpace(o.ReceivedBy) == "" {
			o.ReceivedBy = AutomaticReceiver
		}
	} else if o.PaymentStatus == "" {
		o.PaymentStatus = ledger.PaymentPending
	}
	if _, err := tx.SaveOrder(ctx, *o); err != nil {
		return res, fmt.Errorf("save order %d: %w", orderID, err)
	}

	res.Consumed = toConsume
	res.Remaining = o.Remaining()
	res.Paid = o.PaymentStatus == ledger.PaymentPaid
	res.Outcome = OutcomeConsumed
	return res, e.audit(ctx, tx, c.ID, ledger.AuditConsumed, map[string]any{
		"order_id": int64(orderID),
		"amount":   ledger.Format(toConsume),
		"balance":  ledger.Format(res.Balance),
		"match":    string(match),
	})
}

func (e *Engine) reverseTx(ctx context.Context, tx ledger.Store, l *ledger.Ledger, held lockSet, orderID ledger.OrderID) (ReverseResult, error) {
	res := ReverseResult{OrderID: orderID, Reversed: decimal.Zero}

	o, err := tx.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return res, err
	}
	consumed := ledger.Round(o.CreditConsumed)
	if !consumed.IsPositive() {
		return res, nil
	}

	customerID, err := e.reversalCustomer(ctx, tx, *o)
	if err != nil {
		return res, err
	}
	if customerID == 0 {
		e.log.Warn("credit reversal skipped: no customer resolves",
			zap.Int64("order_id", int64(orderID)),
			zap.String("consumed", ledger.Format(consumed)),
		)
		return res, nil
	}
	if err := held.require(customerID); err != nil {
		return res, err
	}

	if _, err := l.Record(ctx, ledger.Entry{
		CustomerID: customerID,
		Type:       ledger.MovementCredit,
		Amount:     consumed,
		Reference:  ledger.ReversalReference(orderID),
		OrderID:    ptr(orderID),
	}); err != nil {
		return res, err
	}

	o.CreditConsumed = decimal.Zero
	if _, err := tx.SaveOrder(ctx, *o); err != nil {
		return res, fmt.Errorf("save order %d: %w", orderID, err)
	}

	balance, err := l.RecomputeBalance(ctx, customerID)
	if err != nil {
		return res, err
	}

	res.CustomerID = customerID
	res.Reversed = consumed
	res.Balance = balance
	return res, e.audit(ctx, tx, customerID, ledger.AuditReversed, map[string]any{
		"order_id": int64(orderID),
		"amount":   ledger.Format(consumed),
		"balance":  ledger.Format(balance),
	})
}

func (e *Engine) applyEditTx(ctx context.Context, tx ledger.Store, l *ledger.Ledger, held lockSet, orderID ledger.OrderID) (EditResult, error) {
	var res EditResult

	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return res, err
	}
	if o == nil {
		return res, fmt.Errorf("order %d: %w", orderID, ledger.ErrOrderNotFound)
	}

	if UsesCredit(o.PaymentMethod) {
		if res.Reverse, err = e.reverseTx(ctx, tx, l, held, orderID); err != nil {
			return res, err
		}
		consume, err := e.consumeTx(ctx, tx, l, held, orderID, true)
		if err != nil {
			return res, err
		}
		res.Consume = &consume
		return res, nil
	}

	if o.CreditConsumed.IsPositive() {
		if res.Reverse, err = e.reverseTx(ctx, tx, l, held, orderID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// reversalCustomer credits back the customer the order's consumption was
// debited from. Orders whose debits were detached fall back to resolution.
func (e *Engine) reversalCustomer(ctx context.Context, st ledger.Store, o ledger.Order) (ledger.CustomerID, error) {
	movements, err := st.MovementsByOrder(ctx, o.ID)
	if err != nil {
		return 0, err
	}
	for i := len(movements) - 1; i >= 0; i-- {
		if movements[i].Type == ledger.MovementDebit {
			return movements[i].CustomerID, nil
		}
	}
	c, _, err := e.resolver.Resolve(ctx, st, o)
	if err != nil || c == nil {
		return 0, err
	}
	return c.ID, nil
}

// peek determines, without writing, which customers an operation on the
// order will touch so their locks can be taken before the transaction.
func (e *Engine) peek(ctx context.Context, orderID ledger.OrderID, withReversal bool) ([]ledger.CustomerID, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if o == nil {
		return nil, nil
	}
	var ids []ledger.CustomerID
	if withReversal && o.CreditConsumed.IsPositive() {
		id, err := e.reversalCustomer(ctx, e.store, *o)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	c, _, err := e.resolver.Resolve(ctx, e.store, *o)
	if err != nil {
		return nil, err
	}
	if c != nil {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (e *Engine) saveIf(ctx context.Context, tx ledger.OrderStore, dirty bool, o ledger.Order) error {
	if !dirty {
		return nil
	}
	if _, err := tx.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("backfill customer of order %d: %w", o.ID, err)
	}
	return nil
}

func (e *Engine) observeConsume(res ConsumeResult) {
	e.metrics.Consume(string(res.Outcome), res.Consumed)
	if res.Outcome == OutcomeConsumed {
		e.log.Info("credit consumed",
			zap.Int64("order_id", int64(res.OrderID)),
			zap.Int64("customer_id", int64(res.CustomerID)),
			zap.String("amount", ledger.Format(res.Consumed)),
			zap.String("balance", ledger.Format(res.Balance)),
		)
		return
	}
	e.log.Debug("credit not consumed",
		zap.Int64("order_id", int64(res.OrderID)),
		zap.String("outcome", string(res.Outcome)),
	)
}

func (e *Engine) observeReverse(res ReverseResult) {
	if !res.Reversed.IsPositive() {
		return
	}
	e.metrics.Reverse(res.Reversed)
	e.log.Info("credit reversed",
		zap.Int64("order_id", int64(res.OrderID)),
		zap.Int64("customer_id", int64(res.CustomerID)),
		zap.String("amount", ledger.Format(res.Reversed)),
		zap.String("balance", ledger.Format(res.Balance)),
	)
}
