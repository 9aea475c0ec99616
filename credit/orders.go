package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/ledger"
)

// OrderService owns the credit-relevant fields of delivery orders. The rest
// of the order lifecycle (couriers, routes, proofs) lives elsewhere and
// calls in here when charge, payment method or customer change.
type OrderService struct {
	*deps
	engine *Engine
}

type OrderInput struct {
	CustomerID    *ledger.CustomerID
	CustomerName  string
	ChargeAmount  decimal.Decimal
	PaymentMethod string
	PaymentStatus ledger.PaymentStatus
	ReceivedBy    string

	// RequireCredit rejects a credit-paid order that credit cannot fully
	// cover with ErrInsufficientCredit and writes nothing.
	RequireCredit bool
}

// OrderUpdate changes only the non-nil fields.
type OrderUpdate struct {
	CustomerID    *ledger.CustomerID
	CustomerName  *string
	ChargeAmount  *decimal.Decimal
	PaymentMethod *string
	PaymentStatus *ledger.PaymentStatus
	ReceivedBy    *string
}

type OrderResult struct {
	Order   ledger.Order
	Consume *ConsumeResult
	Reverse *ReverseResult
}

// =============================================================================
// CREATE
// =============================================================================

// CreateOrder stores a new order and, when its payment method uses credit,
// consumes credit with full coverage required.
func (s *OrderService) CreateOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	charge, err := ledger.RequireNonNegative("charge_amount", in.ChargeAmount)
	if err != nil {
		return OrderResult{}, err
	}
	status, err := parsePaymentStatus(in.PaymentStatus)
	if err != nil {
		return OrderResult{}, err
	}

	o := ledger.Order{
		CustomerID:     in.CustomerID,
		CustomerName:   strings.TrimSpace(in.CustomerName),
		ChargeAmount:   charge,
		CreditConsumed: decimal.Zero,
		PaymentStatus:  status,
		PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
		ReceivedBy:     strings.TrimSpace(in.ReceivedBy),
	}
	if err := s.link(ctx, s.store, &o); err != nil {
		return OrderResult{}, err
	}

	var ids []ledger.CustomerID
	if o.CustomerID != nil {
		ids = append(ids, *o.CustomerID)
	}

	var res OrderResult
	err = s.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		saved, err := tx.SaveOrder(ctx, o)
		if err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		res.Order = saved

		if !UsesCredit(saved.PaymentMethod) {
			return nil
		}
		consume, err := s.engine.consumeTx(ctx, tx, l, held, saved.ID, true)
		if err != nil {
			return err
		}
		if in.RequireCredit && consume.Outcome != OutcomeConsumed && consume.Outcome != OutcomeCovered {
			return fmt.Errorf("order for %s: %w", ledger.Format(charge), ledger.ErrInsufficientCredit)
		}
		res.Consume = &consume
		return reload(ctx, tx, &res.Order)
	})
	if err != nil {
		return OrderResult{}, err
	}

	if res.Consume != nil {
		s.engine.observeConsume(*res.Consume)
	}
	s.log.Info("order created",
		zap.Int64("order_id", int64(res.Order.ID)),
		zap.String("charge", ledger.Format(res.Order.ChargeAmount)),
		zap.String("payment_method", res.Order.PaymentMethod),
	)
	return res, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateOrder applies the changed fields. A change to the charge, payment
// method or customer re-settles the order: reverse, then consume again when
// the method uses credit.
func (s *OrderService) UpdateOrder(ctx context.Context, id ledger.OrderID, up OrderUpdate) (OrderResult, error) {
	current, err := s.requireOrder(ctx, s.store, id)
	if err != nil {
		return OrderResult{}, err
	}
	next, resettle, err := s.applyUpdate(ctx, *current, up)
	if err != nil {
		return OrderResult{}, err
	}

	ids, err := s.engine.peek(ctx, id, true)
	if err != nil {
		return OrderResult{}, err
	}
	if next.CustomerID != nil {
		ids = append(ids, *next.CustomerID)
	}

	var res OrderResult
	var edit EditResult
	err = s.inTx(ctx, ids, func(tx ledger.Store, l *ledger.Ledger, held lockSet) error {
		existing, err := s.requireOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		next.CreditConsumed = existing.CreditConsumed
		saved, err := tx.SaveOrder(ctx, next)
		if err != nil {
			return fmt.Errorf("save order %d: %w", id, err)
		}
		res.Order = saved
		if !resettle {
			return nil
		}

		if edit, err = s.engine.applyEditTx(ctx, tx, l, held, id); err != nil {
			return err
		}
		res.Consume = edit.Consume
		if edit.Reverse.Reversed.IsPositive() {
			res.Reverse = &edit.Reverse
		}
		return reload(ctx, tx, &res.Order)
	})
	if err != nil {
		return OrderResult{}, err
	}

	s.engine.observeReverse(edit.Reverse)
	if edit.Consume != nil {
		s.engine.observeConsume(*edit.Consume)
	}
	return res, nil
}

func (s *OrderService) applyUpdate(ctx context.Context, o ledger.Order, up OrderUpdate) (ledger.Order, bool, error) {
	resettle := false

	if up.ChargeAmount != nil {
		charge, err := ledger.RequireNonNegative("charge_amount", *up.ChargeAmount)
		if err != nil {
			return o, false, err
		}
		if !charge.Equal(ledger.Round(o.ChargeAmount)) {
			o.ChargeAmount = charge
			resettle = true
		}
	}
	if up.PaymentMethod != nil {
		method := strings.TrimSpace(*up.PaymentMethod)
		if method != o.PaymentMethod {
			o.PaymentMethod = method
			resettle = true
		}
	}
	if up.PaymentStatus != nil {
		status, err := parsePaymentStatus(*up.PaymentStatus)
		if err != nil {
			return o, false, err
		}
		o.PaymentStatus = status
	}
	if up.ReceivedBy != nil {
		o.ReceivedBy = strings.TrimSpace(*up.ReceivedBy)
	}

	if up.CustomerID != nil || up.CustomerName != nil {
		before := o.CustomerID
		if up.CustomerName != nil {
			o.CustomerName = strings.TrimSpace(*up.CustomerName)
		}
		o.CustomerID = up.CustomerID
		if err := s.link(ctx, s.store, &o); err != nil {
			return o, false, err
		}
		if !sameCustomer(before, o.CustomerID) {
			resettle = true
		}
	}
	return o, resettle, nil
}

// =============================================================================
// GET / DELETE
// =============================================================================

func (s *OrderService) GetOrder(ctx context.Context, id ledger.OrderID) (ledger.Order, error) {
	o, err := s.requireOrder(ctx, s.store, id)
	if err != nil {
		return ledger.Order{}, err
	}
	return *o, nil
}

func (s *OrderService) DeleteOrder(ctx context.Context, id ledger.OrderID) (ReverseResult, error) {
	return s.engine.DeleteOrder(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// link validates an explicit customer id, or resolves one from the name at
// creation time so new orders carry the linkage.
func (s *OrderService) link(ctx context.Context, st ledger.CustomerStore, o *ledger.Order) error {
	if o.CustomerID != nil {
		c, err := requireCustomer(ctx, st, *o.CustomerID)
		if err != nil {
			return err
		}
		if o.CustomerName == "" {
			o.CustomerName = c.Name
		}
		return nil
	}
	if !s.resolver.NameFallback {
		return nil
	}
	c, _, err := s.resolver.ResolveName(ctx, st, o.CustomerName)
	if err != nil {
		return err
	}
	if c != nil {
		o.CustomerID = ptr(c.ID)
	}
	return nil
}

func (s *OrderService) requireOrder(ctx context.Context, st ledger.OrderStore, id ledger.OrderID) (*ledger.Order, error) {
	o, err := st.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("order %d: %w", id, ledger.ErrOrderNotFound)
	}
	return o, nil
}

func reload(ctx context.Context, st ledger.OrderStore, o *ledger.Order) error {
	fresh, err := st.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if fresh != nil {
		*o = *fresh
	}
	return nil
}

func parsePaymentStatus(s ledger.PaymentStatus) (ledger.PaymentStatus, error) {
	switch ledger.PaymentStatus(strings.ToLower(strings.TrimSpace(string(s)))) {
	case "", ledger.PaymentPending:
		return ledger.PaymentPending, nil
	case ledger.PaymentPaid:
		return ledger.PaymentPaid, nil
	}
	return "", fmt.Errorf("%w: payment status %q", ledger.ErrInvalidInput, s)
}

func sameCustomer(a, b *ledger.CustomerID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
