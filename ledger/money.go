package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is the number of decimal places money is stored and compared at.
const Cents = 2

var hundred = decimal.NewFromInt(100)

// Round rounds to cents, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Cents)
}

// ParseAmount parses a monetary string. Both "12.50" and "12,50" are
// accepted; the result is rounded to cents.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &AmountError{Field: field, Value: s, Reason: "empty"}
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &AmountError{Field: field, Value: s, Reason: "not a number"}
	}
	return Round(d), nil
}

// RequirePositive rounds d and rejects zero or negative values.
func RequirePositive(field string, d decimal.Decimal) (decimal.Decimal, error) {
	d = Round(d)
	if !d.IsPositive() {
		return decimal.Zero, &AmountError{Field: field, Value: d.StringFixed(Cents), Reason: "must be greater than zero"}
	}
	return d, nil
}

// RequireNonNegative rounds d and rejects negative values.
func RequireNonNegative(field string, d decimal.Decimal) (decimal.Decimal, error) {
	d = Round(d)
	if d.IsNegative() {
		return decimal.Zero, &AmountError{Field: field, Value: d.StringFixed(Cents), Reason: "must not be negative"}
	}
	return d, nil
}

// Discount returns the discount applied to gross, capped at gross.
//
//	percent: gross * value / 100
//	fixed:   value
//	none:    0
func Discount(gross decimal.Decimal, kind DiscountType, value decimal.Decimal) decimal.Decimal {
	gross = Round(gross)
	value = Round(value)

	var d decimal.Decimal
	switch kind {
	case DiscountPercent:
		d = gross.Mul(value).Div(hundred)
	case DiscountFixed:
		d = value
	default:
		d = decimal.Zero
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	if d.GreaterThan(gross) {
		d = gross
	}
	return d
}

// NetAmount computes clamp(gross - discount, 0, gross) rounded to cents.
func NetAmount(gross decimal.Decimal, kind DiscountType, value decimal.Decimal) decimal.Decimal {
	gross = Round(gross)
	net := Round(gross.Sub(Discount(gross, kind, value)))
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// Format renders money with exactly two decimals.
func Format(d decimal.Decimal) string {
	return Round(d).StringFixed(Cents)
}

func validateMovement(m Movement) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: movement type %q", ErrInvalidAmount, m.Type)
	}
	if _, err := RequirePositive("amount", m.Amount); err != nil {
		return err
	}
	return nil
}
