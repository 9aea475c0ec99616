package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/ledger"
)

func TestRound_HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, "0.13", ledger.Format(ledger.Round(dec("0.125"))))
	assert.Equal(t, "0.12", ledger.Format(ledger.Round(dec("0.124"))))
	assert.Equal(t, "2.50", ledger.Format(ledger.Round(dec("2.495"))))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "12.50", want: "12.50"},
		{in: "12,50", want: "12.50"},
		{in: " 7 ", want: "7.00"},
		{in: "1.005", want: "1.01"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1,000.50", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ledger.ParseAmount("amount", tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ledger.Format(got))
		})
	}
}

func TestNetAmount(t *testing.T) {
	tests := []struct {
		name  string
		gross string
		kind  ledger.DiscountType
		value string
		want  string
	}{
		{name: "no discount", gross: "100", kind: ledger.DiscountNone, value: "15", want: "100.00"},
		{name: "percent", gross: "100", kind: ledger.DiscountPercent, value: "10", want: "90.00"},
		{name: "percent rounds half up", gross: "33.33", kind: ledger.DiscountPercent, value: "15", want: "28.33"},
		{name: "fixed", gross: "50", kind: ledger.DiscountFixed, value: "12.5", want: "37.50"},
		{name: "fixed larger than gross", gross: "50", kind: ledger.DiscountFixed, value: "80", want: "0.00"},
		{name: "percent over 100", gross: "50", kind: ledger.DiscountPercent, value: "150", want: "0.00"},
		{name: "negative discount ignored", gross: "50", kind: ledger.DiscountFixed, value: "-10", want: "50.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.NetAmount(dec(tt.gross), tt.kind, dec(tt.value))
			assert.Equal(t, tt.want, ledger.Format(got))
		})
	}
}

func TestParseDiscountType(t *testing.T) {
	kind, err := ledger.ParseDiscountType("")
	require.NoError(t, err)
	assert.Equal(t, ledger.DiscountNone, kind)

	kind, err = ledger.ParseDiscountType(" Percent ")
	require.NoError(t, err)
	assert.Equal(t, ledger.DiscountPercent, kind)

	_, err = ledger.ParseDiscountType("bogus")
	assert.ErrorIs(t, err, ledger.ErrInvalidDiscount)
	assert.True(t, ledger.IsClientError(err))
}

func TestRequirePositive(t *testing.T) {
	_, err := ledger.RequirePositive("gross_amount", dec("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = ledger.RequireNonNegative("discount_value", dec("-0.01"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	d, err := ledger.RequireNonNegative("discount_value", dec("0"))
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestOrder_Remaining(t *testing.T) {
	o := ledger.Order{ChargeAmount: dec("30"), CreditConsumed: dec("12.5")}
	assert.Equal(t, "17.50", ledger.Format(o.Remaining()))
	assert.False(t, o.FullyCovered())

	o.CreditConsumed = dec("30")
	assert.True(t, o.FullyCovered())
}

func TestMovement_IsReversal(t *testing.T) {
	rev := ledger.Movement{Type: ledger.MovementCredit, Reference: ledger.ReversalReference(7)}
	assert.True(t, rev.IsReversal())
	assert.Equal(t, "Reversal Order #7", rev.Reference)

	grant := ledger.Movement{Type: ledger.MovementCredit, Reference: ledger.GrantReference(1)}
	assert.False(t, grant.IsReversal())

	legacy := ledger.Movement{Type: ledger.MovementCredit, Reference: "estorno / reversal of order 3"}
	assert.True(t, legacy.IsReversal())
}
