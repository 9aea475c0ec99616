/*
balance.go - Credit statements

PURPOSE:
  Turns a customer's movement log into a statement: every movement with
  the balance before and after it, plus totals used by the credit
  overview screen.

TOTALS:
  Balance:      sum(credit) - sum(debit)
  GrossCredits: credit movements that are not reversals (purchased credit)
  Consumed:     GrossCredits - Balance

  Reversals are excluded from GrossCredits because they only give back
  credit that was already counted when it was granted.

EXAMPLE:
  credit 100 (Grant #1)        0.00 -> 100.00
  debit   30 (Order #7)      100.00 ->  70.00
  credit  30 (Reversal #7)    70.00 -> 100.00
  debit   50 (Order #7)      100.00 ->  50.00

  GrossCredits = 100, Balance = 50, Consumed = 50

SEE ALSO:
  - ledger.go: RecomputeBalance writes the same Balance to the customer
*/
package ledger

import "github.com/shopspring/decimal"

// StatementRow is a movement with the running balance around it.
type StatementRow struct {
	Movement      Movement
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

type Statement struct {
	CustomerID   CustomerID
	Rows         []StatementRow
	Balance      decimal.Decimal
	GrossCredits decimal.Decimal
	Debits       decimal.Decimal
	Reversals    decimal.Decimal
	Consumed     decimal.Decimal
}

// BuildStatement replays movements in the order given.
func BuildStatement(customerID CustomerID, movements []Movement) Statement {
	st := Statement{
		CustomerID:   customerID,
		Rows:         make([]StatementRow, 0, len(movements)),
		Balance:      decimal.Zero,
		GrossCredits: decimal.Zero,
		Debits:       decimal.Zero,
		Reversals:    decimal.Zero,
	}

	running := decimal.Zero
	for _, m := range movements {
		before := running
		running = Round(running.Add(m.Signed()))
		st.Rows = append(st.Rows, StatementRow{Movement: m, BalanceBefore: before, BalanceAfter: running})

		switch {
		case m.Type == MovementDebit:
			st.Debits = st.Debits.Add(m.Amount)
		case m.IsReversal():
			st.Reversals = st.Reversals.Add(m.Amount)
		default:
			st.GrossCredits = st.GrossCredits.Add(m.Amount)
		}
	}

	st.Balance = running
	st.GrossCredits = Round(st.GrossCredits)
	st.Debits = Round(st.Debits)
	st.Reversals = Round(st.Reversals)
	st.Consumed = Round(st.GrossCredits.Sub(st.Balance))
	return st
}

// Totals aggregates several statements.
type Totals struct {
	Customers    int
	Balance      decimal.Decimal
	GrossCredits decimal.Decimal
	Consumed     decimal.Decimal
}

func (t Totals) Add(st Statement) Totals {
	return Totals{
		Customers:    t.Customers + 1,
		Balance:      Round(t.Balance.Add(st.Balance)),
		GrossCredits: Round(t.GrossCredits.Add(st.GrossCredits)),
		Consumed:     Round(t.Consumed.Add(st.Consumed)),
	}
}
