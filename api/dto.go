/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

MONEY:
  Requests accept a JSON number or a string ("12.50" or "12,50").
  Responses always render a string with two decimals.

VALIDATION:
  Struct tags are checked with go-playground/validator before the handler
  calls into the credit package. Amount rules (positive, non-negative)
  stay in the ledger package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coopdispatch/credit-engine/alerts"
	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a request amount.
type Money struct {
	decimal.Decimal
}

func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if s, err := strconv.Unquote(string(b)); err == nil {
		b = []byte(s)
	}
	d, err := ledger.ParseAmount("amount", string(b))
	if err != nil {
		return err
	}
	m.Decimal = d
	return nil
}

func money(d decimal.Decimal) string {
	return ledger.Format(d)
}

func moneyOrZero(m *Money) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return m.Decimal
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at"`
}

type CreateCustomerRequest struct {
	Name  string `json:"name" validate:"required,max=120"`
	Phone string `json:"phone" validate:"max=40"`
}

type BalanceDTO struct {
	CustomerID int64  `json:"customer_id"`
	Balance    string `json:"balance"`
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:        int64(c.ID),
		Name:      c.Name,
		Phone:     c.Phone,
		Balance:   money(c.Balance),
		CreatedAt: timestamp(c.CreatedAt),
	}
}

// =============================================================================
// MOVEMENTS + STATEMENTS
// =============================================================================

type MovementDTO struct {
	ID          int64  `json:"id"`
	CustomerID  int64  `json:"customer_id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
	GrantID     *int64 `json:"grant_id,omitempty"`
	OrderID     *int64 `json:"order_id,omitempty"`
	IsReversal  bool   `json:"is_reversal"`
	CreatedAt   string `json:"created_at"`
}

type StatementRowDTO struct {
	MovementDTO
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
}

type StatementDTO struct {
	CustomerID   int64             `json:"customer_id"`
	Rows         []StatementRowDTO `json:"rows"`
	Balance      string            `json:"balance"`
	GrossCredits string            `json:"gross_credits"`
	Debits       string            `json:"debits"`
	Reversals    string            `json:"reversals"`
	Consumed     string            `json:"consumed"`
}

type CustomerSummaryDTO struct {
	Customer     CustomerDTO `json:"customer"`
	Movements    int         `json:"movements"`
	Balance      string      `json:"balance"`
	GrossCredits string      `json:"gross_credits"`
	Consumed     string      `json:"consumed"`
}

type TotalsDTO struct {
	Customers    int    `json:"customers"`
	Balance      string `json:"balance"`
	GrossCredits string `json:"gross_credits"`
	Consumed     string `json:"consumed"`
}

type OverviewDTO struct {
	Customers []CustomerSummaryDTO `json:"customers"`
	Totals    TotalsDTO            `json:"totals"`
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	dto := MovementDTO{
		ID:          int64(m.ID),
		CustomerID:  int64(m.CustomerID),
		Type:        string(m.Type),
		Amount:      money(m.Amount),
		Reference:   m.Reference,
		Description: m.Description,
		IsReversal:  m.IsReversal(),
		CreatedAt:   timestamp(m.CreatedAt),
	}
	if m.GrantID != nil {
		id := int64(*m.GrantID)
		dto.GrantID = &id
	}
	if m.OrderID != nil {
		id := int64(*m.OrderID)
		dto.OrderID = &id
	}
	return dto
}

func toStatementDTO(st ledger.Statement) StatementDTO {
	rows := make([]StatementRowDTO, len(st.Rows))
	for i, r := range st.Rows {
		rows[i] = StatementRowDTO{
			MovementDTO:   toMovementDTO(r.Movement),
			BalanceBefore: money(r.BalanceBefore),
			BalanceAfter:  money(r.BalanceAfter),
		}
	}
	return StatementDTO{
		CustomerID:   int64(st.CustomerID),
		Rows:         rows,
		Balance:      money(st.Balance),
		GrossCredits: money(st.GrossCredits),
		Debits:       money(st.Debits),
		Reversals:    money(st.Reversals),
		Consumed:     money(st.Consumed),
	}
}

func toOverviewDTO(ov credit.Overview) OverviewDTO {
	out := OverviewDTO{
		Customers: make([]CustomerSummaryDTO, len(ov.Customers)),
		Totals: TotalsDTO{
			Customers:    ov.Totals.Customers,
			Balance:      money(ov.Totals.Balance),
			GrossCredits: money(ov.Totals.GrossCredits),
			Consumed:     money(ov.Totals.Consumed),
		},
	}
	for i, s := range ov.Customers {
		out.Customers[i] = CustomerSummaryDTO{
			Customer:     toCustomerDTO(s.Customer),
			Movements:    len(s.Statement.Rows),
			Balance:      money(s.Statement.Balance),
			GrossCredits: money(s.Statement.GrossCredits),
			Consumed:     money(s.Statement.Consumed),
		}
	}
	return out
}

// =============================================================================
// GRANTS
// =============================================================================

type GrantDTO struct {
	ID            int64  `json:"id"`
	CustomerID    int64  `json:"customer_id"`
	GrossAmount   string `json:"gross_amount"`
	DiscountType  string `json:"discount_type"`
	DiscountValue string `json:"discount_value"`
	NetAmount     string `json:"net_amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Reason        string `json:"reason,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
}

// GrantAmountsRequest is the editable part of a grant.
type GrantAmountsRequest struct {
	GrossAmount   *Money `json:"gross_amount" validate:"required"`
	DiscountType  string `json:"discount_type" validate:"max=16"`
	DiscountValue *Money `json:"discount_value"`
	Reason        string `json:"reason" validate:"max=500"`
}

type CreateGrantRequest struct {
	CustomerID int64 `json:"customer_id" validate:"required,gt=0"`
	GrantAmountsRequest
	CreatedBy string `json:"created_by" validate:"max=120"`
}

type DeleteGrantResponse struct {
	Deleted bool   `json:"deleted"`
	Balance string `json:"balance"`
}

func (r GrantAmountsRequest) input() (credit.GrantInput, error) {
	dt, err := ledger.ParseDiscountType(r.DiscountType)
	if err != nil {
		return credit.GrantInput{}, err
	}
	return credit.GrantInput{
		GrossAmount:   moneyOrZero(r.GrossAmount),
		DiscountType:  dt,
		DiscountValue: moneyOrZero(r.DiscountValue),
		Reason:        r.Reason,
	}, nil
}

func toGrantDTO(g ledger.Grant) GrantDTO {
	return GrantDTO{
		ID:            int64(g.ID),
		CustomerID:    int64(g.CustomerID),
		GrossAmount:   money(g.GrossAmount),
		DiscountType:  string(g.DiscountType),
		DiscountValue: money(g.DiscountValue),
		NetAmount:     money(g.NetAmount),
		BalanceBefore: money(g.BalanceBefore),
		BalanceAfter:  money(g.BalanceAfter),
		Reason:        g.Reason,
		CreatedBy:     g.CreatedBy,
		CreatedAt:     timestamp(g.CreatedAt),
	}
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderDTO struct {
	ID             int64  `json:"id"`
	CustomerID     *int64 `json:"customer_id"`
	CustomerName   string `json:"customer_name"`
	ChargeAmount   string `json:"charge_amount"`
	CreditConsumed string `json:"credit_consumed"`
	Remaining      string `json:"remaining"`
	PaymentStatus  string `json:"payment_status"`
	PaymentMethod  string `json:"payment_method"`
	ReceivedBy     string `json:"received_by,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type CreateOrderRequest struct {
	CustomerID    *int64 `json:"customer_id" validate:"omitempty,gt=0"`
	CustomerName  string `json:"customer_name" validate:"max=120"`
	ChargeAmount  *Money `json:"charge_amount" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"max=60"`
	PaymentStatus string `json:"payment_status" validate:"omitempty,oneof=pending paid"`
	ReceivedBy    string `json:"received_by" validate:"max=120"`
	RequireCredit bool   `json:"require_credit"`
}

type UpdateOrderRequest struct {
	CustomerID    *int64  `json:"customer_id" validate:"omitempty,gt=0"`
	CustomerName  *string `json:"customer_name" validate:"omitempty,max=120"`
	ChargeAmount  *Money  `json:"charge_amount"`
	PaymentMethod *string `json:"payment_method" validate:"omitempty,max=60"`
	PaymentStatus *string `json:"payment_status" validate:"omitempty,oneof=pending paid"`
	ReceivedBy    *string `json:"received_by" validate:"omitempty,max=120"`
}

type ConsumeRequest struct {
	RequireFull *bool `json:"require_full"`
}

type ConsumeDTO struct {
	OrderID    int64  `json:"order_id"`
	CustomerID int64  `json:"customer_id,omitempty"`
	Consumed   string `json:"consumed"`
	Balance    string `json:"balance"`
	Remaining  string `json:"remaining"`
	Outcome    string `json:"outcome"`
	Match      string `json:"match,omitempty"`
	Paid       bool   `json:"paid"`
}

type ReverseDTO struct {
	OrderID    int64  `json:"order_id"`
	CustomerID int64  `json:"customer_id,omitempty"`
	Reversed   string `json:"reversed"`
	Balance    string `json:"balance"`
}

type OrderResultDTO struct {
	Order   OrderDTO    `json:"order"`
	Consume *ConsumeDTO `json:"consume,omitempty"`
	Reverse *ReverseDTO `json:"reverse,omitempty"`
}

func customerIDPtr(id *int64) *ledger.CustomerID {
	if id == nil {
		return nil
	}
	c := ledger.CustomerID(*id)
	return &c
}

func (r CreateOrderRequest) input() credit.OrderInput {
	return credit.OrderInput{
		CustomerID:    customerIDPtr(r.CustomerID),
		CustomerName:  r.CustomerName,
		ChargeAmount:  moneyOrZero(r.ChargeAmount),
		PaymentMethod: r.PaymentMethod,
		PaymentStatus: ledger.PaymentStatus(r.PaymentStatus),
		ReceivedBy:    r.ReceivedBy,
		RequireCredit: r.RequireCredit,
	}
}

func (r UpdateOrderRequest) update() credit.OrderUpdate {
	up := credit.OrderUpdate{
		CustomerID:    customerIDPtr(r.CustomerID),
		CustomerName:  r.CustomerName,
		PaymentMethod: r.PaymentMethod,
		ReceivedBy:    r.ReceivedBy,
	}
	if r.ChargeAmount != nil {
		up.ChargeAmount = &r.ChargeAmount.Decimal
	}
	if r.PaymentStatus != nil {
		s := ledger.PaymentStatus(*r.PaymentStatus)
		up.PaymentStatus = &s
	}
	return up
}

func toOrderDTO(o ledger.Order) OrderDTO {
	dto := OrderDTO{
		ID:             int64(o.ID),
		CustomerName:   o.CustomerName,
		ChargeAmount:   money(o.ChargeAmount),
		CreditConsumed: money(o.CreditConsumed),
		Remaining:      money(o.Remaining()),
		PaymentStatus:  string(o.PaymentStatus),
		PaymentMethod:  o.PaymentMethod,
		ReceivedBy:     o.ReceivedBy,
		CreatedAt:      timestamp(o.CreatedAt),
		UpdatedAt:      timestamp(o.UpdatedAt),
	}
	if o.CustomerID != nil {
		id := int64(*o.CustomerID)
		dto.CustomerID = &id
	}
	return dto
}

func toConsumeDTO(r credit.ConsumeResult) *ConsumeDTO {
	return &ConsumeDTO{
		OrderID:    int64(r.OrderID),
		CustomerID: int64(r.CustomerID),
		Consumed:   money(r.Consumed),
		Balance:    money(r.Balance),
		Remaining:  money(r.Remaining),
		Outcome:    string(r.Outcome),
		Match:      string(r.Match),
		Paid:       r.Paid,
	}
}

func toReverseDTO(r credit.ReverseResult) *ReverseDTO {
	return &ReverseDTO{
		OrderID:    int64(r.OrderID),
		CustomerID: int64(r.CustomerID),
		Reversed:   money(r.Reversed),
		Balance:    money(r.Balance),
	}
}

func toOrderResultDTO(r credit.OrderResult) OrderResultDTO {
	out := OrderResultDTO{Order: toOrderDTO(r.Order)}
	if r.Consume != nil {
		out.Consume = toConsumeDTO(*r.Consume)
	}
	if r.Reverse != nil {
		out.Reverse = toReverseDTO(*r.Reverse)
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type LegacyAdjustRequest struct {
	CustomerID int64  `json:"customer_id" validate:"required,gt=0"`
	Kind       string `json:"kind" validate:"required,max=20"`
	Amount     *Money `json:"amount" validate:"required"`
	Reference  string `json:"reference" validate:"max=500"`
	GrantID    *int64 `json:"grant_id" validate:"omitempty,gt=0"`
	OrderID    *int64 `json:"order_id" validate:"omitempty,gt=0"`
}

type LegacyAdjustResponse struct {
	Movement      MovementDTO `json:"movement"`
	CachedBalance string      `json:"cached_balance"`
}

type DeleteMovementResponse struct {
	Deleted bool   `json:"deleted"`
	Balance string `json:"balance"`
}

type ResetLedgerResponse struct {
	Grants    int    `json:"grants"`
	Movements int    `json:"movements"`
	Balance   string `json:"balance"`
}

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	CustomerID int64          `json:"customer_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (r LegacyAdjustRequest) input() credit.LegacyInput {
	in := credit.LegacyInput{
		CustomerID: ledger.CustomerID(r.CustomerID),
		Kind:       r.Kind,
		Amount:     moneyOrZero(r.Amount),
		Reference:  r.Reference,
	}
	if r.GrantID != nil {
		g := ledger.GrantID(*r.GrantID)
		in.GrantID = &g
	}
	if r.OrderID != nil {
		o := ledger.OrderID(*r.OrderID)
		in.OrderID = &o
	}
	return in
}

func toAuditDTO(e ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  timestamp(e.Timestamp),
		Actor:      e.Actor,
		Action:     string(e.Action),
		CustomerID: int64(e.CustomerID),
		Payload:    e.Payload,
	}
}

// =============================================================================
// ALERTS
// =============================================================================

type RaiseAlertRequest struct {
	CourierID   string `json:"courier_id" validate:"max=60"`
	CourierName string `json:"courier_name" validate:"max=120"`
	Kind        string `json:"kind" validate:"required,max=80"`
	Details     string `json:"details" validate:"max=500"`
}

type LatestAlertResponse struct {
	New   bool          `json:"new"`
	Count int           `json:"count"`
	Alert *alerts.Alert `json:"alert,omitempty"`
}

type AckAlertResponse struct {
	Count int `json:"count"`
}

// =============================================================================
// SCENARIOS + ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Balances map[string]string `json:"balances"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
