/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Customer, grant and order lifecycle over HTTP
- Error status mapping (400, 402, 404)
- Consume defaults and the legacy adjust switch
- Alert queue endpoints and the metrics endpoint
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdispatch/credit-engine/alerts"
	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger/store"
	"github.com/coopdispatch/credit-engine/locking"
	"github.com/coopdispatch/credit-engine/observability"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t       *testing.T
	router  http.Handler
	handler *Handler
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, opts credit.Options) *testServer {
	t.Helper()
	mem := store.NewMemory()
	metrics := observability.NewMetrics()
	svc := credit.New(mem, locking.NewLocal(time.Second), nil, metrics, opts)
	h := NewHandler(svc, alerts.NewQueue(8, metrics), mem, nil)
	return &testServer{
		t:       t,
		handler: h,
		metrics: metrics,
		router: NewRouter(h, RouterOptions{
			Metrics:            metrics,
			RateLimitPerMinute: 10000,
		}),
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "dispatcher")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) customer(name string) CustomerDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/customers", map[string]string{"name": name})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[CustomerDTO](s.t, rec)
}

func (s *testServer) grant(customerID int64, gross string) GrantDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/grants", map[string]any{"customer_id": customerID, "gross_amount": gross})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[GrantDTO](s.t, rec)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_GrantConsumeDelete(t *testing.T) {
	// GIVEN: Ana topped up with 100 at 10% off
	// WHEN: A credit order of 25,50 is created by name and later deleted
	// THEN: Balance goes 90 -> 64.50 -> 90 and the reversal is audited

	s := newTestServer(t, credit.Options{NameFallback: true})
	ana := s.customer("Ana Souza")

	rec := s.do(http.MethodPost, "/api/grants", map[string]any{
		"customer_id":    ana.ID,
		"gross_amount":   "100",
		"discount_type":  "percent",
		"discount_value": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	g := decodeAs[GrantDTO](t, rec)
	assert.Equal(t, "90.00", g.NetAmount)
	assert.Equal(t, "90.00", g.BalanceAfter)
	assert.Equal(t, "dispatcher", g.CreatedBy)

	rec = s.do(http.MethodPost, "/api/orders", map[string]any{
		"customer_name":  "ana souza",
		"charge_amount":  "25,50",
		"payment_method": "Crédito",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeAs[OrderResultDTO](t, rec)
	require.NotNil(t, res.Consume)
	assert.Equal(t, "25.50", res.Consume.Consumed)
	assert.Equal(t, "id", res.Consume.Match, "linked by name at create")
	assert.Equal(t, "paid", res.Order.PaymentStatus)
	assert.Equal(t, "0.00", res.Order.Remaining)
	require.NotNil(t, res.Order.CustomerID)
	assert.Equal(t, ana.ID, *res.Order.CustomerID)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d/balance", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "64.50", decodeAs[BalanceDTO](t, rec).Balance)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d/statement", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeAs[StatementDTO](t, rec)
	require.Len(t, st.Rows, 2)
	assert.Equal(t, "64.50", st.Rows[1].BalanceAfter)
	assert.Equal(t, "25.50", st.Consumed)

	rec = s.do(http.MethodDelete, fmt.Sprintf("/api/orders/%d", res.Order.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rev := decodeAs[ReverseDTO](t, rec)
	assert.Equal(t, "25.50", rev.Reversed)
	assert.Equal(t, "90.00", rev.Balance)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/audit?customer_id=%d&action=credit_reversed", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeAs[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "dispatcher", entries[0].Actor)
}

func TestAPI_OverviewAndGrantFilter(t *testing.T) {
	s := newTestServer(t, credit.Options{NameFallback: true})
	ana := s.customer("Ana")
	bruno := s.customer("Bruno")
	s.customer("Carla")
	s.grant(ana.ID, "40")
	s.grant(bruno.ID, "60")

	rec := s.do(http.MethodGet, "/api/credits/overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ov := decodeAs[OverviewDTO](t, rec)
	assert.Len(t, ov.Customers, 2, "customers without movements are skipped")
	assert.Equal(t, "100.00", ov.Totals.Balance)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/grants?customer_id=%d", bruno.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decodeAs[[]GrantDTO](t, rec)
	require.Len(t, grants, 1)
	assert.Equal(t, "60.00", grants[0].GrossAmount)

	rec = s.do(http.MethodGet, "/api/grants?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_EditGrant(t *testing.T) {
	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")
	g := s.grant(ana.ID, "50")

	rec := s.do(http.MethodPut, fmt.Sprintf("/api/grants/%d", g.ID), map[string]any{
		"gross_amount":   80,
		"discount_type":  "fixed",
		"discount_value": "10",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "70.00", decodeAs[GrantDTO](t, rec).NetAmount)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d/balance", ana.ID), nil)
	assert.Equal(t, "70.00", decodeAs[BalanceDTO](t, rec).Balance)

	rec = s.do(http.MethodDelete, fmt.Sprintf("/api/grants/%d", g.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", decodeAs[DeleteGrantResponse](t, rec).Balance)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAPI_RequireCreditIsPaymentRequired(t *testing.T) {
	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")
	s.grant(ana.ID, "10")

	rec := s.do(http.MethodPost, "/api/orders", map[string]any{
		"customer_id":    ana.ID,
		"charge_amount":  25,
		"payment_method": "Credito",
		"require_credit": true,
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Failed to create order", decodeAs[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/api/orders/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing written")
}

func TestAPI_ValidationErrors(t *testing.T) {
	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		detail string
	}{
		{"missing gross", http.MethodPost, "/api/grants", map[string]any{"customer_id": ana.ID}, http.StatusBadRequest, "gross_amount"},
		{"missing customer id", http.MethodPost, "/api/grants", map[string]any{"gross_amount": 10}, http.StatusBadRequest, "customer_id"},
		{"bad amount", http.MethodPost, "/api/grants", `{"customer_id": 1, "gross_amount": "ten"}`, http.StatusBadRequest, "not a number"},
		{"negative gross", http.MethodPost, "/api/grants", map[string]any{"customer_id": ana.ID, "gross_amount": -5}, http.StatusBadRequest, "greater than zero"},
		{"unknown discount", http.MethodPost, "/api/grants", map[string]any{"customer_id": ana.ID, "gross_amount": 5, "discount_type": "bogus"}, http.StatusBadRequest, "bogus"},
		{"bad payment status", http.MethodPost, "/api/orders", map[string]any{"charge_amount": 5, "payment_status": "refunded"}, http.StatusBadRequest, "payment_status"},
		{"empty name", http.MethodPost, "/api/customers", map[string]string{"name": ""}, http.StatusBadRequest, "name"},
		{"malformed json", http.MethodPost, "/api/customers", `{"name":`, http.StatusBadRequest, ""},
		{"unknown grant customer", http.MethodPost, "/api/grants", map[string]any{"customer_id": 99, "gross_amount": 5}, http.StatusNotFound, ""},
		{"non-numeric id", http.MethodGet, "/api/customers/abc", nil, http.StatusBadRequest, ""},
		{"missing customer", http.MethodGet, "/api/customers/99", nil, http.StatusNotFound, ""},
		{"missing order", http.MethodGet, "/api/orders/7", nil, http.StatusNotFound, ""},
		{"missing movement", http.MethodDelete, "/api/admin/movements/7", nil, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.detail != "" {
				assert.Contains(t, decodeAs[ErrorResponse](t, rec).Details, tt.detail)
			}
		})
	}
}

// =============================================================================
// CONSUME + ADMIN
// =============================================================================

func TestAPI_ConsumeDefaultsToRequireFull(t *testing.T) {
	// GIVEN: Ana with 10 of credit and an order of 25 paid by Pix
	// WHEN: Consume is called without a body, then with require_full=false
	// THEN: The first consumes nothing, the second consumes the 10 available

	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")
	s.grant(ana.ID, "10")

	rec := s.do(http.MethodPost, "/api/orders", map[string]any{
		"customer_id":    ana.ID,
		"charge_amount":  "25",
		"payment_method": "Pix",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeAs[OrderResultDTO](t, rec)
	assert.Nil(t, order.Consume)

	path := fmt.Sprintf("/api/orders/%d/consume", order.Order.ID)
	rec = s.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[ConsumeDTO](t, rec)
	assert.Equal(t, "insufficient", res.Outcome)
	assert.Equal(t, "0.00", res.Consumed)

	rec = s.do(http.MethodPost, path, map[string]bool{"require_full": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decodeAs[ConsumeDTO](t, rec)
	assert.Equal(t, "consumed", res.Outcome)
	assert.Equal(t, "10.00", res.Consumed)
	assert.Equal(t, "15.00", res.Remaining)
	assert.False(t, res.Paid)

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/orders/%d/reverse", order.Order.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.00", decodeAs[ReverseDTO](t, rec).Balance)
}

func TestAPI_UpdateOrderResettles(t *testing.T) {
	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")
	s.grant(ana.ID, "100")

	rec := s.do(http.MethodPost, "/api/orders", map[string]any{
		"customer_id":    ana.ID,
		"charge_amount":  30,
		"payment_method": "Crédito",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeAs[OrderResultDTO](t, rec).Order.ID

	rec = s.do(http.MethodPut, fmt.Sprintf("/api/orders/%d", id), map[string]any{"charge_amount": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[OrderResultDTO](t, rec)
	assert.Equal(t, "50.00", res.Order.CreditConsumed)

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d/balance", ana.ID), nil)
	assert.Equal(t, "50.00", decodeAs[BalanceDTO](t, rec).Balance)
}

func TestAPI_LegacyAdjust(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := newTestServer(t, credit.Options{})
		ana := s.customer("Ana")
		rec := s.do(http.MethodPost, "/api/admin/movements", map[string]any{"customer_id": ana.ID, "kind": "ENTRADA", "amount": 20})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		s := newTestServer(t, credit.Options{LegacyAdjust: true})
		ana := s.customer("Ana")
		rec := s.do(http.MethodPost, "/api/admin/movements", map[string]any{"customer_id": ana.ID, "kind": "ENTRADA", "amount": 20, "reference": "cash top-up"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		adj := decodeAs[LegacyAdjustResponse](t, rec)
		assert.Equal(t, "20.00", adj.CachedBalance)
		assert.Equal(t, "credit", adj.Movement.Type)

		rec = s.do(http.MethodDelete, fmt.Sprintf("/api/admin/movements/%d", adj.Movement.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "0.00", decodeAs[DeleteMovementResponse](t, rec).Balance)
	})
}

func TestAPI_ResetLedger(t *testing.T) {
	s := newTestServer(t, credit.Options{})
	ana := s.customer("Ana")
	s.grant(ana.ID, "10")
	s.grant(ana.ID, "15")

	rec := s.do(http.MethodPost, fmt.Sprintf("/api/customers/%d/ledger/reset", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[ResetLedgerResponse](t, rec)
	assert.Equal(t, 2, res.Grants)
	assert.Equal(t, 2, res.Movements)
	assert.Equal(t, "0.00", res.Balance)
}

// =============================================================================
// ALERTS + METRICS
// =============================================================================

func TestAPI_Alerts(t *testing.T) {
	s := newTestServer(t, credit.Options{})

	rec := s.do(http.MethodPost, "/api/alerts", map[string]string{"courier_id": "c-7", "courier_name": "Rui", "kind": "accident", "details": "Av. Paulista"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	raised := decodeAs[alerts.Alert](t, rec)
	assert.Equal(t, "accident: Av. Paulista", raised.Message)

	rec = s.do(http.MethodGet, "/api/alerts/latest", nil)
	latest := decodeAs[LatestAlertResponse](t, rec)
	assert.True(t, latest.New)
	assert.Equal(t, 1, latest.Count)
	require.NotNil(t, latest.Alert)
	assert.Equal(t, raised.ID, latest.Alert.ID)

	rec = s.do(http.MethodPost, "/api/alerts/"+raised.ID+"/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeAs[AckAlertResponse](t, rec).Count)

	rec = s.do(http.MethodGet, "/api/alerts/latest", nil)
	assert.False(t, decodeAs[LatestAlertResponse](t, rec).New)

	rec = s.do(http.MethodGet, "/api/alerts?pending=true", nil)
	assert.Empty(t, decodeAs[[]alerts.Alert](t, rec))

	rec = s.do(http.MethodPost, "/api/alerts", map[string]string{"courier_name": "Rui"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/alerts/nope/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_MetricsAndHealth(t *testing.T) {
	s := newTestServer(t, credit.Options{})

	rec := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	s.do(http.MethodGet, "/api/customers/99", nil)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",route="/api/customers/{id}",status="404"} 1`), body)
}
