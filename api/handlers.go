/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit ledger and settlement engine via REST API. Handles
  HTTP request/response, JSON serialization and validation, and delegates
  to the credit package.

ENDPOINTS:
  Customers:
    GET    /api/customers                     List customers
    POST   /api/customers                     Create customer
    GET    /api/customers/{id}                Get customer
    GET    /api/customers/{id}/balance        Derived balance
    GET    /api/customers/{id}/statement      Movements with running balance
    POST   /api/customers/{id}/ledger/reset   Delete grants and movements

  Grants:
    GET    /api/grants                        List (customer_id, from, to)
    POST   /api/grants                        Top up a customer
    GET    /api/grants/{id}                   Get grant
    PUT    /api/grants/{id}                   Edit amounts
    DELETE /api/grants/{id}                   Delete grant and its movements

  Orders:
    POST   /api/orders                        Create (consumes when paid by credit)
    GET    /api/orders/{id}                   Get order
    PUT    /api/orders/{id}                   Update and re-settle
    DELETE /api/orders/{id}                   Reverse then delete
    POST   /api/orders/{id}/consume           Consume credit
    POST   /api/orders/{id}/reverse           Reverse consumption

  Admin:
    POST   /api/admin/movements               Legacy direct adjustment
    DELETE /api/admin/movements/{id}          Delete a non-grant movement
    GET    /api/audit                         Audit trail (customer_id, action, limit)
    GET    /api/credits/overview              Per-customer summary and totals

  Alerts:
    POST   /api/alerts                        Raise a courier alert
    GET    /api/alerts                        List (pending=true)
    GET    /api/alerts/latest                 Newest pending alert
    POST   /api/alerts/{id}/ack               Acknowledge

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Credit cannot cover a credit-only request
  - 404: Resource not found
  - 409: Store constraint rejected the write
  - 503: Customer lock timeout, alert queue full
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The acting user is taken from the X-Actor header
  and only used for the audit log.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/alerts"
	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes the whole store. Used by demo scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Credit *credit.Service
	Alerts *alerts.Queue
	Store  Resetter
	Log    *zap.Logger

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. A nil logger logs nothing.
func NewHandler(svc *credit.Service, queue *alerts.Queue, store Resetter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Credit:   svc,
		Alerts:   queue,
		Store:    store,
		Log:      log,
		validate: v,
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Credit.Admin.ListCustomers(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Credit.Admin.CreateCustomer(r.Context(), req.Name, req.Phone)
	if err != nil {
		h.fail(w, r, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.CustomerID](w, r)
	if !ok {
		return
	}
	c, err := h.Credit.Admin.GetCustomer(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetBalance returns the balance derived from the movement log.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.CustomerID](w, r)
	if !ok {
		return
	}
	balance, err := h.Credit.Engine.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{CustomerID: int64(id), Balance: money(balance)})
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.CustomerID](w, r)
	if !ok {
		return
	}
	st, err := h.Credit.Admin.Statement(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

func (h *Handler) ResetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.CustomerID](w, r)
	if !ok {
		return
	}
	res, err := h.Credit.Admin.ResetCustomerLedger(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to reset ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetLedgerResponse{
		Grants:    res.Grants,
		Movements: res.Movements,
		Balance:   money(res.Balance),
	})
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.Credit.Admin.Overview(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to build overview", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverviewDTO(ov))
}

// =============================================================================
// GRANT HANDLERS
// =============================================================================

func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	var filter ledger.GrantFilter
	q := r.URL.Query()
	if v := q.Get("customer_id"); v != "" {
		id, err := parseID[ledger.CustomerID](v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid customer_id", err)
			return
		}
		filter.CustomerID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return
		}
		*p.dst = &t
	}

	grants, err := h.Credit.Grants.ListGrants(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list grants", err)
		return
	}
	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req CreateGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		h.fail(w, r, "Invalid grant", err)
		return
	}
	g, err := h.Credit.Grants.CreateGrant(r.Context(), ledger.CustomerID(req.CustomerID), in, req.CreatedBy)
	if err != nil {
		h.fail(w, r, "Failed to create grant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(g))
}

func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.GrantID](w, r)
	if !ok {
		return
	}
	g, err := h.Credit.Grants.GetGrant(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(g))
}

func (h *Handler) EditGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.GrantID](w, r)
	if !ok {
		return
	}
	var req GrantAmountsRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		h.fail(w, r, "Invalid grant", err)
		return
	}
	g, err := h.Credit.Grants.EditGrant(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, "Failed to edit grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(g))
}

func (h *Handler) DeleteGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.GrantID](w, r)
	if !ok {
		return
	}
	balance, err := h.Credit.Grants.DeleteGrant(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to delete grant", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteGrantResponse{Deleted: true, Balance: money(balance)})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Credit.Orders.CreateOrder(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResultDTO(res))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.OrderID](w, r)
	if !ok {
		return
	}
	o, err := h.Credit.Orders.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.OrderID](w, r)
	if !ok {
		return
	}
	var req UpdateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Credit.Orders.UpdateOrder(r.Context(), id, req.update())
	if err != nil {
		h.fail(w, r, "Failed to update order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResultDTO(res))
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.OrderID](w, r)
	if !ok {
		return
	}
	res, err := h.Credit.Orders.DeleteOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to delete order", err)
		return
	}
	writeJSON(w, http.StatusOK, toReverseDTO(res))
}

// ConsumeOrder applies credit to an order. require_full defaults to true.
func (h *Handler) ConsumeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.OrderID](w, r)
	if !ok {
		return
	}
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	requireFull := req.RequireFull == nil || *req.RequireFull

	res, err := h.Credit.Engine.ConsumeDetailed(r.Context(), id, requireFull)
	if err != nil {
		h.fail(w, r, "Failed to consume credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumeDTO(res))
}

func (h *Handler) ReverseOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.OrderID](w, r)
	if !ok {
		return
	}
	res, err := h.Credit.Engine.ReverseDetailed(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to reverse credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toReverseDTO(res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) LegacyAdjust(w http.ResponseWriter, r *http.Request) {
	var req LegacyAdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, cached, err := h.Credit.Admin.LegacyAdjust(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, LegacyAdjustResponse{
		Movement:      toMovementDTO(mv),
		CachedBalance: money(cached),
	})
}

func (h *Handler) DeleteMovement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.MovementID](w, r)
	if !ok {
		return
	}
	balance, err := h.Credit.Admin.DeleteMovement(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to delete movement", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteMovementResponse{Deleted: true, Balance: money(balance)})
}

// ListAudit accepts customer_id, a comma-separated action list and limit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var filter ledger.AuditFilter
	q := r.URL.Query()
	if v := q.Get("customer_id"); v != "" {
		id, err := parseID[ledger.CustomerID](v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid customer_id", err)
			return
		}
		filter.CustomerID = &id
	}
	if v := q.Get("action"); v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, ledger.AuditAction(a))
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Credit.Admin.Audit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ALERT HANDLERS
// =============================================================================

func (h *Handler) RaiseAlert(w http.ResponseWriter, r *http.Request) {
	var req RaiseAlertRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Alerts.Raise(alerts.Raise{
		CourierID:   req.CourierID,
		CourierName: req.CourierName,
		Kind:        req.Kind,
		Details:     req.Details,
	})
	if err != nil {
		h.fail(w, r, "Failed to raise alert", err)
		return
	}
	h.Log.Warn("courier alert raised",
		zap.String("alert_id", a.ID),
		zap.String("courier_id", a.CourierID),
		zap.String("kind", a.Kind),
	)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	pending := r.URL.Query().Get("pending") == "true"
	writeJSON(w, http.StatusOK, h.Alerts.List(pending))
}

// LatestAlert returns the newest pending alert without acknowledging it.
func (h *Handler) LatestAlert(w http.ResponseWriter, r *http.Request) {
	a, count := h.Alerts.Latest()
	writeJSON(w, http.StatusOK, LatestAlertResponse{New: a != nil, Count: count, Alert: a})
}

func (h *Handler) AckAlert(w http.ResponseWriter, r *http.Request) {
	count, err := h.Alerts.Ack(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to acknowledge alert", err)
		return
	}
	writeJSON(w, http.StatusOK, AckAlertResponse{Count: count})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err), errors.Is(err, alerts.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case ledger.IsClientError(err), errors.Is(err, alerts.ErrKindRequired):
		return http.StatusBadRequest
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsRetryable(err), errors.Is(err, alerts.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message,
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
		)
	}
	writeError(w, status, message, err)
}

// decode reads a JSON body into dst and validates it. An empty body
// decodes to the zero value. It writes the error response and returns
// false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s: %s", fe.Field(), fe.Tag())
	}
	return errors.New(strings.Join(fields, "; "))
}

type int64ID interface {
	~int64
}

func parseID[T int64ID](s string) (T, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("id %q must be a positive integer", s)
	}
	return T(n), nil
}

func pathID[T int64ID](w http.ResponseWriter, r *http.Request) (T, bool) {
	id, err := parseID[T](chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// parseTime accepts RFC3339 or a bare date, which means midnight UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
