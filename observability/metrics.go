package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Consume outcomes.
const (
	OutcomeConsumed     = "consumed"
	OutcomeInsufficient = "insufficient"
	OutcomeCovered      = "already_covered"
	OutcomeNoCustomer   = "no_customer"
	OutcomeNoOrder      = "no_order"
)

// Metrics holds the credit engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ConsumeTotal     *prometheus.CounterVec
	ConsumedAmount   prometheus.Counter
	ReversedAmount   prometheus.Counter
	GrantsTotal      *prometheus.CounterVec
	LockWait         prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	AlertsPending    prometheus.Gauge
	BalanceRebuilds  prometheus.Counter
	BalanceDriftSeen prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry, together with the
// Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConsumeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_consume_total",
			Help: "Consume calls by outcome",
		}, []string{"outcome"}),
		ConsumedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_consumed_amount_total",
			Help: "Credit consumed against orders",
		}),
		ReversedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_reversed_amount_total",
			Help: "Credit returned by reversals",
		}),
		GrantsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_grants_total",
			Help: "Grant lifecycle operations",
		}, []string{"op"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_lock_wait_seconds",
			Help:    "Time spent waiting for a customer lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		AlertsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "rescue_alerts_pending",
			Help: "Unacknowledged rescue alerts",
		}),
		BalanceRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_balance_rebuilds_total",
			Help: "Cached balances rebuilt from the movement log",
		}),
		BalanceDriftSeen: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_balance_drift_total",
			Help: "Cached balances found to differ from the movement log",
		}),
	}
}

func (m *Metrics) Consume(outcome string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.ConsumeTotal.WithLabelValues(outcome).Inc()
	if amount.IsPositive() {
		m.ConsumedAmount.Add(amount.InexactFloat64())
	}
}

func (m *Metrics) Reverse(amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.ReversedAmount.Add(amount.InexactFloat64())
}

func (m *Metrics) Grant(op string) {
	if m == nil {
		return
	}
	m.GrantsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.LockWait.Observe(seconds)
}

func (m *Metrics) SetAlertsPending(n int) {
	if m == nil {
		return
	}
	m.AlertsPending.Set(float64(n))
}

func (m *Metrics) Rebuilt(drifted bool) {
	if m == nil {
		return
	}
	m.BalanceRebuilds.Inc()
	if drifted {
		m.BalanceDriftSeen.Inc()
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
