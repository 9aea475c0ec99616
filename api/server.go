/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for the rate limiter
  3. Logger:     zap request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Security headers, HTTPS redirect in production
  6. CORS:       Cross-origin requests for the dispatch console
  7. Rate limit: Per-IP request budget
  8. Metrics:    http_requests_total by route pattern
  9. Actor:      X-Actor header into the request context

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus
  /api/customers/*      Customers, balances, statements
  /api/grants/*         Credit top-ups
  /api/orders/*         Order settlement
  /api/admin/*          Legacy and corrective operations
  /api/alerts/*         Courier alerts
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logger, metrics and actor middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/coopdispatch/credit-engine/observability"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	AllowedOrigins     []string
	RateLimitPerMinute int
	Production         bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !opts.Production,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(opts.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	if opts.Metrics != nil {
		r.Use(Instrument(opts.Metrics))
	}
	r.Use(Actor)

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/statement", h.GetStatement)
			r.Post("/{id}/ledger/reset", h.ResetLedger)
		})

		r.Get("/credits/overview", h.Overview)

		// Grant routes
		r.Route("/grants", func(r chi.Router) {
			r.Get("/", h.ListGrants)
			r.Post("/", h.CreateGrant)
			r.Get("/{id}", h.GetGrant)
			r.Put("/{id}", h.EditGrant)
			r.Delete("/{id}", h.DeleteGrant)
		})

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Put("/{id}", h.UpdateOrder)
			r.Delete("/{id}", h.DeleteOrder)
			r.Post("/{id}/consume", h.ConsumeOrder)
			r.Post("/{id}/reverse", h.ReverseOrder)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/movements", h.LegacyAdjust)
			r.Delete("/movements/{id}", h.DeleteMovement)
		})

		r.Get("/audit", h.ListAudit)

		// Alert routes
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/", h.RaiseAlert)
			r.Get("/latest", h.LatestAlert)
			r.Post("/{id}/ack", h.AckAlert)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.CurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// NewServer wraps the router in an http.Server with the given timeouts.
func NewServer(addr string, handler http.Handler, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
}
