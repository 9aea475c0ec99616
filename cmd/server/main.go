/*
main.go - Application entry point

PURPOSE:
  Starts the credit engine HTTP server and runs the maintenance jobs.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve               HTTP server (default)
  rebuild-balances    Recompute cached balances from the movement log
  backfill-customers  Link orders without a customer id by name

STARTUP SEQUENCE:
  1. Load configuration from the environment, apply flag overrides
  2. Build the zap logger and Prometheus registry
  3. Open the SQLite store
  4. Pick the customer locker (Redis when REDIS_ADDR is set)
  5. Wire the credit service, alert queue and router
  6. Serve until SIGINT/SIGTERM

FLAGS:
  --db      SQLite database path (overrides DB_PATH)
            Use ":memory:" for in-memory database
  --addr    Listen address (overrides APP_ADDR)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (APP_SHUTDOWN_TIMEOUT)
  3. Close the Redis client and the database

EXAMPLES:
  ./server --db=./data/credit.db
  ./server rebuild-balances --dry-run --workers=8
  ./server backfill-customers

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coopdispatch/credit-engine/alerts"
	"github.com/coopdispatch/credit-engine/api"
	"github.com/coopdispatch/credit-engine/config"
	"github.com/coopdispatch/credit-engine/credit"
	"github.com/coopdispatch/credit-engine/ledger"
	"github.com/coopdispatch/credit-engine/locking"
	"github.com/coopdispatch/credit-engine/observability"
	"github.com/coopdispatch/credit-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

type flags struct {
	db   string
	addr string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "server",
		Short:         "Courier cooperative credit ledger and settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVar(&f.db, "db", "", "SQLite database path (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&f.addr, "addr", "", "listen address (overrides APP_ADDR)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	})

	var dryRun bool
	var workers int
	rebuild := &cobra.Command{
		Use:   "rebuild-balances",
		Short: "Recompute every cached balance from the movement log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(ctx context.Context, a *app) error {
				report, err := a.svc.Maintenance.RebuildBalances(ctx, dryRun, workers)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked %d customers, %d drifted\n", report.Checked, len(report.Drifted))
				for _, d := range report.Drifted {
					fmt.Fprintf(cmd.OutOrStdout(), "  customer %d: cached %s derived %s\n",
						d.CustomerID, ledger.Format(d.Cached), ledger.Format(d.Derived))
				}
				return nil
			})
		},
	}
	rebuild.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing")
	rebuild.Flags().IntVar(&workers, "workers", 4, "customers checked in parallel")
	root.AddCommand(rebuild)

	var backfillDry bool
	backfill := &cobra.Command{
		Use:   "backfill-customers",
		Short: "Link orders without a customer id by customer name",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(ctx context.Context, a *app) error {
				report, err := a.svc.Maintenance.BackfillCustomers(ctx, backfillDry)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d orders\n", report.Scanned)
				for kind, n := range report.Linked {
					fmt.Fprintf(cmd.OutOrStdout(), "  linked by %s: %d\n", kind, n)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  unmatched: %d %v\n", len(report.Unmatched), report.Unmatched)
				return nil
			})
		},
	}
	backfill.Flags().BoolVar(&backfillDry, "dry-run", false, "report matches without writing")
	root.AddCommand(backfill)

	return root
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
	store   *sqlite.Store
	redis   *redis.Client
	svc     *credit.Service
}

func newApp(f flags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.db != "" {
		cfg.DBPath = f.db
	}
	if f.addr != "" {
		cfg.AppAddr = f.addr
	}

	log, err := observability.NewLogger(observability.LoggerConfig{
		Environment: cfg.AppEnv,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, log: log, metrics: observability.NewMetrics(), store: store}

	var locker locking.Locker
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = locking.NewRedis(a.redis, cfg.LockTTL, cfg.LockWait)
		log.Info("customer locks in redis", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = locking.NewLocal(cfg.LockWait)
	}

	a.svc = credit.New(store, locker, log, a.metrics, credit.Options{
		NameFallback: cfg.NameFallbackEnabled,
		LegacyAdjust: cfg.LegacyAdjustEnabled,
	})
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func withApp(ctx context.Context, f flags, fn func(context.Context, *app) error) error {
	a, err := newApp(f)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(credit.WithActor(ctx, credit.SystemActor), a)
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(parent context.Context, f flags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(f)
	if err != nil {
		return err
	}
	defer a.close()

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	queue := alerts.NewQueue(a.cfg.AlertQueueCapacity, a.metrics)
	handler := api.NewHandler(a.svc, queue, a.store, a.log)
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             a.log,
		Metrics:            a.metrics,
		AllowedOrigins:     a.cfg.CORSAllowedOrigins,
		RateLimitPerMinute: a.cfg.RateLimitPerMinute,
		Production:         a.cfg.IsProduction(),
	})
	server := api.NewServer(a.cfg.AppAddr, router, a.cfg.AppReadTimeout, a.cfg.AppWriteTimeout, a.cfg.AppIdleTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("server starting", zap.String("addr", a.cfg.AppAddr), zap.String("db", a.cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.AppShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server stopped")
	return nil
}
