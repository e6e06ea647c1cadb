/*
main.go - Application entry point

PURPOSE:
  Starts the registration engine: HTTP API, hold expiry sweep and the
  in-process event router. Handles configuration, dependency wiring and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags (go-flags, with REG_* environment fallbacks)
  2. Open the store (SQLite file/memory or Postgres)
  3. Build payment gateways, event bus and metrics
  4. Create API handler and router
  5. Run HTTP server, event router and sweep until SIGINT/SIGTERM

EXAMPLES:
  # SQLite file
  ./server --db=./data/registration.db

  # In-memory with the demo school loaded
  ./server --db=:memory: --demo

  # Postgres with Stripe refunds
  ./server --store=postgres --dsn=postgres://localhost/registration --stripe-key=sk_test_...

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the HTTP server drains for up to 30s, the sweep
  scheduler waits for a running sweep, the event router closes, then the
  store is closed.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Hold expiry sweep
  - events/router.go: Event subscribers
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
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/registration-engine/api"
	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/events"
	"github.com/warp/registration-engine/metrics"
	"github.com/warp/registration-engine/payments"
	"github.com/warp/registration-engine/school"
	"github.com/warp/registration-engine/store/postgres"
	"github.com/warp/registration-engine/store/sqlite"
	"github.com/warp/registration-engine/store/sqlstore"
)

type config struct {
	Port     int    `long:"port" env:"REG_PORT" default:"8080" description:"HTTP server port"`
	Store    string `long:"store" env:"REG_STORE" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Store backend"`
	DB       string `long:"db" env:"REG_DB" default:"registration.db" description:"SQLite database path (:memory: for in-memory)"`
	DSN      string `long:"dsn" env:"DATABASE_URL" description:"Postgres connection string"`
	Currency string `long:"currency" env:"REG_CURRENCY" default:"USD" description:"Invoice currency"`

	HoldTTL       time.Duration `long:"hold-ttl" env:"REG_HOLD_TTL" default:"15m" description:"How long a hold claims capacity"`
	SweepInterval time.Duration `long:"sweep-interval" env:"REG_SWEEP_INTERVAL" default:"1m" description:"Hold expiry sweep interval"`
	NoSweep       bool          `long:"no-sweep" description:"Disable the background sweep"`

	StripeKey      string   `long:"stripe-key" env:"STRIPE_SECRET_KEY" description:"Stripe secret key; enables the stripe provider"`
	AllowedOrigins []string `long:"cors-origin" env:"REG_CORS_ORIGINS" env-delim:"," description:"Allowed CORS origin (repeatable)"`
	LogLevel       string   `long:"log-level" env:"REG_LOG_LEVEL" default:"info" description:"Log level"`
	Demo           bool     `long:"demo" description:"Load the demo school scenario on start"`
}

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := logrus.NewEntry(logger)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Payments
	gateway := payments.NewRouter(log).
		Register("manual", payments.Manual{}).
		Register("cash", payments.Manual{})
	if cfg.StripeKey != "" {
		gateway.Register("stripe", payments.NewStripe(cfg.StripeKey))
	}

	// Events and metrics
	m := metrics.New()
	bus := events.NewBus(log)
	defer bus.Close()
	eventRouter, err := events.NewRouter(bus, eventLoggers(log))
	if err != nil {
		return err
	}

	clock := engine.SystemClock()
	handler := api.NewHandler(store, clock, gateway,
		api.WithPolicies(school.PricingPolicy(cfg.Currency), school.ReservationPolicy(cfg.HoldTTL)),
		api.WithNotifier(engine.Notifiers(bus, m)),
		api.WithLogger(log),
	)
	if cfg.Demo {
		if err := handler.LoadDemo(ctx); err != nil {
			return fmt.Errorf("load demo: %w", err)
		}
		log.Info("demo school loaded")
	}

	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins, Metrics: m})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper := api.NewSweepScheduler(handler.Holds, clock, log)
	sweeper.Metrics = m
	sweeper.Interval = cfg.SweepInterval
	sweeper.Enabled = !cfg.NoSweep
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eventRouter.Run(ctx)
	})

	g.Go(func() error {
		<-eventRouter.Running()
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func openStore(ctx context.Context, cfg config) (*sqlstore.Store, error) {
	switch cfg.Store {
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("--dsn is required for the postgres store")
		}
		return postgres.Open(ctx, cfg.DSN)
	default:
		return sqlite.New(cfg.DB)
	}
}

// eventLoggers logs every committed event. Refund failures need a human.
func eventLoggers(log *logrus.Entry) map[engine.EventType]events.Handler {
	logEvent := func(ctx context.Context, e engine.Event) error {
		log.WithFields(logrus.Fields{
			"type":    e.Type,
			"hold":    e.HoldID,
			"invoice": e.InvoiceID,
			"amount":  e.Amount,
		}).Info("event")
		return nil
	}
	handlers := map[engine.EventType]events.Handler{
		engine.EventHoldExpired:      logEvent,
		engine.EventHoldCancelled:    logEvent,
		engine.EventInvoiceFinalized: logEvent,
		engine.EventInvoicePaid:      logEvent,
		engine.EventInvoiceRefunded:  logEvent,
	}
	handlers[engine.EventRefundFailed] = func(ctx context.Context, e engine.Event) error {
		log.WithFields(logrus.Fields{
			"invoice": e.InvoiceID,
			"amount":  e.Amount,
			"data":    e.Data,
		}).Warn("refund failed, manual follow-up required")
		return nil
	}
	return handlers
}
