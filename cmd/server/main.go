/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rent ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration (viper)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build the ledger (Stripe checkout when configured)
  5. Configure HTTP router and start the overdue sweep
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to config.toml (default: search . and /etc/rent-ledger)
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the overdue sweep
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with defaults (./data/rent.db, development)
  ./server

  # Run with in-memory database
  ./server -db=":memory:"

  # Production
  RENTLEDGER_APP_ENV=production RENTLEDGER_JWT_SECRET=... ./server -config=/etc/rent-ledger/config.toml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/warp/rent-ledger/api"
	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/checkout"
	"github.com/warp/rent-ledger/config"
	"github.com/warp/rent-ledger/logger"
	"github.com/warp/rent-ledger/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config.toml")
	dbPath := flag.String("db", "", "SQLite database path (overrides database.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Checkout provider; without Stripe the ledger hands out mock checkout URLs.
	checkoutCfg := billing.CheckoutConfig{BaseURL: cfg.Checkout.BaseURL}
	if cfg.StripeEnabled() {
		provider, err := checkout.NewStripeProvider(checkout.StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
		}, log.Named("stripe"))
		if err != nil {
			return err
		}
		checkoutCfg.Provider = provider
	} else {
		log.Warn("stripe not configured, payment links use the mock checkout page")
	}

	ledger := billing.NewLedger(store,
		billing.WithLogger(log.Named("ledger")),
		billing.WithCheckout(checkoutCfg),
	)
	metrics := api.NewMetrics()

	handler := api.NewHandler(ledger, api.HandlerOptions{
		Store:            store,
		Webhooks:         checkout.NewWebhookVerifier(cfg.Stripe.WebhookSecret),
		Metrics:          metrics,
		Logger:           log.Named("http"),
		ShowErrorDetails: cfg.IsDevelopment(),
	})

	routerCfg := api.RouterConfig{
		CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
		MaxBodySize:      cfg.HTTP.MaxBodySize,
		Demo:             cfg.App.Demo,
		Health:           store.Ping,
	}
	if cfg.JWT.Secret != "" {
		routerCfg.Auth = api.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer)
	} else {
		log.Warn("jwt.secret not set, /api is unauthenticated")
	}

	scheduler := api.NewOverdueScheduler(ledger, cfg.Scheduler.OverdueInterval, metrics, log)
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("database", cfg.Database.Path),
			zap.Bool("demo", cfg.App.Demo))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
