/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stable billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (CONFIG_PATH file and/or environment)
  2. Apply command-line flag overrides
  3. Build the logger and the Prometheus registry
  4. Initialize SQLite store
  5. Wire the billing engine and API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides http_server.address)
  -db      SQLite database path (overrides storage.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database and a config file
  CONFIG_PATH=./config/local.yaml ./server -db=":memory:"

ENVIRONMENT:
  CONFIG_PATH and BILLING_* variables, see config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stable-billing/api"
	"github.com/warp/stable-billing/billing"
	"github.com/warp/stable-billing/config"
	"github.com/warp/stable-billing/logging"
	"github.com/warp/stable-billing/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg := config.MustLoad()
	if *port != 0 {
		cfg.HTTP.Address = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	logger := logging.New(cfg.Env)
	logger.Info("starting stable-billing", slog.Any("config", cfg))
	logger.Debug("debug messages are enabled")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize store
	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to initialize database", logging.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	engine := billing.NewEngine(store, store, store, billing.Options{
		Location: cfg.Location(),
		Logger:   logger.With(slog.String("component", "billing")),
		Metrics:  billing.NewMetrics(registry),
	})

	handler := api.NewHandler(engine, store, logger.With(slog.String("component", "api")), cfg.Billing.SummaryMonths)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("address", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logging.Err(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", logging.Err(err))
		return
	}

	logger.Info("server stopped")
}
