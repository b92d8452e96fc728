/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the purchase approval server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env supported) and parse flags
  2. Initialize the zap logger
  3. Open the SQLite store and apply the optional seed fixture
  4. Wire the reconciler, loyalty ledger and notification emitter
  5. Configure the HTTP router and Prometheus metrics
  6. Start the server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (default: SERVER_PORT or 8080)
  -db      SQLite database path (default: DB_PATH)
           Use ":memory:" for an in-memory database
  -seed    YAML fixture applied on startup (default: SEED_FILE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close the database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/allocation.db"

  # Run in-memory with demo data
  ./server -db=":memory:" -seed="./fixtures/demo.yaml"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tierpoint/allocation-engine/allocation"
	"github.com/tierpoint/allocation-engine/api"
	"github.com/tierpoint/allocation-engine/config"
	"github.com/tierpoint/allocation-engine/logger"
	"github.com/tierpoint/allocation-engine/loyalty"
	"github.com/tierpoint/allocation-engine/metrics"
	"github.com/tierpoint/allocation-engine/notify"
	"github.com/tierpoint/allocation-engine/seed"
	"github.com/tierpoint/allocation-engine/store/sqlite"
)

const serviceName = "allocation-engine"

func main() {
	cfg := config.Load(serviceName)

	// Flags override the environment.
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Store.Path, "SQLite database path")
	seedFile := flag.String("seed", cfg.Store.SeedFile, "YAML seed fixture applied on startup")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Server.Env,
		ServiceName: serviceName,
	})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting", cfg.Fields()...)

	// Store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Optional seed fixture
	if *seedFile != "" {
		fixture, err := seed.Load(*seedFile)
		if err != nil {
			log.Fatal("failed to load seed fixture", zap.Error(err))
		}
		if err := fixture.Apply(context.Background(), store, store, store); err != nil {
			log.Fatal("failed to apply seed fixture", zap.Error(err))
		}
		log.Info("seed fixture applied",
			zap.String("file", *seedFile),
			zap.Int("products", len(fixture.Products)),
			zap.Int("deals", len(fixture.Deals)),
			zap.Int("requests", len(fixture.Requests)))
	}

	// Domain wiring
	points := loyalty.NewLedger(store, log)
	emitter := notify.NewLogEmitter(log.Named("notify"))
	reconciler := allocation.NewReconciler(store, store, store, store, points, emitter, log)

	// HTTP wiring
	m := metrics.NewHTTPMetrics(serviceName)
	handler := api.NewHandler(reconciler, points, m, log)
	router := api.NewRouter(handler, log, m)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
