// Package main is the entry point for the Flume service ledger server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/config"
	"github.com/flumehq/ledger/internal/database"
	"github.com/flumehq/ledger/internal/handler"
	"github.com/flumehq/ledger/internal/middleware"
	"github.com/flumehq/ledger/internal/pkg/response"
	"github.com/flumehq/ledger/internal/repository"
	"github.com/flumehq/ledger/internal/secrets"
	"github.com/flumehq/ledger/internal/service"
	"github.com/flumehq/ledger/internal/signer"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	response.SetDebug(cfg.Ledger.Debug)

	logger.Info("Starting service ledger",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Wire the core
	clk := clock.System()
	store := repository.NewStore(db.Pool())
	nonces := repository.NewNonceRepository(db.Pool())

	secretsSvc := secrets.NewService(
		secrets.NewBaoBackend(cfg.Secrets),
		cfg.Secrets.Region,
		cfg.Secrets.CacheTTL,
		cfg.Ledger.PrevKeyTTL,
		clk,
	)
	signerSvc := signer.NewService(secretsSvc, nonces, clk,
		cfg.Ledger.BootstrapTSWindow, cfg.Ledger.InstanceTSWindow)

	snapshots := service.NewSnapshotService(store, signerSvc, cfg.Ledger.FanoutTimeout, logger)
	registry := service.NewRegistryService(store, secretsSvc, snapshots, clk, service.RegistrySettings{
		DefaultHeartbeatSec: cfg.Ledger.DefaultHeartbeatSec,
		LeaseTTLMultiplier:  cfg.Ledger.LeaseTTLMultiplier,
		MaxConsecutiveMiss:  cfg.Ledger.MaxConsecutiveMiss,
	}, logger)
	catalog := service.NewEventCatalogService(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go snapshots.Run(ctx)

	// Background jobs: liveness sweep and nonce GC.
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(cfg.Ledger.SweeperInterval), cron.FuncJob(func() {
		touched, err := registry.SweepMissed(ctx)
		if err != nil {
			logger.Error("liveness sweep failed", "error", err)
			return
		}
		if touched > 0 {
			logger.Info("liveness sweep", "instances_touched", touched)
		}
	}))
	scheduler.Schedule(cron.Every(cfg.Ledger.NonceGCInterval), cron.FuncJob(func() {
		// Keep nonces twice the widest acceptance window; anything older
		// can never validate again.
		cutoff := clk.Now().Add(-2 * cfg.Ledger.InstanceTSWindow)
		pruned, err := nonces.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			logger.Error("nonce gc failed", "error", err)
			return
		}
		if pruned > 0 {
			logger.Info("nonce gc", "pruned", pruned)
		}
	}))
	scheduler.Start()
	defer scheduler.Stop()

	// Handlers
	registerHandler := handler.NewRegisterHandler(registry)
	registryHandler := handler.NewRegistryHandler(snapshots, store)
	eventHandler := handler.NewEventHandler(catalog)

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health check endpoints (no auth required)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/v1/flume", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

		// Bootstrap-signed: the caller has no identity yet.
		r.Group(func(r chi.Router) {
			r.Use(middleware.BootstrapVerification(signerSvc))
			r.Post("/register", registerHandler.Register)
		})

		// Instance-signed: the caller proves a registered identity.
		r.Group(func(r chi.Router) {
			r.Use(middleware.InstanceVerification(signerSvc, registry))
			r.Delete("/register", registerHandler.Deregister)
			r.Post("/heartbeat", registerHandler.Heartbeat)
			r.Get("/registry", registryHandler.GetSnapshot)
			r.Get("/registry/events", registryHandler.ListEvents)
			r.Post("/events", eventHandler.Declare)
			r.Get("/events", eventHandler.ListDeclared)
			r.Post("/subscriptions", eventHandler.Subscribe)
			r.Get("/subscriptions", eventHandler.ListSubscriptions)
		})
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness of the process itself.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
