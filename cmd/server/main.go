// Command staybook-server serves blobs, health and metrics for the self-hosted backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kevschoo/staybook/internal/backend/postgres"
	"github.com/kevschoo/staybook/internal/config"
	"github.com/kevschoo/staybook/internal/logger"
	"github.com/kevschoo/staybook/internal/metrics"
	"github.com/kevschoo/staybook/internal/migrate"
	httpserver "github.com/kevschoo/staybook/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves HTTP until signalled.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Flags override the environment
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address")
	flag.StringVar(&cfg.DatabaseURL, "dsn", cfg.DatabaseURL, "PostgreSQL DSN")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	dev := flag.Bool("dev", false, "human-readable logs")
	noMigrate := flag.Bool("no-migrate", false, "skip schema migrations")
	flag.Parse()

	log, err := logger.New(cfg.LogLevel, *dev)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
	)

	if cfg.DatabaseURL == "" {
		log.Fatal("missing database url (--dsn or DATABASE_URL)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noMigrate {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		if v, err := migrate.Version(ctx, cfg.DatabaseURL); err == nil {
			log.Info("schema ready", zap.Int64("version", v))
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	blobs := postgres.NewBlobStore(postgres.FromPool(pool), cfg.BlobBaseURL)
	srv := httpserver.New(blobs, reg, log,
		httpserver.WithMetrics(rec),
		httpserver.WithReadiness(pool.Ping),
		httpserver.WithCORSOrigins(cfg.CORSOrigins...),
	)

	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- hs.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warn("forced shutdown", zap.Error(err))
			_ = hs.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	log.Info("shutdown complete")
}
