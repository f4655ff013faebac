// Package main is the entry point for the Stella ledger API server.
//
// The server fronts the credit ledger for the portrait bot:
//
// 1. Load configuration from environment variables
// 2. Connect Postgres and ensure the schema exists
// 3. Pick the cache backend (in-memory, or Redis when REDIS_ADDR is set)
// 4. Start the background task worker
// 5. Serve the REST API with health checks and Prometheus metrics
// 6. Wait for SIGINT/SIGTERM and shut down gracefully
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/portraitlab/stella/internal/api"
	"github.com/portraitlab/stella/internal/cache"
	"github.com/portraitlab/stella/internal/config"
	"github.com/portraitlab/stella/internal/ledger"
	"github.com/portraitlab/stella/internal/store"
	"github.com/portraitlab/stella/internal/tasks"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Dur("cache_ttl", cfg.CacheTTL).
		Dur("reconcile_delay", cfg.ReconcileDelay).
		Msg("starting stella ledger server")

	st, err := store.New(cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns, cfg.DefaultBalance, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}
	cancel()
	logger.Info().Msg("postgres connected, schema ensured")

	var balanceCache cache.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.CacheTTL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisCache.Close()
		balanceCache = redisCache
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis balance cache")
	} else {
		memCache := cache.NewMemory(cfg.CacheTTL)
		defer memCache.Stop()
		balanceCache = memCache
		logger.Info().Msg("using in-memory balance cache")
	}

	queue := tasks.NewQueue(cfg.TaskQueueCapacity, st, logger)
	queue.Start()
	defer queue.Stop()

	ledgerSvc := ledger.NewService(st, balanceCache, queue, logger)

	handler := api.NewHandler(ledgerSvc, st, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.LoggingMiddleware(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates the process logger: pretty console output in
// development, JSON in production.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "stella-api").
		Str("environment", environment).
		Logger()
}
