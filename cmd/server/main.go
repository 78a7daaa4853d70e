package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatline/internal/api"
	"github.com/eldtechnologies/chatline/internal/config"
	"github.com/eldtechnologies/chatline/internal/gateway"
	"github.com/eldtechnologies/chatline/internal/presence"
	"github.com/eldtechnologies/chatline/internal/router"
	"github.com/eldtechnologies/chatline/internal/store"
)

func main() {
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	ms, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store initialization failed")
	}
	defer ms.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("message store ready")

	reg := presence.NewRegistry()
	rt := router.New(ms, reg, logger, router.Options{MaxContentBytes: cfg.MaxMessageBytes})
	transport := gateway.NewTransport(rt, gateway.Config{
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  gateway.FrameBytesFor(cfg.MaxMessageBytes),
		OutboundBuffer: cfg.OutboundBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	handler := api.NewRouter(logger, api.Deps{
		Router:         rt,
		Store:          ms,
		Presence:       reg,
		Gateway:        transport,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Websocket connections clear these deadlines on upgrade and manage
	// their own.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting chatline server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := transport.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket sessions still open")
	}

	logger.Info().Msg("server stopped")
}

// openStore connects the configured backend, instrumented with latency
// metrics.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.MessageStore, error) {
	var (
		ms  store.MessageStore
		err error
	)
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		ms, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		ms, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
		ms, err = store.NewRedisStore(ctx, cfg.RedisURL)
	case config.BackendBadger:
		ms, err = store.NewBadgerStore(cfg.BadgerDir, logger)
	case config.BackendMemory:
		ms = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}
	return store.NewInstrumented(ms), nil
}
