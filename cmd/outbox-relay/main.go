// Package main is the entry point for the outbox relay — it drains committed
// domain events from the outbox table onto the per-vertical domain streams.
//
// Dependencies:
//   - Postgres: outbox
//   - Redis streams: publishes events:<vertical>
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/config"
	"github.com/basecommerce/platform/internal/relay"
	"github.com/basecommerce/platform/internal/streams"
	"github.com/basecommerce/platform/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "outbox-relay", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bad DATABASE_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("Postgres connected")

	bus, err := streams.NewClient(cfg.RedisURL, cfg.StreamMaxLen, logger)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer bus.Close()
	if err := bus.Ping(context.Background()); err != nil {
		logger.Fatal("Redis ping failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := relay.New(relay.NewStore(pool), bus, relay.Options{
		BatchSize:         cfg.RelayBatchSize,
		PollIntervalEmpty: cfg.RelayPollIntervalEmpty,
		PollIntervalBusy:  cfg.RelayPollIntervalBusy,
	}, logger)

	if err := r.Run(ctx); err != nil {
		logger.Fatal("relay terminated", zap.Error(err))
	}
	logger.Info("outbox-relay shut down cleanly")
}
