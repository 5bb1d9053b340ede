// Package main is the entry point for the engines worker — it consumes the
// domain stream and maintains the engine projections (facts, stock alerts,
// sales suggestions).
//
// Dependencies:
//   - Postgres: sales_facts, stock_facts, stock_alerts, sales_suggestions,
//     engine_processed_events
//   - Redis streams: consumes events:<vertical> under the engines group
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
	"github.com/basecommerce/platform/internal/engines"
	"github.com/basecommerce/platform/internal/engines/repository"
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
		tp, err := telemetry.InitTracer(context.Background(), "engines-worker", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "engines-worker", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("OTel meter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
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

	if _, err := bus.EnsureGroup(context.Background(), cfg.EnginesStreamName, cfg.EnginesGroupName, streams.StartReplay); err != nil {
		logger.Fatal("consumer group provisioning failed", zap.Error(err))
	}

	router := engines.NewRouter(repository.New(pool), logger)
	consumer := engines.NewConsumer(bus, router, engines.ConsumerOptions{
		Stream:          cfg.EnginesStreamName,
		Group:           cfg.EnginesGroupName,
		Consumer:        cfg.EnginesConsumerName,
		BatchSize:       cfg.BatchSize,
		Block:           cfg.Block,
		ReclaimInterval: cfg.ReclaimInterval,
		ReclaimIdle:     cfg.ReclaimIdle,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer.Run(ctx)
	logger.Info("engines-worker shut down cleanly")
}
