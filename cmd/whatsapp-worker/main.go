// Package main is the entry point for the whatsapp worker — inbound handling,
// outbound dispatch with retries and DLQ, and templated notifications for
// domain events.
//
// Dependencies:
//   - Postgres: tenant_bindings, conversations, messages, optouts,
//     whatsapp_processed_events
//   - Redis streams: bc:whatsapp:inbound, bc:whatsapp:outbound,
//     bc:whatsapp:dlq, plus the domain stream under the notifier group
//   - Provider APIs: Meta Cloud or Evolution, per tenant binding
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
	"github.com/basecommerce/platform/internal/credentials"
	"github.com/basecommerce/platform/internal/streams"
	"github.com/basecommerce/platform/internal/telemetry"
	"github.com/basecommerce/platform/internal/whatsapp"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "whatsapp-worker", cfg.OTELEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "whatsapp-worker", cfg.OTELEndpoint)
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

	if err := bus.EnsureAll(context.Background(), streams.WhatsAppGroups(cfg.EnginesStreamName)); err != nil {
		logger.Fatal("consumer group provisioning failed", zap.Error(err))
	}

	var cipher *credentials.Cipher
	if cfg.CredentialEncryptKey != "" {
		cipher, err = credentials.NewSingleKeyCipher(cfg.CredentialEncryptKey)
		if err != nil {
			logger.Fatal("credential cipher init failed", zap.Error(err))
		}
	}

	store := whatsapp.NewRepository(pool)
	producer := whatsapp.NewProducer(bus, cfg.EnginesStreamName, logger)
	inbound := whatsapp.NewInboundHandler(store, producer, logger)
	outbound := whatsapp.NewOutboundHandler(store, producer, cipher, nil, cfg.MaxRetries, logger)
	notifier := whatsapp.NewNotifier(store, producer, logger)

	worker := whatsapp.NewWorker(bus, store, inbound, outbound, notifier, whatsapp.WorkerOptions{
		DomainStream:    cfg.EnginesStreamName,
		Consumer:        cfg.EnginesConsumerName,
		BatchSize:       cfg.BatchSize,
		Block:           cfg.Block,
		ReclaimInterval: cfg.ReclaimInterval,
		ReclaimIdle:     cfg.ReclaimIdle,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx)
	logger.Info("whatsapp-worker shut down cleanly")
}
