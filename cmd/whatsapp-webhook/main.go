// Package main is the entry point for the whatsapp webhook ingress — it
// validates provider callbacks, resolves the tenant and republishes inbound
// messages and delivery statuses onto the inbound stream.
//
// Dependencies:
//   - Postgres: tenant_bindings (read-only)
//   - Redis streams: publishes bc:whatsapp:inbound
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/config"
	"github.com/basecommerce/platform/internal/streams"
	"github.com/basecommerce/platform/internal/telemetry"
	"github.com/basecommerce/platform/internal/webhook"
	"github.com/basecommerce/platform/internal/whatsapp"
	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	if cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "whatsapp-webhook", cfg.OTELEndpoint)
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

	store := whatsapp.NewRepository(pool)
	producer := whatsapp.NewProducer(bus, cfg.EnginesStreamName, logger)

	vertical := streams.VerticalFromStream(cfg.EnginesStreamName)
	handler := webhook.NewHandler(store, producer, provider.Config{
		AppSecret:   cfg.WhatsAppAppSecret,
		VerifyToken: cfg.WhatsAppVerifyToken,
		APIKey:      cfg.EvolutionAPIKey,
	}, vertical, logger)

	e := webhook.NewServer(handler, logger)

	go func() {
		logger.Info("whatsapp-webhook listening", zap.String("addr", cfg.WebhookListenAddr))
		if err := e.Start(cfg.WebhookListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("whatsapp-webhook shut down cleanly")
}
