package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
)

// Bus is the slice of the stream client the worker needs.
type Bus interface {
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streams.Message, error)
	Ack(ctx context.Context, stream, group, msgID string) (int64, error)
	ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]streams.PendingInfo, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, msgIDs []string) ([]streams.Message, error)
}

// WorkerOptions tunes the messaging worker loops.
type WorkerOptions struct {
	DomainStream    string
	Consumer        string
	BatchSize       int64
	Block           time.Duration
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
	// StaleAfter is how long a conversation may sit without traffic before
	// the cron closer moves it to closed.
	StaleAfter time.Duration
}

// Worker runs the three messaging consume loops (inbound, outbound,
// notifications), the pending-entry reclaimer and the stale-conversation
// cron. Loops are independent; they share nothing but the bus and the store.
type Worker struct {
	bus        Bus
	store      Store
	inbound    *InboundHandler
	outbound   *OutboundHandler
	notifier   *Notifier
	opts       WorkerOptions
	cron       *cron.Cron
	dispatched metric.Int64Counter
	log        *zap.Logger
}

func NewWorker(bus Bus, store Store, inbound *InboundHandler, outbound *OutboundHandler, notifier *Notifier, opts WorkerOptions, logger *zap.Logger) *Worker {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	dispatched, _ := otel.Meter("whatsapp-worker").Int64Counter("whatsapp_outbound_total",
		metric.WithDescription("Outbound dispatch outcomes, by status"))
	return &Worker{
		bus:        bus,
		store:      store,
		inbound:    inbound,
		outbound:   outbound,
		notifier:   notifier,
		opts:       opts,
		cron:       cron.New(),
		dispatched: dispatched,
		log:        logger,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight work and returns.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("whatsapp worker started",
		zap.String("consumer", w.opts.Consumer),
		zap.String("domain_stream", w.opts.DomainStream),
	)

	if _, err := w.cron.AddFunc("@hourly", func() { w.closeStale(ctx) }); err != nil {
		w.log.Error("cron registration failed", zap.Error(err))
	}
	w.cron.Start()

	w.reclaimOnce(ctx)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); w.inboundLoop(ctx) }()
	go func() { defer wg.Done(); w.outboundLoop(ctx) }()
	go func() { defer wg.Done(); w.notifierLoop(ctx) }()
	go func() { defer wg.Done(); w.reclaimLoop(ctx) }()
	wg.Wait()

	cronCtx := w.cron.Stop()
	<-cronCtx.Done()
	w.outbound.Close()
	w.log.Info("whatsapp worker stopped")
}

func (w *Worker) inboundLoop(ctx context.Context) {
	w.consumeLoop(ctx, streams.StreamWhatsAppInbound, streams.GroupWhatsAppEngine, func(msg streams.Message) {
		w.handleInbound(ctx, msg)
	})
}

func (w *Worker) outboundLoop(ctx context.Context) {
	w.consumeLoop(ctx, streams.StreamWhatsAppOutbound, streams.GroupWhatsAppEngine, func(msg streams.Message) {
		// Fresh deliveries are attempt one; reclaimed deliveries carry their
		// count through handleOutbound's retry parameter.
		w.handleOutbound(ctx, msg, 0)
	})
}

func (w *Worker) notifierLoop(ctx context.Context) {
	w.consumeLoop(ctx, w.opts.DomainStream, streams.GroupWhatsAppNotifier, func(msg streams.Message) {
		w.handleNotification(ctx, msg)
	})
}

func (w *Worker) consumeLoop(ctx context.Context, stream, group string, handle func(streams.Message)) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.bus.ReadGroup(ctx, stream, group, w.opts.Consumer, w.opts.BatchSize, w.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("read group failed",
				zap.String("stream", stream),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			handle(msg)
		}
	}
}

func (w *Worker) handleInbound(ctx context.Context, msg streams.Message) {
	env, err := contracts.FromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		w.log.Error("undecodable inbound acked", zap.String("msg_id", msg.ID), zap.Error(err))
		w.ack(ctx, streams.StreamWhatsAppInbound, streams.GroupWhatsAppEngine, msg.ID)
		return
	}
	ack, err := w.inbound.Handle(ctx, env)
	if err != nil {
		w.log.Warn("inbound handling failed, left pending",
			zap.String("msg_id", msg.ID),
			zap.Error(err))
		return
	}
	if ack {
		w.ack(ctx, streams.StreamWhatsAppInbound, streams.GroupWhatsAppEngine, msg.ID)
	}
}

func (w *Worker) handleOutbound(ctx context.Context, msg streams.Message, retryCount int) {
	env, err := contracts.FromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		w.log.Error("undecodable outbound acked", zap.String("msg_id", msg.ID), zap.Error(err))
		w.ack(ctx, streams.StreamWhatsAppOutbound, streams.GroupWhatsAppEngine, msg.ID)
		return
	}
	if retryCount > env.RetryCount() {
		env.WithRetryCount(retryCount)
	}

	outcome, err := w.outbound.Handle(ctx, env)
	if err != nil {
		w.log.Warn("outbound handling failed, left pending",
			zap.String("msg_id", msg.ID),
			zap.Error(err))
		return
	}
	w.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome.Status)))
	w.log.Info("outbound handled",
		zap.String("event_id", env.EventID.String()),
		zap.String("status", outcome.Status))
	if outcome.Ack {
		w.ack(ctx, streams.StreamWhatsAppOutbound, streams.GroupWhatsAppEngine, msg.ID)
	}
}

func (w *Worker) handleNotification(ctx context.Context, msg streams.Message) {
	// This group shares the domain stream; never leave entries pending.
	defer w.ack(ctx, w.opts.DomainStream, streams.GroupWhatsAppNotifier, msg.ID)

	env, err := contracts.FromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		w.log.Error("undecodable notification acked", zap.String("msg_id", msg.ID), zap.Error(err))
		return
	}
	w.notifier.Handle(ctx, env)
}

func (w *Worker) ack(ctx context.Context, stream, group, msgID string) {
	if _, err := w.bus.Ack(ctx, stream, group, msgID); err != nil {
		w.log.Warn("ack failed",
			zap.String("stream", stream),
			zap.String("msg_id", msgID),
			zap.Error(err))
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaimOnce(ctx)
		}
	}
}

// reclaimOnce claims stale pending entries on the inbound and outbound
// streams and processes them immediately. The pending delivery count feeds
// the outbound retry budget.
func (w *Worker) reclaimOnce(ctx context.Context) {
	w.reclaimStream(ctx, streams.StreamWhatsAppInbound, func(msg streams.Message, deliveries int64) {
		w.handleInbound(ctx, msg)
	})
	w.reclaimStream(ctx, streams.StreamWhatsAppOutbound, func(msg streams.Message, deliveries int64) {
		// The pending count reflects deliveries before this claim, so it is
		// exactly the number of attempts already burned.
		w.handleOutbound(ctx, msg, int(deliveries))
	})
}

func (w *Worker) reclaimStream(ctx context.Context, stream string, handle func(streams.Message, int64)) {
	pending, err := w.bus.ListPending(ctx, stream, streams.GroupWhatsAppEngine, w.opts.ReclaimIdle, w.opts.BatchSize)
	if err != nil {
		w.log.Warn("list pending failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.DeliveryCount
	}

	claimed, err := w.bus.Claim(ctx, stream, streams.GroupWhatsAppEngine, w.opts.Consumer, w.opts.ReclaimIdle, ids)
	if err != nil {
		w.log.Warn("claim failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	if len(claimed) > 0 {
		w.log.Info("reclaimed pending messages",
			zap.String("stream", stream),
			zap.Int("count", len(claimed)))
	}
	for _, msg := range claimed {
		handle(msg, deliveries[msg.ID])
	}
}

func (w *Worker) closeStale(ctx context.Context) {
	n, err := w.store.CloseStaleConversations(ctx, time.Now().UTC().Add(-w.opts.StaleAfter))
	if err != nil {
		w.log.Warn("stale conversation sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("stale conversations closed", zap.Int64("count", n))
	}
}
