package engines

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
)

// Bus is the slice of the stream client the consumer needs.
type Bus interface {
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streams.Message, error)
	Ack(ctx context.Context, stream, group, msgID string) (int64, error)
	ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]streams.PendingInfo, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, msgIDs []string) ([]streams.Message, error)
}

// ConsumerOptions tunes the engines consume loop.
type ConsumerOptions struct {
	Stream          string
	Group           string
	Consumer        string
	BatchSize       int64
	Block           time.Duration
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
}

// Consumer runs the engines read loop plus a periodic pending-entry reclaim.
type Consumer struct {
	bus       Bus
	router    *Router
	opts      ConsumerOptions
	processed metric.Int64Counter
	log       *zap.Logger
}

func NewConsumer(bus Bus, router *Router, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	processed, _ := otel.Meter("engines-consumer").Int64Counter("engine_events_total",
		metric.WithDescription("Domain events handled by the engines consumer, by outcome status"))
	return &Consumer{bus: bus, router: router, opts: opts, processed: processed, log: logger}
}

// Run blocks until ctx is cancelled. One reclaim pass runs before the loop so
// messages stranded by a previous crash are picked up immediately.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("engines consumer started",
		zap.String("stream", c.opts.Stream),
		zap.String("group", c.opts.Group),
		zap.String("consumer", c.opts.Consumer),
	)

	c.reclaimOnce(ctx)

	ticker := time.NewTicker(c.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("engines consumer stopping")
			return
		case <-ticker.C:
			c.reclaimOnce(ctx)
		default:
		}

		msgs, err := c.bus.ReadGroup(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.BatchSize, c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("engines consumer stopping")
				return
			}
			c.log.Warn("read group failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message and acks it on every outcome except a
// transient processing error, which leaves it pending for reclaim.
func (c *Consumer) handle(ctx context.Context, msg streams.Message) {
	env, err := contracts.FromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		// Structurally invalid message: poison. Ack so it never blocks the
		// stream.
		c.log.Error("undecodable message acked",
			zap.String("msg_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		return
	}

	res, err := c.router.ProcessEnvelope(ctx, env)
	if err != nil {
		c.log.Warn("event processing failed, left pending",
			zap.String("msg_id", msg.ID),
			zap.String("event_id", env.EventID.String()),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return
	}

	c.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", env.EventType),
		attribute.String("status", res.Status),
	))
	c.log.Info("event handled",
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID.String()),
		zap.String("status", res.Status),
	)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	if _, err := c.bus.Ack(ctx, c.opts.Stream, c.opts.Group, msgID); err != nil {
		c.log.Warn("ack failed", zap.String("msg_id", msgID), zap.Error(err))
	}
}

// reclaimOnce claims messages pending longer than ReclaimIdle for this
// consumer. Claimed messages are processed immediately; idempotency protects
// against a concurrent owner finishing first.
func (c *Consumer) reclaimOnce(ctx context.Context) {
	pending, err := c.bus.ListPending(ctx, c.opts.Stream, c.opts.Group, c.opts.ReclaimIdle, c.opts.BatchSize)
	if err != nil {
		c.log.Warn("list pending failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := c.bus.Claim(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.ReclaimIdle, ids)
	if err != nil {
		c.log.Warn("claim failed", zap.Error(err))
		return
	}
	if len(claimed) > 0 {
		c.log.Info("reclaimed pending messages", zap.Int("count", len(claimed)))
	}
	for _, msg := range claimed {
		c.handle(ctx, msg)
	}
}
