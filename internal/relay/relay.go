package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
)

// Publisher is the slice of the bus client the relay needs.
type Publisher interface {
	AppendEnvelope(ctx context.Context, stream string, env *contracts.Envelope) (string, error)
}

// Options tunes the relay loop.
type Options struct {
	BatchSize         int
	PollIntervalEmpty time.Duration
	PollIntervalBusy  time.Duration
}

// Relay drains unpublished outbox rows onto the per-vertical domain streams.
// Multiple replicas run the same loop; SKIP LOCKED row locks partition the
// work between them.
type Relay struct {
	source OutboxSource
	bus    Publisher
	opts   Options
	log    *zap.Logger
}

func New(source OutboxSource, bus Publisher, opts Options, logger *zap.Logger) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollIntervalEmpty <= 0 {
		opts.PollIntervalEmpty = time.Second
	}
	if opts.PollIntervalBusy <= 0 {
		opts.PollIntervalBusy = 100 * time.Millisecond
	}
	return &Relay{source: source, bus: bus, opts: opts, log: logger}
}

// Run polls until ctx is cancelled. Empty polls back off exponentially up to
// 30 seconds; a nonempty batch resets the backoff and sleeps only briefly.
func (r *Relay) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.PollIntervalEmpty
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	r.log.Info("outbox relay started", zap.Int("batch_size", r.opts.BatchSize))
	for {
		n, err := r.RelayBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log.Warn("relay batch failed", zap.Error(err))
		}

		var sleep time.Duration
		if n > 0 {
			bo.Reset()
			sleep = r.opts.PollIntervalBusy
		} else {
			sleep = bo.NextBackOff()
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return nil
		case <-time.After(sleep):
		}
	}
	r.log.Info("outbox relay stopping")
	return nil
}

// RelayBatch publishes one batch of unpublished rows and returns how many
// were published. Rows whose append fails stay unpublished with an error
// note; the rest of the batch still commits.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	batch, err := r.source.BeginBatch(ctx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	rows := batch.Rows()
	if len(rows) == 0 {
		_ = batch.Rollback(ctx)
		return 0, nil
	}

	var published []int64
	for _, row := range rows {
		if row.DecodeErr != nil {
			r.log.Warn("outbox payload undecodable",
				zap.Int64("outbox_id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Error(row.DecodeErr),
			)
			if err := batch.MarkFailed(ctx, row.ID, row.DecodeErr); err != nil {
				_ = batch.Rollback(ctx)
				return 0, err
			}
			continue
		}
		env := &contracts.Envelope{
			EventID:    row.EventID,
			EventType:  row.EventType,
			TenantID:   row.TenantID,
			Vertical:   row.Vertical,
			OccurredAt: row.CreatedAt.UTC(),
			Version:    row.Version,
			Payload:    row.Payload,
			Metadata:   map[string]any{},
		}
		stream := streams.VerticalStream(row.Vertical)

		msgID, err := r.bus.AppendEnvelope(ctx, stream, env)
		if err != nil {
			r.log.Warn("outbox publish failed",
				zap.Int64("outbox_id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Error(err),
			)
			if err := batch.MarkFailed(ctx, row.ID, err); err != nil {
				_ = batch.Rollback(ctx)
				return 0, err
			}
			continue
		}
		r.log.Debug("outbox row relayed",
			zap.Int64("outbox_id", row.ID),
			zap.String("stream", stream),
			zap.String("msg_id", msgID),
		)
		published = append(published, row.ID)
	}

	if err := batch.MarkPublished(ctx, published); err != nil {
		_ = batch.Rollback(ctx)
		return 0, err
	}
	if err := batch.Commit(ctx); err != nil {
		// Commit failure after append means the rows will be re-relayed;
		// downstream idempotency absorbs the duplicates.
		return 0, err
	}

	if len(published) > 0 {
		r.log.Info("outbox batch relayed",
			zap.Int("published", len(published)),
			zap.Int("selected", len(rows)),
		)
	}
	return len(published), nil
}
