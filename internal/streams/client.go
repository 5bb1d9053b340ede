// Package streams wraps Redis Streams with the small operation set the
// pipeline needs: append, consumer-group reads, acknowledge, pending listing
// and claim. Every long-running process owns one Client for its lifetime.
package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
)

// Message is one stream entry: the bus-assigned id plus the flat field record.
type Message struct {
	ID     string
	Fields map[string]any
}

// PendingInfo describes one delivered-but-unacknowledged entry.
type PendingInfo struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Client wraps a Redis connection for stream operations.
type Client struct {
	rdb    *redis.Client
	maxLen int64
	log    *zap.Logger
}

// NewClient connects to Redis at the given URL. maxLen bounds stream length
// on append (approximate trim); zero disables trimming.
func NewClient(url string, maxLen int64, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	logger.Info("redis connected", zap.String("addr", opts.Addr))
	return &Client{rdb: rdb, maxLen: maxLen, log: logger}, nil
}

// NewClientFromRedis wraps an existing Redis connection (used by tests).
func NewClientFromRedis(rdb *redis.Client, maxLen int64, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, maxLen: maxLen, log: logger}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity; workers fail startup on error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Append publishes a flat field record to the stream and returns the
// bus-assigned monotonic message id. Streams are trimmed to roughly maxLen
// entries from the head.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// AppendEnvelope serializes an envelope and appends it to the stream.
func (c *Client) AppendEnvelope(ctx context.Context, stream string, env *contracts.Envelope) (string, error) {
	fields, err := env.StreamFields()
	if err != nil {
		return "", err
	}
	id, err := c.Append(ctx, stream, fields)
	if err != nil {
		return "", err
	}
	c.log.Debug("envelope published",
		zap.String("stream", stream),
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID.String()),
		zap.String("msg_id", id),
	)
	return id, nil
}

// EnsureGroup idempotently creates a consumer group on the stream, creating
// the stream itself if needed. startID "0" replays history, "$" delivers new
// entries only. Returns true when the group was created on this call.
func (c *Client) EnsureGroup(ctx context.Context, stream, group, startID string) (bool, error) {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return false, nil
		}
		return false, fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	c.log.Info("consumer group created",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("start_id", startID),
	)
	return true, nil
}

// ReadGroup reads up to count new messages for the consumer, blocking up to
// block when the stream is empty. An empty slice (nil error) means the block
// timed out with nothing to deliver.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Fields: m.Values})
		}
	}
	return msgs, nil
}

// Ack acknowledges a delivered message, removing it from the group's pending
// list. Returns the number of entries acknowledged (0 or 1).
func (c *Client) Ack(ctx context.Context, stream, group, msgID string) (int64, error) {
	n, err := c.rdb.XAck(ctx, stream, group, msgID).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s/%s %s: %w", stream, group, msgID, err)
	}
	return n, nil
}

// ListPending returns up to count pending entries idle for at least minIdle.
func (c *Client) ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingInfo, error) {
	entries, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	infos := make([]PendingInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, PendingInfo{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return infos, nil
}

// Claim atomically transfers ownership of the given pending message ids to
// consumer, provided they have been idle for at least minIdle, and returns
// the reassigned messages with their fields.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, msgIDs []string) ([]Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	res, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: msgIDs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}

	msgs := make([]Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, Message{ID: m.ID, Fields: m.Values})
	}
	return msgs, nil
}

// PendingCount returns the number of unacknowledged entries in the group.
func (c *Client) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	p, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending summary %s/%s: %w", stream, group, err)
	}
	return p.Count, nil
}

// StreamLen returns the current number of entries in the stream.
func (c *Client) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}
