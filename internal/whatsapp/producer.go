package whatsapp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
)

// EnvelopeAppender is the slice of the bus client the producer needs.
type EnvelopeAppender interface {
	AppendEnvelope(ctx context.Context, stream string, env *contracts.Envelope) (string, error)
}

// Producer publishes messaging envelopes to the right streams.
type Producer struct {
	bus          EnvelopeAppender
	domainStream string
	log          *zap.Logger
}

func NewProducer(bus EnvelopeAppender, domainStream string, logger *zap.Logger) *Producer {
	return &Producer{bus: bus, domainStream: domainStream, log: logger}
}

// PublishInbound puts a parsed customer message on the inbound stream.
// correlationID is the provider message id.
func (p *Producer) PublishInbound(ctx context.Context, tenantID uuid.UUID, vertical, correlationID string, payload map[string]any) error {
	env := contracts.NewEnvelope(contracts.EventWhatsAppInboundReceived, tenantID, vertical, payload)
	env.CorrelationID = correlationID
	_, err := p.bus.AppendEnvelope(ctx, streams.StreamWhatsAppInbound, env)
	return err
}

// PublishOutbound queues a message for the outbound dispatch loop.
func (p *Producer) PublishOutbound(ctx context.Context, tenantID uuid.UUID, vertical string, payload map[string]any) error {
	env := contracts.NewEnvelope(contracts.EventWhatsAppOutboundQueued, tenantID, vertical, payload)
	_, err := p.bus.AppendEnvelope(ctx, streams.StreamWhatsAppOutbound, env)
	return err
}

// PublishDomainEvent emits a messaging-originated event (action requested,
// opt-out, delivery failed/confirmed) on the shared domain stream. The
// engines group ignores unknown types, so this is safe by contract.
func (p *Producer) PublishDomainEvent(ctx context.Context, eventType string, tenantID uuid.UUID, vertical string, payload map[string]any) error {
	env := contracts.NewEnvelope(eventType, tenantID, vertical, payload)
	_, err := p.bus.AppendEnvelope(ctx, p.domainStream, env)
	return err
}

// PublishDLQ parks an exhausted envelope on the dead-letter stream. The DLQ
// payload embeds the full original envelope plus the final error.
func (p *Producer) PublishDLQ(ctx context.Context, original *contracts.Envelope, sendErr string) error {
	env := contracts.NewEnvelope(contracts.EventWhatsAppDLQEntry, original.TenantID, original.Vertical, map[string]any{
		"original_event": original.ToMap(),
		"error":          sendErr,
		"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	env.CorrelationID = original.EventID.String()
	if _, err := p.bus.AppendEnvelope(ctx, streams.StreamWhatsAppDLQ, env); err != nil {
		return err
	}
	p.log.Warn("envelope moved to DLQ",
		zap.String("event_id", original.EventID.String()),
		zap.String("event_type", original.EventType),
		zap.String("error", sendErr),
	)
	return nil
}
