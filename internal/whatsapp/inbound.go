package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
)

// InboundHandler processes customer messages and provider status callbacks
// from the inbound stream.
type InboundHandler struct {
	store    Store
	producer *Producer
	log      *zap.Logger
}

func NewInboundHandler(store Store, producer *Producer, logger *zap.Logger) *InboundHandler {
	return &InboundHandler{store: store, producer: producer, log: logger}
}

// Handle applies one inbound envelope. ack=true means the caller should
// acknowledge; err non-nil leaves the message pending for reclaim.
func (h *InboundHandler) Handle(ctx context.Context, env *contracts.Envelope) (ack bool, err error) {
	if isTrue(env.Payload["is_status_update"]) {
		return h.handleStatusUpdate(ctx, env)
	}
	return h.handleMessage(ctx, env)
}

func (h *InboundHandler) handleStatusUpdate(ctx context.Context, env *contracts.Envelope) (bool, error) {
	providerID, _ := env.Payload["provider_message_id"].(string)
	status, _ := env.Payload["status"].(string)
	errorCode, _ := env.Payload["error_code"].(string)
	if providerID == "" || status == "" {
		h.log.Warn("status update without id or status",
			zap.String("event_id", env.EventID.String()))
		return true, nil
	}

	found, err := h.store.UpdateMessageStatus(ctx, providerID, status, errorCode)
	if err != nil {
		return false, err
	}
	if !found {
		h.log.Debug("status update for unknown message",
			zap.String("provider_message_id", providerID),
			zap.String("status", status))
		return true, nil
	}

	switch status {
	case MsgFailed:
		err = h.producer.PublishDomainEvent(ctx, contracts.EventWhatsAppDeliveryFailed,
			env.TenantID, env.Vertical, map[string]any{
				"provider_message_id": providerID,
				"error_code":          errorCode,
			})
	case MsgDelivered, MsgRead:
		err = h.producer.PublishDomainEvent(ctx, contracts.EventWhatsAppDeliveryConfirmed,
			env.TenantID, env.Vertical, map[string]any{
				"provider_message_id": providerID,
				"status":              status,
			})
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// inboundEffects collects stream output decided inside the inbound
// transaction. It is flushed only after the commit, so a rollback publishes
// nothing.
type inboundEffects struct {
	events  []domainEvent
	replies []AutoReply
}

type domainEvent struct {
	eventType string
	payload   map[string]any
}

// handleMessage records the message and its automation effects in one
// transaction, then publishes and acks. A failure anywhere before the commit
// rolls everything back, so a redelivery reprocesses the message from
// scratch instead of finding a half-applied row.
func (h *InboundHandler) handleMessage(ctx context.Context, env *contracts.Envelope) (bool, error) {
	providerID, _ := env.Payload["provider_message_id"].(string)
	fromPhone, _ := env.Payload["from_phone"].(string)
	profileName, _ := env.Payload["profile_name"].(string)
	text, _ := env.Payload["text"].(string)
	buttonPayload, _ := env.Payload["button_payload"].(string)
	messageType, _ := env.Payload["message_type"].(string)
	if messageType == "" {
		messageType = "text"
	}
	if providerID == "" || fromPhone == "" {
		h.log.Warn("inbound without provider id or phone",
			zap.String("event_id", env.EventID.String()))
		return true, nil
	}

	seen, err := h.store.MessageSeen(ctx, providerID)
	if err != nil {
		return false, err
	}
	if seen {
		h.log.Debug("duplicate inbound skipped",
			zap.String("provider_message_id", providerID))
		return true, nil
	}

	detection := Detect(text, buttonPayload)

	var fx inboundEffects
	err = h.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		conv, created, err := tx.GetOrCreateConversation(ctx, env.TenantID, fromPhone, profileName)
		if err != nil {
			return fmt.Errorf("conversation for %s: %w", fromPhone, err)
		}

		if err := tx.InsertMessage(ctx, &Message{
			TenantID:          env.TenantID,
			ConversationID:    conv.ID,
			Direction:         DirectionIn,
			ProviderMessageID: providerID,
			Status:            MsgDelivered,
			MessageType:       messageType,
			Body:              text,
		}); err != nil {
			return err
		}
		at := env.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := tx.RecordInbound(ctx, conv.ID, at); err != nil {
			return err
		}

		switch detection.Kind {
		case DetectOptOut:
			return h.applyOptOut(ctx, tx, env, conv, fromPhone, &fx)
		case DetectIntent:
			return h.applyIntent(ctx, tx, conv, fromPhone, text, detection.Intent, &fx)
		default:
			return h.applyAutoReply(ctx, tx, env, conv, created, &fx)
		}
	})
	if err != nil {
		return false, err
	}

	for _, ev := range fx.events {
		if err := h.producer.PublishDomainEvent(ctx, ev.eventType, env.TenantID, env.Vertical, ev.payload); err != nil {
			return false, err
		}
	}
	for _, reply := range fx.replies {
		if err := h.queueReply(ctx, env, fromPhone, reply); err != nil {
			return false, err
		}
	}
	if detection.Kind == DetectOptOut {
		h.log.Info("customer opted out",
			zap.String("tenant_id", env.TenantID.String()),
			zap.String("phone", fromPhone))
	}
	return true, nil
}

func (h *InboundHandler) applyOptOut(ctx context.Context, tx Store, env *contracts.Envelope, conv *Conversation, phone string, fx *inboundEffects) error {
	if err := tx.UpsertOptout(ctx, env.TenantID, phone); err != nil {
		return err
	}
	if err := tx.SetConversationState(ctx, conv.ID, ConvOptedOut, StateOptedOut); err != nil {
		return err
	}
	fx.events = append(fx.events, domainEvent{
		eventType: contracts.EventWhatsAppCustomerOptedOut,
		payload: map[string]any{
			"customer_phone":  phone,
			"conversation_id": conv.ID.String(),
		},
	})
	return nil
}

func (h *InboundHandler) applyIntent(ctx context.Context, tx Store, conv *Conversation, phone, text, intent string, fx *inboundEffects) error {
	status, state := ConvActive, StateProcessing
	switch intent {
	case IntentQuote:
		state = StateQuoteFlow
	case IntentOrderStatus:
		state = StateOrderStatusFlow
	case IntentTalkToHuman:
		status, state = ConvHumanAssigned, StateHumanRequested
	}
	if err := tx.SetConversationState(ctx, conv.ID, status, state); err != nil {
		return err
	}

	fx.events = append(fx.events, domainEvent{
		eventType: contracts.EventWhatsAppActionRequested,
		payload: map[string]any{
			"intent":          intent,
			"customer_phone":  phone,
			"conversation_id": conv.ID.String(),
			"text":            text,
		},
	})
	if intent == IntentTalkToHuman {
		fx.replies = append(fx.replies, BuildAutoReply(ReplyHumanRequested, conv.CustomerName))
	}
	return nil
}

func (h *InboundHandler) applyAutoReply(ctx context.Context, tx Store, env *contracts.Envelope, conv *Conversation, created bool, fx *inboundEffects) error {
	autoReplyEnabled := false
	binding, err := tx.BindingForTenant(ctx, env.TenantID)
	switch {
	case err == nil:
		autoReplyEnabled = binding.AutoReplyEnabled
	case errors.Is(err, ErrBindingNotFound):
		// No binding means nothing to reply with; the inbound itself is
		// still recorded.
	default:
		return err
	}

	if reply, ok := ChooseAutoReply(created, autoReplyEnabled, conv.CustomerName); ok {
		fx.replies = append(fx.replies, reply)
	}
	return nil
}

func (h *InboundHandler) queueReply(ctx context.Context, env *contracts.Envelope, phone string, reply AutoReply) error {
	payload := map[string]any{
		"to_phone":     phone,
		"message_type": "text",
		"body":         reply.Body,
		"reply_type":   reply.Type,
	}
	if len(reply.Buttons) > 0 {
		payload["message_type"] = "interactive"
		buttons := make([]any, 0, len(reply.Buttons))
		for _, b := range reply.Buttons {
			buttons = append(buttons, map[string]any{"id": b.ID, "title": b.Title})
		}
		payload["buttons"] = buttons
	}
	return h.producer.PublishOutbound(ctx, env.TenantID, env.Vertical, payload)
}

func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	default:
		return false
	}
}
