package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/credentials"
	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

// Outbound outcome statuses.
const (
	OutSent           = "sent"
	OutSkippedOptOut  = "skipped:opted_out"
	OutSkippedBinding = "skipped:no_binding"
	OutSkippedInvalid = "skipped:invalid"
	OutRetry          = "retry"
	OutDeadLettered   = "dead_lettered"
)

// Outcome tells the read loop what to do with the bus message.
type Outcome struct {
	Ack    bool
	Status string
}

// ProviderFactory builds an adapter from a tag and config.
type ProviderFactory func(name string, cfg provider.Config) (provider.Provider, error)

// OutboundHandler dispatches queued messages through the tenant's provider.
// Adapters are cached per binding and live as long as the handler; Close
// releases them on shutdown.
type OutboundHandler struct {
	store      Store
	producer   *Producer
	cipher     *credentials.Cipher
	factory    ProviderFactory
	maxRetries int
	log        *zap.Logger

	mu        sync.Mutex
	providers map[uuid.UUID]provider.Provider
}

func NewOutboundHandler(store Store, producer *Producer, cipher *credentials.Cipher, factory ProviderFactory, maxRetries int, logger *zap.Logger) *OutboundHandler {
	if factory == nil {
		factory = provider.New
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OutboundHandler{
		store:      store,
		producer:   producer,
		cipher:     cipher,
		factory:    factory,
		maxRetries: maxRetries,
		log:        logger,
		providers:  map[uuid.UUID]provider.Provider{},
	}
}

// Close releases every cached provider adapter.
func (h *OutboundHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.providers {
		if err := p.Close(); err != nil {
			h.log.Warn("provider close failed", zap.String("binding_id", id.String()), zap.Error(err))
		}
	}
	h.providers = map[uuid.UUID]provider.Provider{}
}

// Handle sends one outbound envelope. A non-acked outcome leaves the message
// pending so reclaim redelivers it; the worker feeds the delivery count back
// through the envelope's retry metadata.
func (h *OutboundHandler) Handle(ctx context.Context, env *contracts.Envelope) (Outcome, error) {
	toPhone, _ := env.Payload["to_phone"].(string)
	if toPhone == "" {
		h.log.Warn("outbound without to_phone", zap.String("event_id", env.EventID.String()))
		return Outcome{Ack: true, Status: OutSkippedInvalid}, nil
	}

	optedOut, err := h.store.IsOptedOut(ctx, env.TenantID, toPhone)
	if err != nil {
		return Outcome{}, err
	}
	if optedOut {
		h.log.Info("outbound blocked by opt-out",
			zap.String("tenant_id", env.TenantID.String()),
			zap.String("phone", toPhone))
		return Outcome{Ack: true, Status: OutSkippedOptOut}, nil
	}

	binding, err := h.store.BindingForTenant(ctx, env.TenantID)
	if errors.Is(err, ErrBindingNotFound) {
		h.log.Warn("outbound without tenant binding",
			zap.String("tenant_id", env.TenantID.String()))
		return Outcome{Ack: true, Status: OutSkippedBinding}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	adapter, err := h.adapterFor(binding)
	if err != nil {
		// Bad credentials are a configuration failure: terminal, no loop.
		h.log.Error("provider setup failed",
			zap.String("tenant_id", env.TenantID.String()),
			zap.Error(err))
		return Outcome{Ack: true, Status: OutSkippedInvalid}, nil
	}

	conv, _, err := h.store.GetOrCreateConversation(ctx, env.TenantID, toPhone, "")
	if err != nil {
		return Outcome{}, err
	}

	messageType, _ := env.Payload["message_type"].(string)
	body, _ := env.Payload["body"].(string)
	eventID := env.EventID
	msg := &Message{
		TenantID:       env.TenantID,
		ConversationID: conv.ID,
		Direction:      DirectionOut,
		Status:         MsgPending,
		MessageType:    messageType,
		Body:           body,
		EventID:        &eventID,
	}
	// The pending row goes in before the provider call; a crash mid-send
	// leaves a recoverable trace. No transaction spans the network call.
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		return Outcome{}, err
	}

	resp := h.send(ctx, adapter, env, toPhone, messageType, body)
	if resp.Success {
		if err := h.store.MarkMessageSent(ctx, msg.ID, resp.MessageID); err != nil {
			return Outcome{}, err
		}
		if err := h.store.RecordOutbound(ctx, conv.ID, time.Now().UTC()); err != nil {
			return Outcome{}, err
		}
		return Outcome{Ack: true, Status: OutSent}, nil
	}

	return h.handleSendFailure(ctx, env, msg, toPhone, resp)
}

func (h *OutboundHandler) send(ctx context.Context, adapter provider.Provider, env *contracts.Envelope, toPhone, messageType, body string) provider.Response {
	var resp provider.Response
	var err error
	switch messageType {
	case "template":
		templateName, _ := env.Payload["template_name"].(string)
		language, _ := env.Payload["language"].(string)
		resp, err = adapter.SendTemplate(ctx, toPhone, templateName, language, asStrings(env.Payload["variables"]))
	case "interactive":
		resp, err = adapter.SendInteractive(ctx, toPhone, body, asButtons(env.Payload["buttons"]))
	default:
		resp, err = adapter.SendText(ctx, toPhone, body)
	}
	if err != nil {
		return provider.Response{Retryable: true, ErrorCode: "transport", Error: err.Error()}
	}
	return resp
}

func (h *OutboundHandler) handleSendFailure(ctx context.Context, env *contracts.Envelope, msg *Message, toPhone string, resp provider.Response) (Outcome, error) {
	sendErr := fmt.Sprintf("%s: %s", resp.ErrorCode, resp.Error)
	if err := h.store.MarkMessageFailed(ctx, msg.ID, sendErr); err != nil {
		return Outcome{}, err
	}
	if err := h.producer.PublishDomainEvent(ctx, contracts.EventWhatsAppDeliveryFailed,
		env.TenantID, env.Vertical, map[string]any{
			"to_phone":   toPhone,
			"event_id":   env.EventID.String(),
			"error_code": resp.ErrorCode,
			"error":      resp.Error,
			"retryable":  resp.Retryable,
		}); err != nil {
		return Outcome{}, err
	}

	attempt := env.RetryCount() + 1
	if resp.Retryable && attempt < h.maxRetries {
		h.log.Warn("send failed, left pending for retry",
			zap.String("event_id", env.EventID.String()),
			zap.Int("attempt", attempt),
			zap.String("error", sendErr))
		return Outcome{Ack: false, Status: OutRetry}, nil
	}

	if err := h.producer.PublishDLQ(ctx, env, sendErr); err != nil {
		return Outcome{}, err
	}
	return Outcome{Ack: true, Status: OutDeadLettered}, nil
}

// adapterFor returns the cached provider for the binding, building it from
// the decrypted credentials on first use.
func (h *OutboundHandler) adapterFor(binding *Binding) (provider.Provider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.providers[binding.ID]; ok {
		return p, nil
	}

	cfg := provider.Config{
		PhoneNumberID: binding.PhoneNumberID,
		InstanceName:  binding.InstanceName,
	}
	if binding.Credentials != "" {
		if h.cipher == nil {
			return nil, errors.New("binding has credentials but no cipher configured")
		}
		plain, err := h.cipher.Decrypt(binding.Credentials)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
		var creds struct {
			AccessToken string `json:"access_token"`
			APIKey      string `json:"api_key"`
			BaseURL     string `json:"base_url"`
		}
		if err := json.Unmarshal([]byte(plain), &creds); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
		cfg.AccessToken = creds.AccessToken
		cfg.APIKey = creds.APIKey
		cfg.BaseURL = creds.BaseURL
	}

	p, err := h.factory(binding.Provider, cfg)
	if err != nil {
		return nil, err
	}
	h.providers[binding.ID] = p
	return p, nil
}

func asStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(item))
		}
	}
	return out
}

func asButtons(v any) []provider.Button {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]provider.Button, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		title, _ := m["title"].(string)
		out = append(out, provider.Button{ID: id, Title: title})
	}
	return out
}
