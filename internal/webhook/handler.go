// Package webhook is the HTTP ingress for provider callbacks: it validates,
// parses, resolves the tenant and republishes onto the inbound stream.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/whatsapp"
	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

// Handler serves the webhook endpoints. One adapter per provider tag is held
// for signature validation and parsing; send credentials are not needed here.
type Handler struct {
	store    whatsapp.Store
	producer *whatsapp.Producer
	adapters map[string]provider.Provider
	vertical string
	log      *zap.Logger
}

// NewHandler wires the ingress. cfg supplies the app secret, verify token
// and shared Evolution key used to check callbacks.
func NewHandler(store whatsapp.Store, producer *whatsapp.Producer, cfg provider.Config, vertical string, logger *zap.Logger) *Handler {
	if cfg.APIKey == "" {
		logger.Warn("evolution webhook key not configured; evolution callbacks will be rejected")
	}
	return &Handler{
		store:    store,
		producer: producer,
		adapters: map[string]provider.Provider{
			provider.NameMeta:      provider.NewMeta(cfg),
			provider.NameEvolution: provider.NewEvolution(cfg),
		},
		vertical: vertical,
		log:      logger,
	}
}

// Verify answers the provider's GET subscription handshake.
func (h *Handler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	echoBack, ok := h.adapters[provider.NameMeta].VerifyWebhookChallenge(mode, token, challenge)
	if !ok {
		h.log.Warn("webhook verification rejected", zap.String("mode", mode))
		return c.NoContent(http.StatusForbidden)
	}
	return c.String(http.StatusOK, echoBack)
}

// Receive handles a POST callback. Policy: signature failure is 403,
// non-JSON is 400, everything else is 200 — even when some items failed —
// so the provider never retries duplicates forever.
func (h *Handler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	tag := provider.Detect(body)
	if tag == "" {
		h.log.Warn("webhook with unrecognized payload shape")
		return c.NoContent(http.StatusBadRequest)
	}
	adapter := h.adapters[tag]

	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if tag == provider.NameEvolution {
		signature = c.Request().Header.Get("apikey")
	}
	if !adapter.ValidateWebhookSignature(body, signature) {
		h.log.Warn("webhook signature rejected", zap.String("provider", tag))
		return c.NoContent(http.StatusForbidden)
	}

	result, err := adapter.ParseWebhook(body)
	if err != nil {
		h.log.Warn("webhook parse failed", zap.String("provider", tag), zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}

	binding, err := h.resolveBinding(c.Request().Context(), tag, result.RoutingID)
	if err != nil {
		if errors.Is(err, whatsapp.ErrBindingNotFound) {
			h.log.Warn("webhook for unbound routing id",
				zap.String("provider", tag),
				zap.String("routing_id", result.RoutingID))
			return c.NoContent(http.StatusOK)
		}
		h.log.Error("binding lookup failed", zap.Error(err))
		return c.NoContent(http.StatusOK)
	}

	h.publish(c.Request().Context(), binding, result)
	return c.NoContent(http.StatusOK)
}

func (h *Handler) resolveBinding(ctx context.Context, tag, routingID string) (*whatsapp.Binding, error) {
	if routingID == "" {
		return nil, whatsapp.ErrBindingNotFound
	}
	if tag == provider.NameEvolution {
		return h.store.BindingByInstanceName(ctx, routingID)
	}
	return h.store.BindingByPhoneNumberID(ctx, routingID)
}

// publish fans every parsed item onto the inbound stream. Per-item failures
// log and continue; the HTTP response stays 200 either way.
func (h *Handler) publish(ctx context.Context, binding *whatsapp.Binding, result provider.WebhookResult) {
	for _, msg := range result.Messages {
		err := h.producer.PublishInbound(ctx, binding.TenantID, h.vertical, msg.ProviderMessageID, map[string]any{
			"provider_message_id": msg.ProviderMessageID,
			"from_phone":          msg.FromPhone,
			"profile_name":        msg.ProfileName,
			"message_type":        msg.Type,
			"text":                msg.Text,
			"button_payload":      msg.ButtonPayload,
			"media_id":            msg.MediaID,
		})
		if err != nil {
			h.log.Error("inbound publish failed",
				zap.String("provider_message_id", msg.ProviderMessageID),
				zap.Error(err))
		}
	}
	for _, st := range result.Statuses {
		err := h.producer.PublishInbound(ctx, binding.TenantID, h.vertical, st.ProviderMessageID, map[string]any{
			"is_status_update":    true,
			"provider_message_id": st.ProviderMessageID,
			"recipient_phone":     st.RecipientPhone,
			"status":              st.Status,
			"error_code":          st.ErrorCode,
		})
		if err != nil {
			h.log.Error("status publish failed",
				zap.String("provider_message_id", st.ProviderMessageID),
				zap.Error(err))
		}
	}
}
