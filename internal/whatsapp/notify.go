package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

// Notifier turns allow-listed domain events into customer notifications.
// This loop shares the domain stream with the engines group, so it is strictly
// best-effort: every envelope is acked after processing, success or not, and
// failures only log. It must never block the stream.
type Notifier struct {
	store    Store
	producer *Producer
	log      *zap.Logger
}

func NewNotifier(store Store, producer *Producer, logger *zap.Logger) *Notifier {
	return &Notifier{store: store, producer: producer, log: logger}
}

// Handle queues a notification for one domain envelope. The caller always
// acks regardless of the return value.
func (n *Notifier) Handle(ctx context.Context, env *contracts.Envelope) {
	templateName, ok := contracts.VerticalEventsToNotify[env.EventType]
	if !ok {
		return
	}

	done, err := n.store.IsProcessed(ctx, env.EventID)
	if err != nil {
		n.log.Warn("notifier idempotency check failed", zap.Error(err))
		return
	}
	if done {
		return
	}

	phone := extractPhone(env.Payload)
	if phone == "" {
		n.log.Info("notification without customer phone, skipped",
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID.String()))
		return
	}

	binding, err := n.store.BindingForTenant(ctx, env.TenantID)
	if err != nil {
		if !errors.Is(err, ErrBindingNotFound) {
			n.log.Warn("notifier binding lookup failed", zap.Error(err))
		}
		return
	}

	variables := templateVariables(env.EventType, env.Payload)
	payload := map[string]any{"to_phone": phone}
	if provider.SupportsTemplates(binding.Provider) {
		payload["message_type"] = "template"
		payload["template_name"] = templateName
		payload["language"] = "pt_BR"
		vars := make([]any, 0, len(variables))
		for _, v := range variables {
			vars = append(vars, v)
		}
		payload["variables"] = vars
	} else {
		payload["message_type"] = "text"
		payload["body"] = renderTextFallback(env.EventType, variables)
	}
	payload["source_event_id"] = env.EventID.String()
	payload["source_event_type"] = env.EventType

	if err := n.producer.PublishOutbound(ctx, env.TenantID, env.Vertical, payload); err != nil {
		n.log.Warn("notification enqueue failed",
			zap.String("event_id", env.EventID.String()),
			zap.Error(err))
		return
	}
	if err := n.store.InsertProcessedEvent(ctx, env.EventID, env.TenantID); err != nil &&
		!errors.Is(err, ErrAlreadyProcessed) {
		n.log.Warn("notifier processed-event insert failed", zap.Error(err))
		return
	}

	n.log.Info("notification queued",
		zap.String("event_type", env.EventType),
		zap.String("template", templateName),
		zap.String("phone", phone))
}

func extractPhone(payload map[string]any) string {
	for _, key := range []string{"customer_phone", "client_phone", "phone"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// templateVariables picks the template body parameters per event family.
func templateVariables(eventType string, payload map[string]any) []string {
	str := func(keys ...string) string {
		for _, k := range keys {
			switch v := payload[k].(type) {
			case string:
				if v != "" {
					return v
				}
			case float64:
				return fmt.Sprintf("%.2f", v)
			}
		}
		return ""
	}

	switch eventType {
	case contracts.EventQuoteCreated:
		return []string{str("quote_number", "quote_id"), str("total_value")}
	case contracts.EventOrderCreated:
		return []string{str("order_number", "order_id"), str("total_value")}
	case contracts.EventOrderStatusChanged:
		return []string{str("order_number", "order_id"), str("new_status", "status")}
	case contracts.EventDeliveryStarted:
		return []string{str("order_number", "order_id"), str("eta", "estimated_delivery")}
	case contracts.EventDeliveryCompleted:
		return []string{str("order_number", "order_id")}
	default:
		return nil
	}
}

// renderTextFallback formats a plain-text body for providers without native
// template messages.
func renderTextFallback(eventType string, vars []string) string {
	get := func(i int) string {
		if i < len(vars) && vars[i] != "" {
			return vars[i]
		}
		return "-"
	}
	switch eventType {
	case contracts.EventQuoteCreated:
		return fmt.Sprintf("Seu orçamento %s foi criado. Valor: R$ %s.", get(0), get(1))
	case contracts.EventOrderCreated:
		return fmt.Sprintf("Seu pedido %s foi confirmado. Valor: R$ %s.", get(0), get(1))
	case contracts.EventOrderStatusChanged:
		return fmt.Sprintf("Seu pedido %s mudou de status: %s.", get(0), get(1))
	case contracts.EventDeliveryStarted:
		return fmt.Sprintf("Seu pedido %s saiu para entrega. Previsão: %s.", get(0), get(1))
	case contracts.EventDeliveryCompleted:
		return fmt.Sprintf("Seu pedido %s foi entregue. Obrigado!", get(0))
	default:
		return "Você tem uma atualização do seu pedido."
	}
}
