package whatsapp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
)

func notifierSetup(t *testing.T) (*memStore, *fakeAppender, *Notifier) {
	t.Helper()
	store := newMemStore()
	bus := newFakeAppender()
	producer := NewProducer(bus, testDomainStream, zaptest.NewLogger(t))
	return store, bus, NewNotifier(store, producer, zaptest.NewLogger(t))
}

func TestNotifierQueuesTemplateForMetaBinding(t *testing.T) {
	store, bus, n := notifierSetup(t)
	tenantID := uuid.New()
	store.bindings[tenantID] = &Binding{TenantID: tenantID, Provider: "meta", Active: true}

	env := contracts.NewEnvelope(contracts.EventQuoteCreated, tenantID, "materials", map[string]any{
		"quote_number":   "Q-2026-001",
		"total_value":    float64(1500),
		"customer_phone": "5511999990000",
	})
	n.Handle(context.Background(), env)

	queued := bus.byType(streams.StreamWhatsAppOutbound, contracts.EventWhatsAppOutboundQueued)
	require.Len(t, queued, 1)
	payload := queued[0].Payload
	assert.Equal(t, "5511999990000", payload["to_phone"])
	assert.Equal(t, "template", payload["message_type"])
	assert.Equal(t, "quote_created_template", payload["template_name"])
	assert.Equal(t, "pt_BR", payload["language"])
	assert.Equal(t, []any{"Q-2026-001", "1500.00"}, payload["variables"])
	assert.Equal(t, env.EventID.String(), payload["source_event_id"])

	done, err := store.IsProcessed(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestNotifierFallsBackToTextWithoutTemplates(t *testing.T) {
	store, bus, n := notifierSetup(t)
	tenantID := uuid.New()
	store.bindings[tenantID] = &Binding{TenantID: tenantID, Provider: "evolution", Active: true}

	env := contracts.NewEnvelope(contracts.EventOrderStatusChanged, tenantID, "materials", map[string]any{
		"order_number":   "O-77",
		"new_status":     "shipped",
		"customer_phone": "5511888880000",
	})
	n.Handle(context.Background(), env)

	queued := bus.byType(streams.StreamWhatsAppOutbound, contracts.EventWhatsAppOutboundQueued)
	require.Len(t, queued, 1)
	payload := queued[0].Payload
	assert.Equal(t, "text", payload["message_type"])
	assert.Equal(t, "Seu pedido O-77 mudou de status: shipped.", payload["body"])
}

func TestNotifierIgnoresEventsOffTheAllowList(t *testing.T) {
	store, bus, n := notifierSetup(t)
	tenantID := uuid.New()
	store.bindings[tenantID] = &Binding{TenantID: tenantID, Provider: "meta", Active: true}

	env := contracts.NewEnvelope(contracts.EventSaleRecorded, tenantID, "materials", map[string]any{
		"customer_phone": "5511777770000",
	})
	n.Handle(context.Background(), env)
	assert.Empty(t, bus.appended[streams.StreamWhatsAppOutbound])
}

func TestNotifierSkipsWhenAlreadyProcessed(t *testing.T) {
	store, bus, n := notifierSetup(t)
	tenantID := uuid.New()
	store.bindings[tenantID] = &Binding{TenantID: tenantID, Provider: "meta", Active: true}

	env := contracts.NewEnvelope(contracts.EventOrderCreated, tenantID, "materials", map[string]any{
		"order_number":   "O-1",
		"total_value":    "99.90",
		"customer_phone": "5511666660000",
	})
	n.Handle(context.Background(), env)
	n.Handle(context.Background(), env)

	assert.Len(t, bus.byType(streams.StreamWhatsAppOutbound, contracts.EventWhatsAppOutboundQueued), 1)
}

func TestNotifierSkipsWithoutPhoneOrBinding(t *testing.T) {
	store, bus, n := notifierSetup(t)
	tenantID := uuid.New()
	store.bindings[tenantID] = &Binding{TenantID: tenantID, Provider: "meta", Active: true}

	// No phone in the payload.
	n.Handle(context.Background(), contracts.NewEnvelope(contracts.EventDeliveryCompleted, tenantID, "materials", map[string]any{
		"order_number": "O-2",
	}))
	assert.Empty(t, bus.appended[streams.StreamWhatsAppOutbound])

	// Phone present but tenant has no binding.
	n.Handle(context.Background(), contracts.NewEnvelope(contracts.EventDeliveryCompleted, uuid.New(), "materials", map[string]any{
		"order_number":   "O-3",
		"customer_phone": "5511555550000",
	}))
	assert.Empty(t, bus.appended[streams.StreamWhatsAppOutbound])
}
