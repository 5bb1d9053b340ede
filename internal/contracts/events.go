// Package contracts defines the event envelope and event type tags shared by
// every producer and consumer on the stream bus.
//
// The envelope payload MUST be self-contained: consumers operate on the
// payload alone and never query producer-side tables.
package contracts

// Domain event types published by verticals through the outbox.
const (
	EventSaleRecorded       = "sale_recorded"
	EventQuoteConverted     = "quote_converted"
	EventOrderStatusChanged = "order_status_changed"
	EventStockUpdated       = "stock_updated"
	EventQuoteCreated       = "quote_created"
	EventOrderCreated       = "order_created"
	EventDeliveryStarted    = "delivery_started"
	EventDeliveryCompleted  = "delivery_completed"
)

// Event types published by the WhatsApp messaging engine.
const (
	EventWhatsAppInboundReceived   = "whatsapp_inbound_received"
	EventWhatsAppActionRequested   = "whatsapp_action_requested"
	EventWhatsAppCustomerOptedOut  = "whatsapp_customer_opted_out"
	EventWhatsAppDeliveryFailed    = "whatsapp_delivery_failed"
	EventWhatsAppDeliveryConfirmed = "whatsapp_delivery_confirmed"
	EventWhatsAppOutboundQueued    = "whatsapp_outbound_queued"
	EventWhatsAppDLQEntry          = "whatsapp_dlq_entry"
)

// VerticalEventsToNotify maps domain event types to the message template
// sent to the customer when the notifier loop sees them. Event types not in
// this map are skipped by the notifier.
var VerticalEventsToNotify = map[string]string{
	EventQuoteCreated:       "quote_created_template",
	EventOrderStatusChanged: "order_status_template",
	EventOrderCreated:       "order_created_template",
	EventDeliveryStarted:    "delivery_started_template",
	EventDeliveryCompleted:  "delivery_completed_template",
}
