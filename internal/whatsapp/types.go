// Package whatsapp implements the messaging engine: inbound handling,
// conversation state, automation, outbound dispatch with retries and DLQ,
// and templated customer notifications for domain events.
package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Conversation statuses.
const (
	ConvActive          = "active"
	ConvWaitingResponse = "waiting_response"
	ConvHumanAssigned   = "human_assigned"
	ConvClosed          = "closed"
	ConvOptedOut        = "opted_out"
)

// Conversation FSM labels.
const (
	StateNew             = "new"
	StateIdle            = "idle"
	StateProcessing      = "processing"
	StateQuoteFlow       = "quote_flow"
	StateOrderStatusFlow = "order_status_flow"
	StateHumanRequested  = "human_requested"
	StateClosed          = "closed"
	StateOptedOut        = "opted_out"
)

// Message directions and statuses.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	MsgPending   = "pending"
	MsgSent      = "sent"
	MsgDelivered = "delivered"
	MsgRead      = "read"
	MsgFailed    = "failed"
)

// ErrAlreadyProcessed marks a duplicate idempotency-key insert.
var ErrAlreadyProcessed = errors.New("event already processed")

// Binding maps a tenant to its active provider configuration. Credentials is
// the at-rest encrypted blob; decrypt via the credentials cipher before use.
type Binding struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Provider         string
	PhoneNumberID    string
	InstanceName     string
	DisplayNumber    string
	Credentials      string
	AutoReplyEnabled bool
	Active           bool
}

// RoutingID returns the provider-side identifier used to resolve the tenant
// from webhook payloads.
func (b *Binding) RoutingID() string {
	if b.Provider == "evolution" {
		return b.InstanceName
	}
	return b.PhoneNumberID
}

// Conversation tracks one customer thread per (tenant, phone).
type Conversation struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	CustomerPhone  string
	CustomerName   string
	Status         string
	CurrentState   string
	InboundCount   int
	OutboundCount  int
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	Context        map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one inbound or outbound message row. Outbound rows exist with
// status pending before the provider call so a crash mid-send is recoverable.
type Message struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ConversationID    uuid.UUID
	Direction         string
	ProviderMessageID string
	Status            string
	MessageType       string
	Body              string
	EventID           *uuid.UUID
	ErrorMessage      string
	CreatedAt         time.Time
}

// Store is the messaging persistence surface. The pgx implementation lives
// in repository.go; handlers only see this interface.
type Store interface {
	// WithTx runs fn against a transaction-bound Store; every write made
	// through tx commits or rolls back together.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Bindings.
	BindingByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Binding, error)
	BindingByInstanceName(ctx context.Context, instanceName string) (*Binding, error)
	BindingForTenant(ctx context.Context, tenantID uuid.UUID) (*Binding, error)

	// Conversations.
	GetOrCreateConversation(ctx context.Context, tenantID uuid.UUID, phone, name string) (conv *Conversation, created bool, err error)
	RecordInbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error
	RecordOutbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error
	SetConversationState(ctx context.Context, conversationID uuid.UUID, status, state string) error
	CloseStaleConversations(ctx context.Context, idleBefore time.Time) (int64, error)

	// Messages.
	MessageSeen(ctx context.Context, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, m *Message) error
	MarkMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	// UpdateMessageStatus applies a provider delivery callback; returns false
	// when no message row matches the provider id.
	UpdateMessageStatus(ctx context.Context, providerMessageID, status, errorMessage string) (bool, error)

	// Optouts.
	UpsertOptout(ctx context.Context, tenantID uuid.UUID, phone string) error
	IsOptedOut(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error)

	// Idempotency keys for the outbound and notifier loops.
	IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID) error
}

// ErrBindingNotFound is returned when no active binding matches.
var ErrBindingNotFound = errors.New("tenant binding not found")
