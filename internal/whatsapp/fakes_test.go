package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basecommerce/platform/internal/contracts"
)

// fakeAppender captures every envelope published per stream.
type fakeAppender struct {
	appended map[string][]*contracts.Envelope
	failWith error
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{appended: map[string][]*contracts.Envelope{}}
}

func (f *fakeAppender) AppendEnvelope(ctx context.Context, stream string, env *contracts.Envelope) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.appended[stream] = append(f.appended[stream], env)
	return fmt.Sprintf("%d-0", len(f.appended[stream])), nil
}

func (f *fakeAppender) byType(stream, eventType string) []*contracts.Envelope {
	var out []*contracts.Envelope
	for _, env := range f.appended[stream] {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

// memStore is an in-memory Store for handler tests.
type memStore struct {
	bindings      map[uuid.UUID]*Binding
	conversations map[string]*Conversation
	messages      []*Message
	optouts       map[string]bool
	processed     map[uuid.UUID]bool
	statusUpdates map[string]string

	// failUpsertOptout makes the next UpsertOptout return this error once.
	failUpsertOptout error
}

func newMemStore() *memStore {
	return &memStore{
		bindings:      map[uuid.UUID]*Binding{},
		conversations: map[string]*Conversation{},
		optouts:       map[string]bool{},
		processed:     map[uuid.UUID]bool{},
		statusUpdates: map[string]string{},
	}
}

func convKey(tenantID uuid.UUID, phone string) string {
	return tenantID.String() + "/" + phone
}

// memSnapshot captures the mutable state so WithTx can roll back.
type memSnapshot struct {
	conversations map[string]*Conversation
	messages      []*Message
	optouts       map[string]bool
	processed     map[uuid.UUID]bool
	statusUpdates map[string]string
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		conversations: make(map[string]*Conversation, len(s.conversations)),
		messages:      append([]*Message(nil), s.messages...),
		optouts:       make(map[string]bool, len(s.optouts)),
		processed:     make(map[uuid.UUID]bool, len(s.processed)),
		statusUpdates: make(map[string]string, len(s.statusUpdates)),
	}
	for k, c := range s.conversations {
		cp := *c
		snap.conversations[k] = &cp
	}
	for k, v := range s.optouts {
		snap.optouts[k] = v
	}
	for k, v := range s.processed {
		snap.processed[k] = v
	}
	for k, v := range s.statusUpdates {
		snap.statusUpdates[k] = v
	}
	return snap
}

// WithTx hands the store itself to fn; an error restores the pre-transaction
// snapshot so the fake rolls back like the pgx repository does.
func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	snap := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.conversations = snap.conversations
		s.messages = snap.messages
		s.optouts = snap.optouts
		s.processed = snap.processed
		s.statusUpdates = snap.statusUpdates
		return err
	}
	return nil
}

func (s *memStore) BindingByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Binding, error) {
	for _, b := range s.bindings {
		if b.PhoneNumberID == phoneNumberID {
			return b, nil
		}
	}
	return nil, ErrBindingNotFound
}

func (s *memStore) BindingByInstanceName(ctx context.Context, instanceName string) (*Binding, error) {
	for _, b := range s.bindings {
		if b.InstanceName == instanceName {
			return b, nil
		}
	}
	return nil, ErrBindingNotFound
}

func (s *memStore) BindingForTenant(ctx context.Context, tenantID uuid.UUID) (*Binding, error) {
	if b, ok := s.bindings[tenantID]; ok {
		return b, nil
	}
	return nil, ErrBindingNotFound
}

func (s *memStore) GetOrCreateConversation(ctx context.Context, tenantID uuid.UUID, phone, name string) (*Conversation, bool, error) {
	if c, ok := s.conversations[convKey(tenantID, phone)]; ok {
		return c, false, nil
	}
	c := &Conversation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		CustomerPhone: phone,
		CustomerName:  name,
		Status:        ConvActive,
		CurrentState:  StateNew,
		Context:       map[string]any{},
	}
	s.conversations[convKey(tenantID, phone)] = c
	return c, true, nil
}

func (s *memStore) RecordInbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.InboundCount++
			c.LastInboundAt = &at
		}
	}
	return nil
}

func (s *memStore) RecordOutbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.OutboundCount++
			c.LastOutboundAt = &at
		}
	}
	return nil
}

func (s *memStore) SetConversationState(ctx context.Context, conversationID uuid.UUID, status, state string) error {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.Status = status
			c.CurrentState = state
		}
	}
	return nil
}

func (s *memStore) CloseStaleConversations(ctx context.Context, idleBefore time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) MessageSeen(ctx context.Context, providerMessageID string) (bool, error) {
	for _, m := range s.messages {
		if m.ProviderMessageID == providerMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) MarkMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	for _, m := range s.messages {
		if m.ID == id {
			m.Status = MsgSent
			m.ProviderMessageID = providerMessageID
		}
	}
	return nil
}

func (s *memStore) MarkMessageFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	for _, m := range s.messages {
		if m.ID == id {
			m.Status = MsgFailed
			m.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (s *memStore) UpdateMessageStatus(ctx context.Context, providerMessageID, status, errorMessage string) (bool, error) {
	s.statusUpdates[providerMessageID] = status
	for _, m := range s.messages {
		if m.ProviderMessageID == providerMessageID {
			m.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) UpsertOptout(ctx context.Context, tenantID uuid.UUID, phone string) error {
	if err := s.failUpsertOptout; err != nil {
		s.failUpsertOptout = nil
		return err
	}
	s.optouts[convKey(tenantID, phone)] = true
	return nil
}

func (s *memStore) IsOptedOut(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error) {
	return s.optouts[convKey(tenantID, phone)], nil
}

func (s *memStore) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return s.processed[eventID], nil
}

func (s *memStore) InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID) error {
	if s.processed[eventID] {
		return ErrAlreadyProcessed
	}
	s.processed[eventID] = true
	return nil
}

var _ Store = (*memStore)(nil)

func (s *memStore) outboundMessages() []*Message {
	var out []*Message
	for _, m := range s.messages {
		if m.Direction == DirectionOut {
			out = append(out, m)
		}
	}
	return out
}
