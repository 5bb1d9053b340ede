package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgxpool.Pool and pgx.Tx the queries need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements Store on a pgx pool. A transaction-bound copy runs
// the same queries against a pgx.Tx.
type Repository struct {
	pool *pgxpool.Pool
	db   querier
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// WithTx runs fn with a Repository bound to one transaction. fn's error
// rolls back; otherwise the transaction commits.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, &Repository{pool: r.pool, db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const bindingColumns = `id, tenant_id, provider, phone_number_id, instance_name,
	display_number, credentials, auto_reply_enabled, active`

func (r *Repository) scanBinding(row pgx.Row) (*Binding, error) {
	var b Binding
	err := row.Scan(&b.ID, &b.TenantID, &b.Provider, &b.PhoneNumberID, &b.InstanceName,
		&b.DisplayNumber, &b.Credentials, &b.AutoReplyEnabled, &b.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	return &b, nil
}

func (r *Repository) BindingByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Binding, error) {
	return r.scanBinding(r.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM tenant_bindings
		 WHERE phone_number_id = $1 AND active`, phoneNumberID))
}

func (r *Repository) BindingByInstanceName(ctx context.Context, instanceName string) (*Binding, error) {
	return r.scanBinding(r.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM tenant_bindings
		 WHERE instance_name = $1 AND active`, instanceName))
}

func (r *Repository) BindingForTenant(ctx context.Context, tenantID uuid.UUID) (*Binding, error) {
	return r.scanBinding(r.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM tenant_bindings
		 WHERE tenant_id = $1 AND active`, tenantID))
}

// GetOrCreateConversation returns the conversation for (tenant, phone),
// creating it in state new when absent. A closed conversation is reopened.
func (r *Repository) GetOrCreateConversation(ctx context.Context, tenantID uuid.UUID, phone, name string) (*Conversation, bool, error) {
	conv, err := r.conversationByPhone(ctx, tenantID, phone)
	if err == nil {
		if conv.Status == ConvClosed {
			if err := r.SetConversationState(ctx, conv.ID, ConvActive, StateIdle); err != nil {
				return nil, false, err
			}
			conv.Status = ConvActive
			conv.CurrentState = StateIdle
		}
		return conv, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	conv = &Conversation{
		ID:            uuid.New(),
		TenantID:      tenantID,
		CustomerPhone: phone,
		CustomerName:  name,
		Status:        ConvActive,
		CurrentState:  StateNew,
		Context:       map[string]any{},
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO conversations
			(id, tenant_id, customer_phone, customer_name, status, current_state,
			 inbound_count, outbound_count, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, '{}', now(), now())
		ON CONFLICT (tenant_id, customer_phone) DO NOTHING`,
		conv.ID, tenantID, phone, name, conv.Status, conv.CurrentState)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	// A concurrent insert may have won; reread for the canonical row.
	existing, err := r.conversationByPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, false, err
	}
	return existing, existing.ID == conv.ID, nil
}

func (r *Repository) conversationByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*Conversation, error) {
	var c Conversation
	var contextBlob []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, customer_phone, customer_name, status, current_state,
		       inbound_count, outbound_count, last_inbound_at, last_outbound_at,
		       context, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND customer_phone = $2`, tenantID, phone).Scan(
		&c.ID, &c.TenantID, &c.CustomerPhone, &c.CustomerName, &c.Status, &c.CurrentState,
		&c.InboundCount, &c.OutboundCount, &c.LastInboundAt, &c.LastOutboundAt,
		&contextBlob, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Context = map[string]any{}
	if len(contextBlob) > 0 {
		_ = json.Unmarshal(contextBlob, &c.Context)
	}
	return &c, nil
}

func (r *Repository) RecordInbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET inbound_count = inbound_count + 1,
		    last_inbound_at = $2,
		    updated_at = now()
		WHERE id = $1`, conversationID, at)
	return err
}

func (r *Repository) RecordOutbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET outbound_count = outbound_count + 1,
		    last_outbound_at = $2,
		    updated_at = now()
		WHERE id = $1`, conversationID, at)
	return err
}

func (r *Repository) SetConversationState(ctx context.Context, conversationID uuid.UUID, status, state string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, current_state = $3, updated_at = now()
		WHERE id = $1`, conversationID, status, state)
	return err
}

// CloseStaleConversations moves active conversations with no traffic since
// idleBefore to closed. Opted-out conversations are left alone.
func (r *Repository) CloseStaleConversations(ctx context.Context, idleBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, current_state = $3, updated_at = now()
		WHERE status IN ($4, $5)
		  AND GREATEST(COALESCE(last_inbound_at, created_at),
		               COALESCE(last_outbound_at, created_at)) < $1`,
		idleBefore, ConvClosed, StateClosed, ConvActive, ConvWaitingResponse)
	if err != nil {
		return 0, fmt.Errorf("close stale conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) MessageSeen(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE provider_message_id = $1)`,
		providerMessageID).Scan(&exists)
	return exists, err
}

func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var providerID any
	if m.ProviderMessageID != "" {
		providerID = m.ProviderMessageID
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO messages
			(id, tenant_id, conversation_id, direction, provider_message_id,
			 status, message_type, body, event_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		m.ID, m.TenantID, m.ConversationID, m.Direction, providerID,
		m.Status, m.MessageType, m.Body, m.EventID, m.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *Repository) MarkMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = $2, provider_message_id = $3, updated_at = now()
		WHERE id = $1`, id, MsgSent, providerMessageID)
	return err
}

func (r *Repository) MarkMessageFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, id, MsgFailed, errorMessage)
	return err
}

func (r *Repository) UpdateMessageStatus(ctx context.Context, providerMessageID, status, errorMessage string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = $2,
		    error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
		    updated_at = now()
		WHERE provider_message_id = $1`, providerMessageID, status, errorMessage)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) UpsertOptout(ctx context.Context, tenantID uuid.UUID, phone string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO optouts (tenant_id, customer_phone, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id, customer_phone) DO UPDATE SET
			reactivated_at = NULL`, tenantID, phone)
	return err
}

func (r *Repository) IsOptedOut(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM optouts
			WHERE tenant_id = $1 AND customer_phone = $2 AND reactivated_at IS NULL
		)`, tenantID, phone).Scan(&exists)
	return exists, err
}

func (r *Repository) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM whatsapp_processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	return exists, err
}

func (r *Repository) InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO whatsapp_processed_events (event_id, tenant_id, processed_at)
		VALUES ($1, $2, now())`, eventID, tenantID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}
