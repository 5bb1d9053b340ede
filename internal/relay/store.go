// Package relay drains the transactional outbox onto the stream bus.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRow is one unpublished event selected for relay. DecodeErr is set
// when the stored payload is not a JSON object; such a row is unpublishable
// and must be failed, not retried.
type OutboxRow struct {
	ID        int64
	EventID   uuid.UUID
	TenantID  uuid.UUID
	EventType string
	Vertical  string
	Payload   map[string]any
	Version   int
	CreatedAt time.Time
	DecodeErr error
}

// Batch is one locked set of outbox rows. The row locks live until Commit or
// Rollback; bookkeeping calls apply within the same transaction.
type Batch interface {
	Rows() []OutboxRow
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, publishErr error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OutboxSource hands out locked batches of unpublished rows.
type OutboxSource interface {
	BeginBatch(ctx context.Context, limit int) (Batch, error)
}

// Store reads and updates outbox rows. Domain code inserts rows; the relay
// only ever touches published_at and the error bookkeeping columns.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BeginBatch opens a transaction and selects up to limit unpublished rows in
// created_at order, locking them with SKIP LOCKED so concurrent relay
// replicas partition the work.
func (s *Store) BeginBatch(ctx context.Context, limit int) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin outbox batch: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, tenant_id, event_type, vertical, payload, version, created_at
		FROM outbox
		WHERE published_at IS NULL
		  AND status IN ('pending', 'processing', 'processed')
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("select outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload []byte
		if err := rows.Scan(&r.ID, &r.EventID, &r.TenantID, &r.EventType, &r.Vertical, &payload, &r.Version, &r.CreatedAt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		// A bad payload must not block the rows behind it: rows are selected
		// oldest-first, so aborting here would re-select the same batch
		// forever. Carry the error and let the relay fail the row.
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				r.Payload = nil
				r.DecodeErr = fmt.Errorf("decode outbox payload: %w", err)
			}
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("iterate outbox batch: %w", err)
	}
	return &pgBatch{tx: tx, rows: batch}, nil
}

type pgBatch struct {
	tx   pgx.Tx
	rows []OutboxRow
}

func (b *pgBatch) Rows() []OutboxRow { return b.rows }

func (b *pgBatch) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.tx.Exec(ctx, `
		UPDATE outbox
		SET published_at = now(), status = 'processed'
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (b *pgBatch) MarkFailed(ctx context.Context, id int64, publishErr error) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE outbox
		SET failed_at = now(),
		    error_message = $2,
		    retry_count = retry_count + 1
		WHERE id = $1`, id, publishErr.Error())
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
