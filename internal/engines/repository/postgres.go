// Package repository persists engine facts and projections in Postgres.
package repository

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

	"github.com/basecommerce/platform/internal/engines"
)

// Postgres implements engines.Repository on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// IsProcessed checks the idempotency store without taking a transaction.
func (p *Postgres) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM engine_processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("processed pre-check: %w", err)
	}
	return exists, nil
}

// WithTx runs fn inside one transaction. An engines.ErrAlreadyProcessed from
// fn rolls back and is passed through so the caller can report a skip.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx engines.TxStore) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (s *txStore) InsertSalesFact(ctx context.Context, f engines.SalesFact) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO sales_facts
			(event_id, tenant_id, order_id, product_id, client_id, quantity, unit_price, total_value, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		f.EventID, f.TenantID, f.OrderID, f.ProductID, f.ClientID,
		f.Quantity, f.UnitPrice, f.TotalValue, f.OccurredAt)
	return err
}

func (s *txStore) InsertStockFact(ctx context.Context, f engines.StockFact) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO stock_facts
			(event_id, tenant_id, product_id, movement_type, quantity_delta, quantity_after, reference_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		f.EventID, f.TenantID, f.ProductID, f.MovementType,
		f.QuantityDelta, f.QuantityAfter, f.ReferenceID, f.OccurredAt)
	return err
}

func (s *txStore) LatestQuantityAfter(ctx context.Context, tenantID uuid.UUID, productID string) (float64, bool, error) {
	var qty float64
	err := s.tx.QueryRow(ctx, `
		SELECT quantity_after FROM stock_facts
		WHERE tenant_id = $1 AND product_id = $2
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1`, tenantID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (s *txStore) SumStockDeltas(ctx context.Context, tenantID uuid.UUID, productID string) (float64, error) {
	var sum float64
	err := s.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity_delta), 0) FROM stock_facts
		WHERE tenant_id = $1 AND product_id = $2`, tenantID, productID).Scan(&sum)
	return sum, err
}

func (s *txStore) SalesQuantitySince(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) (float64, error) {
	var sum float64
	err := s.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM sales_facts
		WHERE tenant_id = $1 AND product_id = $2 AND occurred_at >= $3`,
		tenantID, productID, since).Scan(&sum)
	return sum, err
}

func (s *txStore) UpsertStockAlert(ctx context.Context, a engines.StockAlert) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO stock_alerts
			(tenant_id, product_id, risk_level, current_stock, minimum_stock,
			 days_until_rupture, status, explanation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, now(), now())
		ON CONFLICT (tenant_id, product_id) DO UPDATE SET
			risk_level = EXCLUDED.risk_level,
			current_stock = EXCLUDED.current_stock,
			minimum_stock = EXCLUDED.minimum_stock,
			days_until_rupture = EXCLUDED.days_until_rupture,
			status = 'active',
			explanation = EXCLUDED.explanation,
			updated_at = now()`,
		a.TenantID, a.ProductID, a.RiskLevel, a.CurrentStock, a.MinimumStock,
		a.DaysUntilRupture, a.Explanation)
	return err
}

func (s *txStore) ResolveStockAlert(ctx context.Context, tenantID uuid.UUID, productID string) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE stock_alerts
		SET status = 'resolved', updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2 AND status = 'active'`,
		tenantID, productID)
	return err
}

func (s *txStore) OrderIDsWithProduct(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) ([]string, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT DISTINCT order_id FROM sales_facts
		WHERE tenant_id = $1 AND product_id = $2 AND occurred_at >= $3`,
		tenantID, productID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *txStore) CoOccurringProducts(ctx context.Context, tenantID uuid.UUID, orderIDs []string, excludeProductID string) (map[string]int, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT product_id, COUNT(DISTINCT order_id)
		FROM sales_facts
		WHERE tenant_id = $1 AND order_id = ANY($2) AND product_id <> $3
		GROUP BY product_id`, tenantID, orderIDs, excludeProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var product string
		var n int
		if err := rows.Scan(&product, &n); err != nil {
			return nil, err
		}
		counts[product] = n
	}
	return counts, rows.Err()
}

func (s *txStore) UpsertSalesSuggestion(ctx context.Context, sg engines.SalesSuggestion) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO sales_suggestions
			(tenant_id, suggestion_type, source_product_id, suggested_product_id,
			 frequency, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (suggestion_type, source_product_id, suggested_product_id) DO UPDATE SET
			frequency = EXCLUDED.frequency,
			priority = EXCLUDED.priority,
			updated_at = now()`,
		sg.TenantID, sg.SuggestionType, sg.SourceProductID, sg.SuggestedProductID,
		sg.Frequency, sg.Priority)
	return err
}

func (s *txStore) InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID, result map[string]any) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.tx.Exec(ctx, `
		INSERT INTO engine_processed_events (event_id, tenant_id, processed_at, result)
		VALUES ($1, $2, now(), $3)`, eventID, tenantID, blob)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return engines.ErrAlreadyProcessed
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}
