// Package engines consumes domain events and maintains the engine-owned
// projection tables: sales and stock facts, stock alerts and sales
// suggestions. All computation reads facts tables only, never domain tables.
package engines

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Movement types recorded in stock_facts.
const (
	MovementSale       = "sale"
	MovementReceived   = "received"
	MovementAdjustment = "adjustment"
)

// Risk levels on stock alerts.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Suggestion priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ErrAlreadyProcessed is returned by InsertProcessedEvent when the event id
// is already recorded. The caller rolls back and treats the event as done.
var ErrAlreadyProcessed = errors.New("event already processed")

// SalesFact is one line item of a delivered order.
type SalesFact struct {
	EventID    uuid.UUID
	TenantID   uuid.UUID
	OrderID    string
	ProductID  string
	ClientID   string
	Quantity   float64
	UnitPrice  float64
	TotalValue float64
	OccurredAt time.Time
}

// StockFact is one stock movement.
type StockFact struct {
	EventID       uuid.UUID
	TenantID      uuid.UUID
	ProductID     string
	MovementType  string
	QuantityDelta float64
	QuantityAfter float64
	ReferenceID   string
	OccurredAt    time.Time
}

// StockAlert is the single active alert per (tenant, product).
type StockAlert struct {
	TenantID         uuid.UUID
	ProductID        string
	RiskLevel        string
	CurrentStock     float64
	MinimumStock     float64
	DaysUntilRupture int
	Explanation      string
}

// SalesSuggestion is a co-occurrence recommendation.
type SalesSuggestion struct {
	TenantID           uuid.UUID
	SuggestionType     string
	SourceProductID    string
	SuggestedProductID string
	Frequency          float64
	Priority           string
}

// Repository is the persistence surface the router needs. The pgx
// implementation lives in the repository subpackage.
type Repository interface {
	// IsProcessed checks the idempotency store outside any transaction.
	IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	// WithTx runs fn in one transaction; fn's writes and the processed-event
	// insert commit or roll back together.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

// TxStore is the per-transaction write/read surface.
type TxStore interface {
	InsertSalesFact(ctx context.Context, f SalesFact) error
	InsertStockFact(ctx context.Context, f StockFact) error

	// LatestQuantityAfter returns the most recent quantity_after for the
	// product, or ok=false when the product has no stock facts yet.
	LatestQuantityAfter(ctx context.Context, tenantID uuid.UUID, productID string) (qty float64, ok bool, err error)
	// SumStockDeltas is the fallback stock level when no quantity_after
	// checkpoint exists.
	SumStockDeltas(ctx context.Context, tenantID uuid.UUID, productID string) (float64, error)
	// SalesQuantitySince sums sales_facts.quantity for the product since the
	// cutoff.
	SalesQuantitySince(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) (float64, error)

	UpsertStockAlert(ctx context.Context, a StockAlert) error
	ResolveStockAlert(ctx context.Context, tenantID uuid.UUID, productID string) error

	// OrderIDsWithProduct returns distinct order ids containing the product
	// since the cutoff.
	OrderIDsWithProduct(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) ([]string, error)
	// CoOccurringProducts counts, per other product, how many of the given
	// orders contain it.
	CoOccurringProducts(ctx context.Context, tenantID uuid.UUID, orderIDs []string, excludeProductID string) (map[string]int, error)

	UpsertSalesSuggestion(ctx context.Context, s SalesSuggestion) error

	// InsertProcessedEvent records the idempotency key; returns
	// ErrAlreadyProcessed on conflict.
	InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID, result map[string]any) error
}
