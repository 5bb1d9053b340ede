package engines

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Replenishment window parameters. Overridable per StockEngine instance.
const (
	DefaultLeadTimeDays  = 7
	DefaultSafetyPercent = 20.0
	salesWindowDays      = 90
)

// AlertDecision is the outcome of the stock alert rule for one product.
type AlertDecision struct {
	// Upsert is false when no alert applies (no sales, or stock above the
	// minimum); the existing alert, if any, is resolved instead.
	Upsert           bool
	RiskLevel        string
	CurrentStock     float64
	MinimumStock     float64
	DaysUntilRupture int
	Explanation      string
}

// EvaluateStockAlert applies the replenishment rule:
//
//	minimum_stock = avg_daily_sales × leadTimeDays × (1 + safetyPercent/100)
//
// No alert when avg_daily_sales ≤ 0 or current stock covers the minimum.
// Otherwise days_until_rupture = floor(current/avg); risk is high at ≤7 days,
// medium at ≤14, low above.
func EvaluateStockAlert(currentStock, avgDailySales float64, leadTimeDays int, safetyPercent float64) AlertDecision {
	if avgDailySales <= 0 {
		return AlertDecision{Upsert: false}
	}
	minimumStock := avgDailySales * float64(leadTimeDays) * (1 + safetyPercent/100)
	if currentStock >= minimumStock {
		return AlertDecision{Upsert: false}
	}

	days := int(math.Floor(currentStock / avgDailySales))
	risk := RiskLow
	switch {
	case days <= 7:
		risk = RiskHigh
	case days <= 14:
		risk = RiskMedium
	}

	return AlertDecision{
		Upsert:           true,
		RiskLevel:        risk,
		CurrentStock:     currentStock,
		MinimumStock:     minimumStock,
		DaysUntilRupture: days,
		Explanation: fmt.Sprintf(
			"stock %.2f below minimum %.2f (avg daily sales %.2f); rupture in ~%d days",
			currentStock, minimumStock, avgDailySales, days),
	}
}

// StockEngine recomputes the active stock alert for a product from facts.
type StockEngine struct {
	LeadTimeDays  int
	SafetyPercent float64
}

func NewStockEngine() *StockEngine {
	return &StockEngine{LeadTimeDays: DefaultLeadTimeDays, SafetyPercent: DefaultSafetyPercent}
}

// CurrentStock reads the product's stock level: the latest quantity_after
// checkpoint when one exists, otherwise the sum of deltas.
func (e *StockEngine) CurrentStock(ctx context.Context, tx TxStore, tenantID uuid.UUID, productID string) (float64, error) {
	qty, ok, err := tx.LatestQuantityAfter(ctx, tenantID, productID)
	if err != nil {
		return 0, err
	}
	if ok {
		return qty, nil
	}
	return tx.SumStockDeltas(ctx, tenantID, productID)
}

// RecomputeAlert evaluates the alert rule against current facts and upserts
// or resolves the single active alert row for (tenant, product).
func (e *StockEngine) RecomputeAlert(ctx context.Context, tx TxStore, tenantID uuid.UUID, productID string, now time.Time) error {
	current, err := e.CurrentStock(ctx, tx, tenantID, productID)
	if err != nil {
		return fmt.Errorf("current stock for %s: %w", productID, err)
	}
	since := now.AddDate(0, 0, -salesWindowDays)
	sold, err := tx.SalesQuantitySince(ctx, tenantID, productID, since)
	if err != nil {
		return fmt.Errorf("sales window for %s: %w", productID, err)
	}
	avgDaily := sold / salesWindowDays

	decision := EvaluateStockAlert(current, avgDaily, e.LeadTimeDays, e.SafetyPercent)
	if !decision.Upsert {
		return tx.ResolveStockAlert(ctx, tenantID, productID)
	}
	return tx.UpsertStockAlert(ctx, StockAlert{
		TenantID:         tenantID,
		ProductID:        productID,
		RiskLevel:        decision.RiskLevel,
		CurrentStock:     decision.CurrentStock,
		MinimumStock:     decision.MinimumStock,
		DaysUntilRupture: decision.DaysUntilRupture,
		Explanation:      decision.Explanation,
	})
}
