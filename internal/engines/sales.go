package engines

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Co-occurrence thresholds, in percent of orders.
const (
	suggestionMinFrequency    = 20.0
	suggestionHighThreshold   = 70.0
	suggestionMediumThreshold = 40.0

	SuggestionComplementary = "complementary"
)

// SuggestionPriority maps a co-occurrence frequency (percent) to a priority.
func SuggestionPriority(frequency float64) string {
	switch {
	case frequency >= suggestionHighThreshold:
		return PriorityHigh
	case frequency >= suggestionMediumThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// SalesEngine maintains co-occurrence suggestions from sales facts.
type SalesEngine struct{}

func NewSalesEngine() *SalesEngine {
	return &SalesEngine{}
}

// RecomputeSuggestions rebuilds the complementary-product suggestions for one
// source product. For every other product appearing in the source product's
// orders over the last 90 days, frequency = co-occurrences / total orders
// × 100; rows materialize only at frequency ≥ 20.
func (e *SalesEngine) RecomputeSuggestions(ctx context.Context, tx TxStore, tenantID uuid.UUID, productID string, now time.Time) error {
	since := now.AddDate(0, 0, -salesWindowDays)

	orderIDs, err := tx.OrderIDsWithProduct(ctx, tenantID, productID, since)
	if err != nil {
		return fmt.Errorf("orders with %s: %w", productID, err)
	}
	if len(orderIDs) == 0 {
		return nil
	}

	counts, err := tx.CoOccurringProducts(ctx, tenantID, orderIDs, productID)
	if err != nil {
		return fmt.Errorf("co-occurrences for %s: %w", productID, err)
	}

	total := float64(len(orderIDs))
	for other, n := range counts {
		frequency := float64(n) / total * 100
		if frequency < suggestionMinFrequency {
			continue
		}
		err := tx.UpsertSalesSuggestion(ctx, SalesSuggestion{
			TenantID:           tenantID,
			SuggestionType:     SuggestionComplementary,
			SourceProductID:    productID,
			SuggestedProductID: other,
			Frequency:          frequency,
			Priority:           SuggestionPriority(frequency),
		})
		if err != nil {
			return fmt.Errorf("upsert suggestion %s→%s: %w", productID, other, err)
		}
	}
	return nil
}
