package engines

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateStockAlertNoSales(t *testing.T) {
	d := EvaluateStockAlert(100, 0, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.False(t, d.Upsert)

	d = EvaluateStockAlert(100, -1, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.False(t, d.Upsert)
}

func TestEvaluateStockAlertStockCoversMinimum(t *testing.T) {
	// avg 5/day → minimum 5·7·1.20 = 42.
	d := EvaluateStockAlert(42, 5, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.False(t, d.Upsert)

	d = EvaluateStockAlert(100, 5, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.False(t, d.Upsert)
}

func TestEvaluateStockAlertBelowMinimum(t *testing.T) {
	// Current 40 < minimum 42; 40/5 = 8 days → medium.
	d := EvaluateStockAlert(40, 5, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.True(t, d.Upsert)
	assert.Equal(t, 42.0, d.MinimumStock)
	assert.Equal(t, 40.0, d.CurrentStock)
	assert.Equal(t, 8, d.DaysUntilRupture)
	assert.Equal(t, RiskMedium, d.RiskLevel)
	assert.NotEmpty(t, d.Explanation)
}

func TestEvaluateStockAlertRiskBoundaries(t *testing.T) {
	// Exactly 7 days is still high risk.
	d := EvaluateStockAlert(35, 5, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.Equal(t, 7, d.DaysUntilRupture)
	assert.Equal(t, RiskHigh, d.RiskLevel)

	// Exactly 14 days is medium.
	d = EvaluateStockAlert(14, 1, DefaultLeadTimeDays, DefaultSafetyPercent)
	assert.Equal(t, 14, d.DaysUntilRupture)
	assert.Equal(t, RiskMedium, d.RiskLevel)

	// 15 days is low (still below a big enough minimum).
	d = EvaluateStockAlert(15, 1, 20, DefaultSafetyPercent)
	assert.True(t, d.Upsert)
	assert.Equal(t, 15, d.DaysUntilRupture)
	assert.Equal(t, RiskLow, d.RiskLevel)
}

func TestSuggestionPriority(t *testing.T) {
	assert.Equal(t, PriorityLow, SuggestionPriority(20))
	assert.Equal(t, PriorityLow, SuggestionPriority(39.9))
	assert.Equal(t, PriorityMedium, SuggestionPriority(40))
	assert.Equal(t, PriorityMedium, SuggestionPriority(69.9))
	assert.Equal(t, PriorityHigh, SuggestionPriority(70))
	assert.Equal(t, PriorityHigh, SuggestionPriority(100))
}
