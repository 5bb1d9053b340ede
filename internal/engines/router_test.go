package engines

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/basecommerce/platform/internal/contracts"
)

// fakeStore implements Repository and TxStore in memory. WithTx hands the
// store itself to fn; rollback semantics are approximated by the error path.
type fakeStore struct {
	processed map[uuid.UUID]bool

	salesFacts  []SalesFact
	stockFacts  []StockFact
	alerts      map[string]StockAlert
	resolved    []string
	suggestions map[string]SalesSuggestion

	// Seed data for reads.
	latestAfter map[string]float64
	salesQty    map[string]float64
	orders      map[string][]string
	coOccur     map[string]map[string]int

	insertProcessedErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processed:   map[uuid.UUID]bool{},
		alerts:      map[string]StockAlert{},
		suggestions: map[string]SalesSuggestion{},
		latestAfter: map[string]float64{},
		salesQty:    map[string]float64{},
		orders:      map[string][]string{},
		coOccur:     map[string]map[string]int{},
	}
}

func (f *fakeStore) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) InsertSalesFact(ctx context.Context, fact SalesFact) error {
	f.salesFacts = append(f.salesFacts, fact)
	return nil
}

func (f *fakeStore) InsertStockFact(ctx context.Context, fact StockFact) error {
	f.stockFacts = append(f.stockFacts, fact)
	return nil
}

func (f *fakeStore) LatestQuantityAfter(ctx context.Context, tenantID uuid.UUID, productID string) (float64, bool, error) {
	// Facts inserted during this event win over the seed.
	for i := len(f.stockFacts) - 1; i >= 0; i-- {
		if f.stockFacts[i].ProductID == productID {
			return f.stockFacts[i].QuantityAfter, true, nil
		}
	}
	qty, ok := f.latestAfter[productID]
	return qty, ok, nil
}

func (f *fakeStore) SumStockDeltas(ctx context.Context, tenantID uuid.UUID, productID string) (float64, error) {
	var sum float64
	for _, fact := range f.stockFacts {
		if fact.ProductID == productID {
			sum += fact.QuantityDelta
		}
	}
	return sum, nil
}

func (f *fakeStore) SalesQuantitySince(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) (float64, error) {
	return f.salesQty[productID], nil
}

func (f *fakeStore) UpsertStockAlert(ctx context.Context, a StockAlert) error {
	f.alerts[a.ProductID] = a
	return nil
}

func (f *fakeStore) ResolveStockAlert(ctx context.Context, tenantID uuid.UUID, productID string) error {
	f.resolved = append(f.resolved, productID)
	delete(f.alerts, productID)
	return nil
}

func (f *fakeStore) OrderIDsWithProduct(ctx context.Context, tenantID uuid.UUID, productID string, since time.Time) ([]string, error) {
	return f.orders[productID], nil
}

func (f *fakeStore) CoOccurringProducts(ctx context.Context, tenantID uuid.UUID, orderIDs []string, excludeProductID string) (map[string]int, error) {
	return f.coOccur[excludeProductID], nil
}

func (f *fakeStore) UpsertSalesSuggestion(ctx context.Context, s SalesSuggestion) error {
	f.suggestions[s.SourceProductID+"→"+s.SuggestedProductID] = s
	return nil
}

func (f *fakeStore) InsertProcessedEvent(ctx context.Context, eventID, tenantID uuid.UUID, result map[string]any) error {
	if f.insertProcessedErr != nil {
		return f.insertProcessedErr
	}
	f.processed[eventID] = true
	return nil
}

var _ Repository = (*fakeStore)(nil)
var _ TxStore = (*fakeStore)(nil)

func saleEnvelope(eventID, tenantID uuid.UUID) *contracts.Envelope {
	return &contracts.Envelope{
		EventID:    eventID,
		EventType:  contracts.EventSaleRecorded,
		TenantID:   tenantID,
		Vertical:   "materials",
		OccurredAt: time.Now().UTC(),
		Version:    1,
		Payload: map[string]any{
			"order_id":  "O1",
			"client_id": "C1",
			"items": []any{
				map[string]any{
					"product_id":  "P",
					"quantity":    float64(10),
					"unit_price":  float64(150),
					"total_value": float64(1500),
				},
			},
		},
		Metadata: map[string]any{},
	}
}

func TestSaleCreatesFactsAndAlert(t *testing.T) {
	store := newFakeStore()
	// Existing checkpoint leaves 50 units; 450 sold over the window means an
	// average of 5 per day, so the minimum is 42.
	store.latestAfter["P"] = 50
	store.salesQty["P"] = 450

	router := NewRouter(store, zaptest.NewLogger(t))
	eventID := uuid.New()
	tenantID := uuid.New()

	res, err := router.ProcessEnvelope(context.Background(), saleEnvelope(eventID, tenantID))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	require.Len(t, store.salesFacts, 1)
	fact := store.salesFacts[0]
	assert.Equal(t, uuid.NewSHA1(eventID, []byte("P")), fact.EventID)
	assert.Equal(t, "O1", fact.OrderID)
	assert.Equal(t, 10.0, fact.Quantity)
	assert.Equal(t, 1500.0, fact.TotalValue)

	require.Len(t, store.stockFacts, 1)
	sf := store.stockFacts[0]
	assert.Equal(t, MovementSale, sf.MovementType)
	assert.Equal(t, -10.0, sf.QuantityDelta)
	assert.Equal(t, 40.0, sf.QuantityAfter)

	alert, ok := store.alerts["P"]
	require.True(t, ok)
	assert.Equal(t, RiskMedium, alert.RiskLevel)
	assert.Equal(t, 40.0, alert.CurrentStock)
	assert.Equal(t, 42.0, alert.MinimumStock)
	assert.Equal(t, 8, alert.DaysUntilRupture)

	assert.True(t, store.processed[eventID])
}

func TestSaleMaterializesSuggestionAtThreshold(t *testing.T) {
	store := newFakeStore()
	store.latestAfter["P"] = 1000
	store.orders["P"] = []string{"o1", "o2", "o3", "o4", "o5", "o6", "o7", "o8", "o9", "o10"}
	store.coOccur["P"] = map[string]int{"Q": 2, "R": 1}

	router := NewRouter(store, zaptest.NewLogger(t))
	res, err := router.ProcessEnvelope(context.Background(), saleEnvelope(uuid.New(), uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	// Q co-occurs in 2 of 10 orders: frequency exactly 20 materializes.
	sg, ok := store.suggestions["P→Q"]
	require.True(t, ok)
	assert.Equal(t, 20.0, sg.Frequency)
	assert.Equal(t, PriorityLow, sg.Priority)
	assert.Equal(t, SuggestionComplementary, sg.SuggestionType)

	// R is at 10 percent: below threshold, not materialized.
	_, ok = store.suggestions["P→R"]
	assert.False(t, ok)
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newFakeStore()
	eventID := uuid.New()
	store.processed[eventID] = true

	router := NewRouter(store, zaptest.NewLogger(t))
	res, err := router.ProcessEnvelope(context.Background(), saleEnvelope(eventID, uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, res.Status)
	assert.Empty(t, store.salesFacts)
	assert.Empty(t, store.stockFacts)
}

func TestConcurrentDuplicateRollsBack(t *testing.T) {
	store := newFakeStore()
	store.insertProcessedErr = ErrAlreadyProcessed

	router := NewRouter(store, zaptest.NewLogger(t))
	res, err := router.ProcessEnvelope(context.Background(), saleEnvelope(uuid.New(), uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, StatusConcurrent, res.Status)
}

func TestUnknownEventTypeIsIgnoredButRecorded(t *testing.T) {
	store := newFakeStore()
	router := NewRouter(store, zaptest.NewLogger(t))

	env := &contracts.Envelope{
		EventID:   uuid.New(),
		EventType: "whatsapp_action_requested",
		TenantID:  uuid.New(),
		Payload:   map[string]any{},
		Metadata:  map[string]any{},
	}
	res, err := router.ProcessEnvelope(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.True(t, store.processed[env.EventID])
	assert.Empty(t, store.salesFacts)
}

func TestStockUpdateAppendsFact(t *testing.T) {
	store := newFakeStore()
	store.latestAfter["P"] = 30

	router := NewRouter(store, zaptest.NewLogger(t))
	env := &contracts.Envelope{
		EventID:    uuid.New(),
		EventType:  contracts.EventStockUpdated,
		TenantID:   uuid.New(),
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"product_id":     "P",
			"movement_type":  "received",
			"quantity_delta": float64(20),
			"reference_id":   "PO-9",
		},
		Metadata: map[string]any{},
	}
	res, err := router.ProcessEnvelope(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	require.Len(t, store.stockFacts, 1)
	sf := store.stockFacts[0]
	assert.Equal(t, MovementReceived, sf.MovementType)
	assert.Equal(t, 20.0, sf.QuantityDelta)
	assert.Equal(t, 50.0, sf.QuantityAfter)

	// No sales in the window: the active alert, if any, is resolved.
	assert.Contains(t, store.resolved, "P")
}
