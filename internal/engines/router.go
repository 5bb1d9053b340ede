package engines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/basecommerce/platform/internal/contracts"
)

// Result statuses returned by the router.
const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "skipped:already_processed"
	StatusConcurrent       = "skipped:concurrent"
	StatusIgnored          = "ignored:unknown_type"
)

// Result summarizes what one envelope did.
type Result struct {
	Status string
	Detail map[string]any
}

var tracer = otel.Tracer("engines-router")

// Router applies one envelope's effects exactly once. The caller owns bus
// acknowledgment: every non-error result should be acked.
type Router struct {
	repo  Repository
	stock *StockEngine
	sales *SalesEngine
	log   *zap.Logger
}

func NewRouter(repo Repository, logger *zap.Logger) *Router {
	return &Router{
		repo:  repo,
		stock: NewStockEngine(),
		sales: NewSalesEngine(),
		log:   logger,
	}
}

// ProcessEnvelope routes the envelope by event type and commits its
// projection writes together with the idempotency key. Duplicate deliveries
// return a skip status with no side effects.
func (r *Router) ProcessEnvelope(ctx context.Context, env *contracts.Envelope) (Result, error) {
	ctx, span := tracer.Start(ctx, "engines.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", env.EventType),
		attribute.String("event.id", env.EventID.String()),
		attribute.String("tenant.id", env.TenantID.String()),
	)

	done, err := r.repo.IsProcessed(ctx, env.EventID)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency pre-check: %w", err)
	}
	if done {
		r.log.Debug("event already processed",
			zap.String("event_id", env.EventID.String()),
			zap.String("event_type", env.EventType),
		)
		return Result{Status: StatusAlreadyProcessed}, nil
	}

	detail := map[string]any{"event_type": env.EventType}
	status := StatusProcessed

	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		switch env.EventType {
		case contracts.EventSaleRecorded:
			n, err := r.applySale(ctx, tx, env)
			if err != nil {
				return err
			}
			detail["items"] = n
		case contracts.EventStockUpdated:
			if err := r.applyStockUpdate(ctx, tx, env); err != nil {
				return err
			}
		case contracts.EventQuoteConverted:
			detail["quote_id"], _ = env.Payload["quote_id"].(string)
		case contracts.EventOrderStatusChanged:
			// State change only; no projection yet.
		default:
			r.log.Info("unknown event type ignored",
				zap.String("event_type", env.EventType),
				zap.String("event_id", env.EventID.String()),
			)
			status = StatusIgnored
		}
		return tx.InsertProcessedEvent(ctx, env.EventID, env.TenantID, detail)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return Result{Status: StatusConcurrent}, nil
		}
		return Result{}, err
	}

	return Result{Status: status, Detail: detail}, nil
}

func (r *Router) applySale(ctx context.Context, tx TxStore, env *contracts.Envelope) (int, error) {
	orderID, _ := env.Payload["order_id"].(string)
	clientID, _ := env.Payload["client_id"].(string)
	occurredAt := env.OccurredAt
	if raw, ok := env.Payload["delivered_at"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			occurredAt = t
		}
	}

	items, ok := env.Payload["items"].([]any)
	if !ok || len(items) == 0 {
		r.log.Warn("sale without items",
			zap.String("event_id", env.EventID.String()),
			zap.String("order_id", orderID),
		)
		return 0, nil
	}

	var products []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		productID, _ := item["product_id"].(string)
		if productID == "" {
			continue
		}
		quantity := asFloat(item["quantity"])
		unitPrice := asFloat(item["unit_price"])
		totalValue := asFloat(item["total_value"])
		if totalValue == 0 {
			totalValue = quantity * unitPrice
		}

		// Deterministic per-item id so a partial retry of this order never
		// doubles a line item.
		itemEventID := uuid.NewSHA1(env.EventID, []byte(productID))

		if err := tx.InsertSalesFact(ctx, SalesFact{
			EventID:    itemEventID,
			TenantID:   env.TenantID,
			OrderID:    orderID,
			ProductID:  productID,
			ClientID:   clientID,
			Quantity:   quantity,
			UnitPrice:  unitPrice,
			TotalValue: totalValue,
			OccurredAt: occurredAt,
		}); err != nil {
			return 0, fmt.Errorf("sales fact %s: %w", productID, err)
		}

		before, err := r.stock.CurrentStock(ctx, tx, env.TenantID, productID)
		if err != nil {
			return 0, err
		}
		if err := tx.InsertStockFact(ctx, StockFact{
			EventID:       itemEventID,
			TenantID:      env.TenantID,
			ProductID:     productID,
			MovementType:  MovementSale,
			QuantityDelta: -quantity,
			QuantityAfter: before - quantity,
			ReferenceID:   orderID,
			OccurredAt:    occurredAt,
		}); err != nil {
			return 0, fmt.Errorf("stock fact %s: %w", productID, err)
		}

		products = append(products, productID)
	}

	now := time.Now().UTC()
	for _, productID := range products {
		if err := r.stock.RecomputeAlert(ctx, tx, env.TenantID, productID, now); err != nil {
			return 0, err
		}
		if err := r.sales.RecomputeSuggestions(ctx, tx, env.TenantID, productID, now); err != nil {
			return 0, err
		}
	}
	return len(products), nil
}

func (r *Router) applyStockUpdate(ctx context.Context, tx TxStore, env *contracts.Envelope) error {
	productID, _ := env.Payload["product_id"].(string)
	if productID == "" {
		r.log.Warn("stock update without product_id",
			zap.String("event_id", env.EventID.String()))
		return nil
	}
	movement, _ := env.Payload["movement_type"].(string)
	if movement != MovementReceived && movement != MovementAdjustment {
		movement = MovementAdjustment
	}
	delta := asFloat(env.Payload["quantity_delta"])
	referenceID, _ := env.Payload["reference_id"].(string)

	after := asFloat(env.Payload["quantity_after"])
	if _, ok := env.Payload["quantity_after"]; !ok {
		before, err := r.stock.CurrentStock(ctx, tx, env.TenantID, productID)
		if err != nil {
			return err
		}
		after = before + delta
	}

	if err := tx.InsertStockFact(ctx, StockFact{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		ProductID:     productID,
		MovementType:  movement,
		QuantityDelta: delta,
		QuantityAfter: after,
		ReferenceID:   referenceID,
		OccurredAt:    env.OccurredAt,
	}); err != nil {
		return fmt.Errorf("stock fact %s: %w", productID, err)
	}
	return r.stock.RecomputeAlert(ctx, tx, env.TenantID, productID, time.Now().UTC())
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
