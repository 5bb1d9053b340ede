package contracts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(EventSaleRecorded, uuid.New(), "materials", map[string]any{
		"order_id": "O1",
		"items": []any{
			map[string]any{"product_id": "P1", "quantity": float64(10)},
		},
	})
	env.CorrelationID = "corr-1"
	env.Metadata["retry_count"] = 2

	fields, err := env.StreamFields()
	require.NoError(t, err)

	decoded, err := FromStreamFields("1700000000000-0", fields)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.TenantID, decoded.TenantID)
	assert.Equal(t, "materials", decoded.Vertical)
	assert.Equal(t, env.Version, decoded.Version)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, "O1", decoded.Payload["order_id"])
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
	assert.Equal(t, 2, decoded.RetryCount())
	assert.Equal(t, "1700000000000-0", decoded.StreamMsgID())
}

func TestFromStreamFieldsDefaults(t *testing.T) {
	fields := map[string]any{
		"event_id":   uuid.NewString(),
		"event_type": "something_new",
		"tenant_id":  uuid.NewString(),
	}
	env, err := FromStreamFields("1-0", fields)
	require.NoError(t, err)

	assert.Equal(t, "", env.Vertical)
	assert.Equal(t, 1, env.Version)
	assert.Empty(t, env.Payload)
	assert.Equal(t, 0, env.RetryCount())
	assert.WithinDuration(t, time.Now().UTC(), env.OccurredAt, time.Minute)
}

func TestFromStreamFieldsIgnoresUnknownFields(t *testing.T) {
	fields := map[string]any{
		"event_id":    uuid.NewString(),
		"event_type":  "x",
		"tenant_id":   uuid.NewString(),
		"brand_new":   "field",
		"another_one": "value",
		"occurred_at": "not-a-time",
		"version":     "not-a-number",
		"metadata":    "{broken json",
	}
	env, err := FromStreamFields("1-0", fields)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
}

func TestFromStreamFieldsErrors(t *testing.T) {
	valid := map[string]any{
		"event_id":   uuid.NewString(),
		"event_type": "x",
		"tenant_id":  uuid.NewString(),
	}

	t.Run("bad event id", func(t *testing.T) {
		fields := map[string]any{"event_id": "nope", "event_type": "x", "tenant_id": valid["tenant_id"]}
		_, err := FromStreamFields("1-0", fields)
		assert.Error(t, err)
	})
	t.Run("missing event type", func(t *testing.T) {
		fields := map[string]any{"event_id": valid["event_id"], "tenant_id": valid["tenant_id"]}
		_, err := FromStreamFields("1-0", fields)
		assert.Error(t, err)
	})
	t.Run("broken payload json", func(t *testing.T) {
		fields := map[string]any{
			"event_id": valid["event_id"], "event_type": "x", "tenant_id": valid["tenant_id"],
			"payload": "{not json",
		}
		_, err := FromStreamFields("1-0", fields)
		assert.Error(t, err)
	})
}

func TestRetryCountMetadata(t *testing.T) {
	env := NewEnvelope("x", uuid.New(), "", nil)
	assert.Equal(t, 0, env.RetryCount())

	env.WithRetryCount(3)
	assert.Equal(t, 3, env.RetryCount())

	// JSON round-trips numbers as float64.
	env.Metadata[MetaRetryCount] = float64(2)
	assert.Equal(t, 2, env.RetryCount())
}
