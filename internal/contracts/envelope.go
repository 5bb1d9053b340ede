package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata keys maintained by the bus machinery.
const (
	MetaRetryCount  = "retry_count"
	MetaStreamMsgID = "stream_msg_id"
)

// Envelope wraps every event on the bus with identity, tenancy, type and a
// self-contained payload.
//
// The stream wire format is a flat string-keyed record:
// event_id, event_type, tenant_id, vertical, occurred_at (RFC 3339 UTC),
// version (integer as string), payload (JSON), correlation_id (may be empty)
// and metadata (JSON). Unknown stream fields are ignored so older consumers
// keep working against newer producers.
type Envelope struct {
	EventID       uuid.UUID
	EventType     string
	TenantID      uuid.UUID
	Vertical      string
	OccurredAt    time.Time
	Version       int
	Payload       map[string]any
	CorrelationID string
	Metadata      map[string]any
}

// NewEnvelope creates an envelope with a fresh event id and the current time.
func NewEnvelope(eventType string, tenantID uuid.UUID, vertical string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		TenantID:   tenantID,
		Vertical:   vertical,
		OccurredAt: time.Now().UTC(),
		Version:    1,
		Payload:    payload,
		Metadata:   map[string]any{},
	}
}

// StreamFields serializes the envelope into the flat record appended to a
// stream. Payload and metadata are embedded as JSON strings.
func (e *Envelope) StreamFields() (map[string]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return map[string]any{
		"event_id":       e.EventID.String(),
		"event_type":     e.EventType,
		"tenant_id":      e.TenantID.String(),
		"vertical":       e.Vertical,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"version":        fmt.Sprintf("%d", e.Version),
		"payload":        string(payload),
		"correlation_id": e.CorrelationID,
		"metadata":       string(metadata),
	}, nil
}

// FromStreamFields parses a stream record back into an envelope. msgID is the
// bus message id of the record and is stored under Metadata[MetaStreamMsgID].
//
// Missing optional fields default (vertical "", version 1, empty payload and
// metadata); extra fields are ignored.
func FromStreamFields(msgID string, fields map[string]any) (*Envelope, error) {
	get := func(key string) string {
		v, ok := fields[key]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	eventID, err := uuid.Parse(get("event_id"))
	if err != nil {
		return nil, fmt.Errorf("parse event_id %q: %w", get("event_id"), err)
	}
	tenantID, err := uuid.Parse(get("tenant_id"))
	if err != nil {
		return nil, fmt.Errorf("parse tenant_id %q: %w", get("tenant_id"), err)
	}
	eventType := get("event_type")
	if eventType == "" {
		return nil, fmt.Errorf("missing event_type for message %s", msgID)
	}

	occurredAt := time.Now().UTC()
	if raw := get("occurred_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			occurredAt = t
		}
	}

	version := 1
	if raw := get("version"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
			version = 1
		}
	}

	payload := map[string]any{}
	if raw := get("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for message %s: %w", msgID, err)
		}
	}

	metadata := map[string]any{}
	if raw := get("metadata"); raw != "" {
		// Metadata is advisory; a malformed blob does not fail the decode.
		_ = json.Unmarshal([]byte(raw), &metadata)
	}
	metadata[MetaStreamMsgID] = msgID

	return &Envelope{
		EventID:       eventID,
		EventType:     eventType,
		TenantID:      tenantID,
		Vertical:      get("vertical"),
		OccurredAt:    occurredAt,
		Version:       version,
		Payload:       payload,
		CorrelationID: get("correlation_id"),
		Metadata:      metadata,
	}, nil
}

// ToMap returns the envelope as a plain map, used when embedding a full
// envelope inside another payload (DLQ entries).
func (e *Envelope) ToMap() map[string]any {
	return map[string]any{
		"event_id":       e.EventID.String(),
		"event_type":     e.EventType,
		"tenant_id":      e.TenantID.String(),
		"vertical":       e.Vertical,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"version":        e.Version,
		"payload":        e.Payload,
		"correlation_id": e.CorrelationID,
		"metadata":       e.Metadata,
	}
}

// StreamMsgID returns the bus message id captured when the envelope was read,
// or "" for envelopes that have not been on the bus.
func (e *Envelope) StreamMsgID() string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[MetaStreamMsgID].(string)
	return s
}

// RetryCount reads the delivery retry counter from metadata.
func (e *Envelope) RetryCount() int {
	if e.Metadata == nil {
		return 0
	}
	switch v := e.Metadata[MetaRetryCount].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// WithRetryCount returns the envelope with the retry counter set. The
// envelope is mutated in place and returned for chaining.
func (e *Envelope) WithRetryCount(n int) *Envelope {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[MetaRetryCount] = n
	return e
}
