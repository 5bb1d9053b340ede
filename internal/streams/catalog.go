package streams

import (
	"context"
	"fmt"
	"strings"
)

// Well-known stream names and consumer groups.
const (
	// WhatsApp messaging streams.
	StreamWhatsAppInbound  = "bc:whatsapp:inbound"
	StreamWhatsAppOutbound = "bc:whatsapp:outbound"
	StreamWhatsAppDLQ      = "bc:whatsapp:dlq"

	// GroupEngines consumes the per-vertical domain streams.
	GroupEngines = "engines"
	// GroupWhatsAppEngine consumes the inbound and outbound streams.
	GroupWhatsAppEngine = "whatsapp-engine"
	// GroupWhatsAppNotifier consumes the domain stream for customer
	// notifications. It only cares about new events, so it starts at "$".
	GroupWhatsAppNotifier = "whatsapp-notifier"

	// StartReplay delivers the stream from the beginning.
	StartReplay = "0"
	// StartNew delivers only entries appended after group creation.
	StartNew = "$"
)

// VerticalStream returns the domain stream name for a vertical,
// e.g. "events:materials".
func VerticalStream(vertical string) string {
	return fmt.Sprintf("events:%s", vertical)
}

// VerticalFromStream is the inverse of VerticalStream; it returns the stream
// name unchanged when it is outside the events: namespace.
func VerticalFromStream(stream string) string {
	return strings.TrimPrefix(stream, "events:")
}

// GroupSpec describes one consumer group to provision at startup.
type GroupSpec struct {
	Stream  string
	Group   string
	StartID string
}

// WhatsAppGroups returns the groups the messaging worker needs on the given
// domain stream.
func WhatsAppGroups(domainStream string) []GroupSpec {
	return []GroupSpec{
		{Stream: StreamWhatsAppInbound, Group: GroupWhatsAppEngine, StartID: StartReplay},
		{Stream: StreamWhatsAppOutbound, Group: GroupWhatsAppEngine, StartID: StartReplay},
		{Stream: domainStream, Group: GroupWhatsAppNotifier, StartID: StartNew},
	}
}

// EnsureAll provisions every group in specs, failing on the first error.
// Workers call this once at startup and exit nonzero on failure.
func (c *Client) EnsureAll(ctx context.Context, specs []GroupSpec) error {
	for _, s := range specs {
		if _, err := c.EnsureGroup(ctx, s.Stream, s.Group, s.StartID); err != nil {
			return err
		}
	}
	return nil
}
