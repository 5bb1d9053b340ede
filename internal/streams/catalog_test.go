package streams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerticalStreamRoundTrip(t *testing.T) {
	assert.Equal(t, "events:materials", VerticalStream("materials"))
	assert.Equal(t, "materials", VerticalFromStream("events:materials"))
	assert.Equal(t, "bc:whatsapp:inbound", VerticalFromStream("bc:whatsapp:inbound"))
}

func TestWhatsAppGroups(t *testing.T) {
	specs := WhatsAppGroups("events:materials")
	require.Len(t, specs, 3)

	assert.Equal(t, GroupSpec{Stream: StreamWhatsAppInbound, Group: GroupWhatsAppEngine, StartID: StartReplay}, specs[0])
	assert.Equal(t, GroupSpec{Stream: StreamWhatsAppOutbound, Group: GroupWhatsAppEngine, StartID: StartReplay}, specs[1])
	// The notifier shares the domain stream and only wants new events.
	assert.Equal(t, GroupSpec{Stream: "events:materials", Group: GroupWhatsAppNotifier, StartID: StartNew}, specs[2])
}
