package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "events:materials", s.EnginesStreamName)
	assert.Equal(t, "engines", s.EnginesGroupName)
	assert.NotEmpty(t, s.EnginesConsumerName)

	assert.Equal(t, int64(10), s.BatchSize)
	assert.Equal(t, 5*time.Second, s.Block)
	assert.Equal(t, 30*time.Second, s.ReclaimInterval)
	assert.Equal(t, time.Minute, s.ReclaimIdle)

	assert.Equal(t, 100, s.RelayBatchSize)
	assert.Equal(t, time.Second, s.RelayPollIntervalEmpty)
	assert.Equal(t, 100*time.Millisecond, s.RelayPollIntervalBusy)

	assert.Equal(t, int64(100000), s.StreamMaxLen)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, "stub", s.WhatsAppProvider)
	assert.Equal(t, ":8080", s.WebhookListenAddr)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENGINES_STREAM_NAME", "events:bakery")
	t.Setenv("ENGINES_CONSUMER_NAME", "worker-7")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BLOCK_MS", "1500")
	t.Setenv("RECLAIM_INTERVAL_SEC", "10")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("WHATSAPP_PROVIDER", "meta")
	t.Setenv("WHATSAPP_APP_SECRET", "secret-1")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "events:bakery", s.EnginesStreamName)
	assert.Equal(t, "worker-7", s.EnginesConsumerName)
	assert.Equal(t, int64(25), s.BatchSize)
	assert.Equal(t, 1500*time.Millisecond, s.Block)
	assert.Equal(t, 10*time.Second, s.ReclaimInterval)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, "meta", s.WhatsAppProvider)
	assert.Equal(t, "secret-1", s.WhatsAppAppSecret)
}

func TestLoadIgnoresUnparsableNumbers(t *testing.T) {
	t.Setenv("BATCH_SIZE", "lots")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.BatchSize)
}
