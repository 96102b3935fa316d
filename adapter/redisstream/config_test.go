package redisstream

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/orderbus"
)

func TestConfigFromMap_Defaults(t *testing.T) {
	c := ConfigFromMap(nil)
	require.NoError(t, c.Validate())
	assert.Equal(t, "127.0.0.1:6379", c.Addr)
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, 5*time.Second, c.Block)
	assert.True(t, c.AutoCreate)
}

func TestConfigFromMap_AcceptsStringDurations(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"concurrency":    float64(3),
		"block":          "250ms",
		"claim_min_idle": "30s",
		"claim_interval": time.Second,
		"dead_letter":    "custom-dlq",
	})
	assert.Equal(t, "redis:6380", c.Addr)
	assert.Equal(t, 3, c.Concurrency)
	assert.Equal(t, 250*time.Millisecond, c.Block)
	assert.Equal(t, 30*time.Second, c.ClaimMinIdle)
	assert.Equal(t, time.Second, c.ClaimInterval)
	assert.Equal(t, "custom-dlq", c.deadLetterStream("order-created-event"))
}

func TestConfig_DeadLetterDefaultsToErrorQueue(t *testing.T) {
	c := Defaults()
	assert.Equal(t, orderbus.ErrorQueueName("order-created-event"), c.deadLetterStream("order-created-event"))
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"no addr", func(c *Config) { c.Addr = "" }},
		{"no consumer", func(c *Config) { c.Consumer = "" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero block", func(c *Config) { c.Block = 0 }},
		{"claim without interval", func(c *Config) { c.ClaimMinIdle = time.Second; c.ClaimInterval = 0 }},
		{"inverted backoff", func(c *Config) { c.MaxBackoff = c.MinBackoff / 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mut(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	produced := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)
	in := &orderbus.Message{
		ID:         "msg-1",
		Name:       "orders:OrderCreated",
		Payload:    []byte(`{"orderId":"x"}`),
		Metadata:   map[string]string{orderbus.HeaderFaultAttempts: "18"},
		ProducedAt: produced,
	}

	vals := encodeMessage(in)
	// go-redis hands values back as strings
	wire := make(map[string]any, len(vals))
	for k, v := range vals {
		switch x := v.(type) {
		case []byte:
			wire[k] = string(x)
		case int64:
			wire[k] = strconv.FormatInt(x, 10)
		default:
			wire[k] = x
		}
	}

	out := decodeMessage("1700000000000-0", wire)
	assert.Equal(t, "msg-1", out.ID)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, "18", out.Header(orderbus.HeaderFaultAttempts))
	assert.True(t, produced.Equal(out.ProducedAt))
}

func TestDecodeMessage_FallsBackToEntryID(t *testing.T) {
	out := decodeMessage("1700000000000-0", map[string]any{fieldName: "n"})
	assert.Equal(t, "1700000000000-0", out.ID)
	assert.NotNil(t, out.Metadata)
}
