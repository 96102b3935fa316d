//go:build integration

package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/trickstertwo/orderbus"
)

// startRedis runs a throwaway Redis and returns its address and a client.
func startRedis(t *testing.T) (string, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return opts.Addr, client
}

func newTestTransport(t *testing.T, addr string) *Transport {
	t.Helper()
	cfg := Defaults()
	cfg.Addr = addr
	cfg.Concurrency = 4
	cfg.Block = 200 * time.Millisecond

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestPublish_BatchMessages(t *testing.T) {
	addr, client := startRedis(t)
	tr := newTestTransport(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const batchSize = 100
	msgs := make([]*orderbus.Message, batchSize)
	for i := range msgs {
		msgs[i] = &orderbus.Message{
			Name:       "BatchEvent",
			Payload:    []byte(fmt.Sprintf(`{"index":%d}`, i)),
			ProducedAt: time.Now(),
		}
	}
	require.NoError(t, tr.Publish(ctx, "batch-topic", msgs...))

	n, err := client.XLen(ctx, "batch-topic").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(batchSize), n)
	for _, m := range msgs {
		assert.NotEmpty(t, m.ID)
	}
}

func TestSubscribe_ConsumesAllMessages(t *testing.T) {
	addr, _ := startRedis(t)
	tr := newTestTransport(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const numMessages = 50
	var consumed atomic.Int64
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, "consume-test", "consume-group", func(d orderbus.Delivery) {
		assert.NoError(t, d.Ack(ctx))
		if consumed.Add(1) == numMessages {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < numMessages; i++ {
		require.NoError(t, tr.Publish(ctx, "consume-test", &orderbus.Message{
			Name:    "ConsumeTestEvent",
			Payload: []byte(fmt.Sprintf(`{"id":%d}`, i)),
		}))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}
	assert.Equal(t, uint64(numMessages), tr.Stats().Acked)
}

func TestDeadLetter_NackWritesToErrorStream(t *testing.T) {
	addr, client := startRedis(t)
	tr := newTestTransport(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "dlq-topic", "dlq-group", func(d orderbus.Delivery) {
		d.Message().SetHeader(orderbus.HeaderFaultAttempts, "18")
		assert.NoError(t, d.Nack(ctx, errors.New("boom")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "dlq-topic", &orderbus.Message{
		ID:      "dl-1",
		Name:    "DLQTestEvent",
		Payload: []byte(`{"test":"dlq"}`),
	}))

	select {
	case <-nacked:
	case <-ctx.Done():
		t.Fatal("message was never delivered")
	}

	entries, err := client.XRange(ctx, "dlq-group_error", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Values[fieldError])
	assert.Equal(t, "dlq-topic", entries[0].Values[fieldOrigTopic])

	dl := decodeMessage(entries[0].ID, entries[0].Values)
	assert.Equal(t, "dl-1", dl.ID)
	assert.Equal(t, "18", dl.Header(orderbus.HeaderFaultAttempts))

	pending, err := client.XPending(ctx, "dlq-topic", "dlq-group").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestBus_EndpointRoundTrip(t *testing.T) {
	addr, _ := startRedis(t)

	type Ping struct {
		N int `json:"n"`
	}

	bus, err := Use(Config{
		Addr:        addr,
		Consumer:    "it-consumer",
		Concurrency: 2,
		BatchSize:   16,
		Block:       200 * time.Millisecond,
		AutoCreate:  true,
		MinBackoff:  50 * time.Millisecond,
		MaxBackoff:  time.Second,
	})
	require.NoError(t, err)
	defer bus.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	got := make(chan int, 1)
	ep, err := orderbus.ReceiveEndpoint(ctx, bus, "ping-endpoint", func(e *orderbus.EndpointBuilder) {
		orderbus.AddConsumer[Ping](e, orderbus.ConsumerFunc[Ping](func(_ context.Context, cc *orderbus.ConsumeContext[Ping]) error {
			got <- cc.Message.N
			return nil
		}))
	})
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, bus.PublishMessage(ctx, Ping{N: 7}, nil))

	select {
	case n := <-got:
		assert.Equal(t, 7, n)
	case <-ctx.Done():
		t.Fatal("timeout waiting for ping")
	}
}
