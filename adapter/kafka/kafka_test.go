//go:build integration

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/trickstertwo/orderbus"
)

func startKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	container, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		tckafka.WithClusterID("orderbus-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func newTestTransport(t *testing.T, brokers []string) *Transport {
	t.Helper()
	cfg := Defaults()
	cfg.Brokers = brokers
	cfg.MaxWait = 200 * time.Millisecond

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestSubscribe_ConsumesAllMessages(t *testing.T) {
	tr := newTestTransport(t, startKafka(t))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const numMessages = 20
	msgs := make([]*orderbus.Message, numMessages)
	for i := range msgs {
		msgs[i] = &orderbus.Message{
			Name:    "ConsumeTestEvent",
			Payload: []byte(fmt.Sprintf(`{"id":%d}`, i)),
		}
	}
	require.NoError(t, tr.Publish(ctx, "consume-test", msgs...))

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

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}
	assert.Equal(t, uint64(numMessages), tr.Stats().Acked)
}

func TestNack_WritesToErrorTopic(t *testing.T) {
	brokers := startKafka(t)
	tr := newTestTransport(t, brokers)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, tr.Publish(ctx, "dlq-topic", &orderbus.Message{
		ID:      "dl-1",
		Name:    "DLQTestEvent",
		Payload: []byte(`{"test":"dlq"}`),
	}))

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "dlq-topic", "dlq-group", func(d orderbus.Delivery) {
		d.Message().SetHeader(orderbus.HeaderFaultAttempts, "18")
		assert.NoError(t, d.Nack(ctx, errors.New("boom")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-nacked:
	case <-ctx.Done():
		t.Fatal("message was never delivered")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     "dlq-group_error",
		Partition: 0,
		MaxWait:   200 * time.Millisecond,
	})
	defer r.Close()

	km, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	dl := fromKafka(km)
	assert.Equal(t, "dl-1", dl.ID)
	assert.Equal(t, "DLQTestEvent", dl.Name)
	assert.Equal(t, "18", dl.Header(orderbus.HeaderFaultAttempts))
	assert.Equal(t, "boom", dl.Header(orderbus.HeaderFaultReason))
	assert.Equal(t, "dlq-group", dl.Header(orderbus.HeaderFaultInputAddress))
	assert.Equal(t, uint64(1), tr.Stats().DeadLettered)
}

func TestBus_EndpointRoundTrip(t *testing.T) {
	brokers := startKafka(t)

	type Ping struct {
		N int `json:"n"`
	}

	cfg := Defaults()
	cfg.Brokers = brokers
	cfg.MaxWait = 200 * time.Millisecond
	bus, err := Use(cfg)
	require.NoError(t, err)
	defer bus.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
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
