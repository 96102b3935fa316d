//go:build integration

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trickstertwo/orderbus"
)

func startRabbit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	cfg := Defaults()
	cfg.URL = url
	cfg.Concurrency = 4

	tr, err := NewTransport(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

// queueDepth reads the ready message count of a queue with a passive declare.
func queueDepth(t *testing.T, url, queue string) int {
	t.Helper()
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	require.NoError(t, err)
	return q.Messages
}

func TestSubscribe_ConsumesAllMessages(t *testing.T) {
	url := startRabbit(t)
	tr := newTestTransport(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const numMessages = 50
	var consumed atomic.Int64
	done := make(chan struct{})

	sub, err := tr.Subscribe(ctx, "consume-test", "consume-queue", func(d orderbus.Delivery) {
		assert.NoError(t, d.Ack(ctx))
		if consumed.Add(1) == numMessages {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	msgs := make([]*orderbus.Message, numMessages)
	for i := range msgs {
		msgs[i] = &orderbus.Message{
			Name:    "ConsumeTestEvent",
			Payload: []byte(fmt.Sprintf(`{"id":%d}`, i)),
		}
	}
	require.NoError(t, tr.Publish(ctx, "consume-test", msgs...))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}
	assert.Equal(t, uint64(numMessages), tr.Stats().Acked)
	assert.Equal(t, uint64(numMessages), tr.Stats().Published)
}

func TestNack_CopiesToErrorQueue(t *testing.T) {
	url := startRabbit(t)
	tr := newTestTransport(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "dlq-topic", "dlq-queue", func(d orderbus.Delivery) {
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

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var got amqp.Delivery
	require.Eventually(t, func() bool {
		d, ok, err := ch.Get("dlq-queue_error", true)
		if err != nil || !ok {
			return false
		}
		got = d
		return true
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, "dl-1", got.MessageId)
	assert.Equal(t, "18", got.Headers[orderbus.HeaderFaultAttempts])
	assert.Equal(t, "boom", got.Headers[orderbus.HeaderFaultReason])
	assert.Equal(t, "dlq-queue", got.Headers[orderbus.HeaderFaultInputAddress])
	assert.Equal(t, uint64(1), tr.Stats().DeadLettered)
	assert.Zero(t, queueDepth(t, url, "dlq-queue"))
}

func TestBus_EndpointRoundTrip(t *testing.T) {
	url := startRabbit(t)

	type Ping struct {
		N int `json:"n"`
	}

	cfg := Defaults()
	cfg.URL = url
	bus, err := Use(cfg)
	require.NoError(t, err)
	defer bus.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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
