package orders_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/orderbus/adapter/memory"
	"github.com/trickstertwo/orderbus/orders"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testRetry keeps the 6 x 3 layout but with short intervals.
func testRetry() orders.Retry {
	return orders.Retry{
		Endpoint: orderbus.Immediate(5),
		Consumer: orderbus.Interval(2, time.Millisecond),
	}
}

type harness struct {
	bus      *orderbus.Bus
	tr       *memory.Transport
	out      *lockedBuffer
	calls    atomic.Int64
	received chan orders.OrderCreated
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus, tr, err := memory.Use(memory.Config{Concurrency: 2, AssignIDs: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	h := &harness{bus: bus, tr: tr, out: &lockedBuffer{}, received: make(chan orders.OrderCreated, 16)}
	consumer := orders.NewOrderCreatedConsumer(h.out)
	counting := orderbus.ConsumerFunc[orders.OrderCreated](func(ctx context.Context, cc *orderbus.ConsumeContext[orders.OrderCreated]) error {
		h.calls.Add(1)
		err := consumer.Consume(ctx, cc)
		if err == nil {
			h.received <- cc.Message
		}
		return err
	})

	ep, err := orderbus.ReceiveEndpoint(context.Background(), bus, orders.QueueName, func(e *orderbus.EndpointBuilder) {
		orders.ConfigureEndpoint(e, counting, testRetry())
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return h
}

func TestOrderCreated_MessageType(t *testing.T) {
	assert.Equal(t, "orders:OrderCreated", orderbus.MessageTypeFor[orders.OrderCreated]())
	assert.Equal(t, "urn:message:orders:OrderCreated", orderbus.MessageURN(orders.OrderCreated{}))
}

func TestDefaultRetry_EighteenInvocations(t *testing.T) {
	r := orders.DefaultRetry()
	assert.Equal(t, 18, r.Endpoint.Attempts()*r.Consumer.Attempts())
	assert.Equal(t, time.Second, r.Consumer.Delay(1))
}

func TestConsumer_IDStartingWithFiveIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	id := uuid.MustParse("5a1b2c3d-0000-4000-8000-000000000001")

	require.NoError(t, h.bus.PublishMessage(context.Background(), orders.OrderCreated{
		OrderID:   id,
		CreatedAt: time.Now().UTC(),
	}, nil))

	require.Eventually(t, func() bool {
		return len(h.tr.ErrorQueue(orders.QueueName)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(18), h.calls.Load())
	failed := h.tr.ErrorQueue(orders.QueueName)[0]
	assert.Equal(t, "18", failed.Header(orderbus.HeaderFaultAttempts))
	assert.Contains(t, failed.Header(orderbus.HeaderFaultReason), orders.ErrOrderIDStartsWithFive.Error())
	assert.Equal(t, orders.QueueName, failed.Header(orderbus.HeaderFaultInputAddress))

	stats := h.tr.Stats()
	assert.Zero(t, stats.Acked)
	assert.Equal(t, uint64(1), stats.DeadLettered)
	assert.Empty(t, h.out.String())
}

func TestConsumer_OtherIDsAreProcessedOnce(t *testing.T) {
	h := newHarness(t)
	id := uuid.MustParse("2c3d4e5f-0000-4000-8000-000000000002")

	require.NoError(t, h.bus.PublishMessage(context.Background(), orders.OrderCreated{
		OrderID:   id,
		CreatedAt: time.Now().UTC(),
	}, nil))

	select {
	case <-h.received:
	case <-time.After(5 * time.Second):
		t.Fatal("order was never received")
	}
	require.Eventually(t, func() bool { return h.tr.Stats().Acked == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), h.calls.Load())
	assert.Empty(t, h.tr.ErrorQueue(orders.QueueName))
	assert.Zero(t, h.tr.Pending(orders.QueueName))
	assert.True(t, strings.HasPrefix(h.out.String(), "Order Received: "+id.String()+" at "))
}

func TestProducerToConsumer_RoundTrip(t *testing.T) {
	h := newHarness(t)
	id := uuid.MustParse("7e57e57e-0000-4000-8000-000000000003")

	p := orders.NewProducer(h.bus,
		orders.WithOutput(&lockedBuffer{}),
		orders.WithIDGenerator(func() uuid.UUID { return id }),
	)
	sent, err := p.Publish(context.Background())
	require.NoError(t, err)

	select {
	case got := <-h.received:
		assert.Equal(t, sent.OrderID, got.OrderID)
		assert.True(t, sent.CreatedAt.Equal(got.CreatedAt), "sent %s, got %s", sent.CreatedAt, got.CreatedAt)
	case <-time.After(5 * time.Second):
		t.Fatal("order was never received")
	}
}

// recordingPublisher captures published events and fails the first failN calls.
type recordingPublisher struct {
	mu     sync.Mutex
	events []orders.OrderCreated
	calls  int
	failN  int
	notify chan struct{}
}

func (p *recordingPublisher) PublishMessage(_ context.Context, payload any, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.notify != nil {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	if p.calls <= p.failN {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, payload.(orders.OrderCreated))
	return nil
}

func (p *recordingPublisher) snapshot() (int, []orders.OrderCreated) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]orders.OrderCreated(nil), p.events...)
}

func TestProducer_GeneratesUniqueIDs(t *testing.T) {
	pub := &recordingPublisher{}
	p := orders.NewProducer(pub, orders.WithOutput(&lockedBuffer{}))

	const n = 10000
	for i := 0; i < n; i++ {
		_, err := p.Publish(context.Background())
		require.NoError(t, err)
	}

	_, events := pub.snapshot()
	seen := make(map[uuid.UUID]struct{}, n)
	for _, e := range events {
		seen[e.OrderID] = struct{}{}
		assert.Equal(t, time.UTC, e.CreatedAt.Location())
	}
	assert.Len(t, seen, n)
}

func TestProducer_RunPublishesUntilCancelled(t *testing.T) {
	pub := &recordingPublisher{notify: make(chan struct{}, 1)}
	out := &lockedBuffer{}
	p := orders.NewProducer(pub, orders.WithInterval(5*time.Millisecond), orders.WithOutput(out))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := pub.snapshot()
		return calls >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, events := pub.snapshot()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, len(events))
	assert.True(t, strings.HasPrefix(lines[0], "Order created event published: "+events[0].OrderID.String()+" at "))
}

func TestProducer_PublishFailureDoesNotStopRun(t *testing.T) {
	pub := &recordingPublisher{failN: 2}
	out := &lockedBuffer{}
	p := orders.NewProducer(pub, orders.WithInterval(time.Millisecond), orders.WithOutput(out))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, events := pub.snapshot()
		return len(events) >= 1
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	calls, events := pub.snapshot()
	assert.Equal(t, calls-2, len(events))
	assert.NotContains(t, out.String(), "broker unavailable")
}

func TestProducer_RunReturnsImmediatelyOnCancelledContext(t *testing.T) {
	pub := &recordingPublisher{}
	p := orders.NewProducer(pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	calls, _ := pub.snapshot()
	assert.Zero(t, calls)
}
