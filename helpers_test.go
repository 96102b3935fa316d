package orderbus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/orderbus/adapter/memory"
)

type placed struct {
	ID string `json:"id"`
}

type cancelled struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func newMemoryBus(t *testing.T, opts ...memory.Option) (*orderbus.Bus, *memory.Transport) {
	t.Helper()
	bus, tr, err := memory.Use(memory.Config{Concurrency: 2, AssignIDs: true}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus, tr
}

// countingConsumer fails until it has been called failFor times.
type countingConsumer[T any] struct {
	calls   atomic.Int64
	failFor int64
	err     error
	seen    chan T
}

func newCountingConsumer[T any](failFor int64, err error) *countingConsumer[T] {
	return &countingConsumer[T]{failFor: failFor, err: err, seen: make(chan T, 64)}
}

func (c *countingConsumer[T]) Consume(_ context.Context, cc *orderbus.ConsumeContext[T]) error {
	n := c.calls.Add(1)
	if n <= c.failFor {
		return c.err
	}
	c.seen <- cc.Message
	return nil
}

func waitErrorQueue(t *testing.T, tr *memory.Transport, queue string, n int) []*orderbus.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.ErrorQueue(queue)) >= n }, 5*time.Second, 5*time.Millisecond)
	return tr.ErrorQueue(queue)
}
