package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel/trace"
)

// Use builds a Bus on a fresh in-memory transport and returns both, so tests
// can inspect error queues through the transport.
//
//	bus, tr, err := memory.Use(memory.Config{Concurrency: 4, AssignIDs: true},
//	    memory.WithLogger(logger),
//	)
func Use(cfg Config, opts ...Option) (*orderbus.Bus, *Transport, error) {
	tr := NewTransport(cfg)
	bb := orderbus.NewBusBuilder().WithTransportInstance(tr)
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("memory.Use: %w", err)
	}
	return bus, tr, nil
}

// Option configures the orderbus.Bus when calling Use.
type Option func(*orderbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *orderbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *orderbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *orderbus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds bus-wide processing middlewares.
func WithMiddleware(mw ...orderbus.Middleware) Option {
	return func(b *orderbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *orderbus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...orderbus.Observer) Option {
	return func(b *orderbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *orderbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithTracing enables trace propagation and consumer spans.
func WithTracing(tp trace.TracerProvider) Option {
	return func(b *orderbus.BusBuilder) { b.WithTracing(tp) }
}
