package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel/trace"
)

const TransportName = "rabbitmq"

func init() {
	if err := orderbus.RegisterTransport(TransportName, func(cfg map[string]any) (orderbus.Transport, error) {
		t, err := NewTransport(context.Background(), ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("orderbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on RabbitMQ. The caller owns the returned bus.
func Use(cfg Config, opts ...Option) (*orderbus.Bus, error) {
	bb := orderbus.NewBusBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq.Use: %w", err)
	}
	return bus, nil
}

// Option configures the orderbus.Bus construction when calling Use.
type Option func(*orderbus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *orderbus.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *orderbus.BusBuilder) { b.WithClock(c) }
}

func WithMiddleware(mw ...orderbus.Middleware) Option {
	return func(b *orderbus.BusBuilder) { b.WithMiddleware(mw...) }
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *orderbus.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...orderbus.Observer) Option {
	return func(b *orderbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithTracing enables consumer spans and trace context propagation.
func WithTracing(tp trace.TracerProvider) Option {
	return func(b *orderbus.BusBuilder) { b.WithTracing(tp) }
}
