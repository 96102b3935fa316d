package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const TransportName = "redis-streams"

func init() {
	if err := orderbus.RegisterTransport(TransportName, func(cfg map[string]any) (orderbus.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("orderbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Redis Streams. The caller owns the returned bus.
func Use(cfg Config, opts ...Option) (*orderbus.Bus, error) {
	bb := orderbus.NewBusBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	return bus, nil
}

// Option configures the orderbus.Bus construction when calling Use.
type Option func(*orderbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *orderbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *orderbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *orderbus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...orderbus.Middleware) Option {
	return func(b *orderbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *orderbus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...orderbus.Observer) Option {
	return func(b *orderbus.BusBuilder) { b.WithObserver(obs...) }
}
