package kafka

import (
	"fmt"
	"time"

	"github.com/trickstertwo/orderbus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const TransportName = "kafka"

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

// Use builds a Bus on Kafka. The caller owns the returned bus.
func Use(cfg Config, opts ...Option) (*orderbus.Bus, error) {
	bb := orderbus.NewBusBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("kafka.Use: %w", err)
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

func WithAckTimeout(d time.Duration) Option {
	return func(b *orderbus.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...orderbus.Observer) Option {
	return func(b *orderbus.BusBuilder) { b.WithObserver(obs...) }
}
