package orders

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Publisher is the part of orderbus.Bus the producer needs.
type Publisher interface {
	PublishMessage(ctx context.Context, payload any, meta map[string]string) error
}

// Producer publishes one OrderCreated per interval.
type Producer struct {
	pub      Publisher
	interval time.Duration
	clock    xclock.Clock
	logger   *xlog.Logger
	out      io.Writer
	newID    func() uuid.UUID
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

func WithInterval(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithClock(c xclock.Clock) ProducerOption {
	return func(p *Producer) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *xlog.Logger) ProducerOption {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithOutput redirects the per-event console line (default os.Stdout).
func WithOutput(w io.Writer) ProducerOption {
	return func(p *Producer) {
		if w != nil {
			p.out = w
		}
	}
}

// WithIDGenerator replaces uuid.New, e.g. to force ids in tests.
func WithIDGenerator(fn func() uuid.UUID) ProducerOption {
	return func(p *Producer) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func NewProducer(pub Publisher, opts ...ProducerOption) *Producer {
	p := &Producer{
		pub:      pub,
		interval: DefaultInterval,
		clock:    xclock.Default(),
		logger:   xlog.Default(),
		out:      os.Stdout,
		newID:    uuid.New,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Run publishes immediately and then on every tick until ctx is cancelled.
// A failed publish is logged and the next tick tries again. Run returns nil
// on cancellation.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("orders: producer started")
	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("orders: producer stopped")
			return nil
		}
		if _, err := p.Publish(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("orders: publish failed, retrying next tick")
		}

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("orders: producer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Publish sends one new OrderCreated and prints it on success.
func (p *Producer) Publish(ctx context.Context) (OrderCreated, error) {
	evt := OrderCreated{
		OrderID:   p.newID(),
		CreatedAt: p.clock.Now().UTC(),
	}
	if err := p.pub.PublishMessage(ctx, evt, nil); err != nil {
		return evt, fmt.Errorf("publish order %s: %w", evt.OrderID, err)
	}
	fmt.Fprintf(p.out, "Order created event published: %s at %s\n", evt.OrderID, evt.CreatedAt.Format(time.RFC3339Nano))
	return evt, nil
}
