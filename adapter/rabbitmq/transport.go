package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/orderbus"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("rabbitmq: transport closed")

// Transport implements orderbus.Transport on RabbitMQ. Every topic maps to an
// exchange and every group to a durable queue bound to it.
type Transport struct {
	cfg    Config
	conn   *Connection
	logger *xlog.Logger

	// pubMu guards the publishing channel and the set of declared exchanges.
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]struct{}

	// stop cancels every subscription when the transport closes.
	stop   context.Context
	halt   context.CancelFunc
	subsWG sync.WaitGroup
	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	rejected      atomic.Uint64
	publishErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Rejected      uint64
	PublishErrors uint64
}

var _ orderbus.Transport = (*Transport)(nil)

// NewTransport validates cfg and connects to the broker.
func NewTransport(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := xlog.Default()
	conn, err := Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	stop, halt := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		declared: make(map[string]struct{}),
		stop:     stop,
		halt:     halt,
	}, nil
}

// Publish sends persistent messages to the topic exchange and waits for
// broker confirms.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*orderbus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	err := t.publishLocked(ctx, topic, msgs)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// The channel may have died with the connection. One more try on a
		// fresh channel.
		t.resetLocked()
		err = t.publishLocked(ctx, topic, msgs)
	}
	if err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

func (t *Transport) publishLocked(ctx context.Context, exchange string, msgs []*orderbus.Message) error {
	ch, err := t.channelLocked()
	if err != nil {
		return err
	}
	if _, ok := t.declared[exchange]; !ok {
		if err := declareExchange(ch, t.cfg, exchange); err != nil {
			return err
		}
		t.declared[exchange] = struct{}{}
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, "", false, false, toPublishing(m))
		if err != nil {
			return fmt.Errorf("publish %s to %q: %w", m.ID, exchange, err)
		}
		confirms = append(confirms, dc)
	}
	for i, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", msgs[i].ID, err)
		}
		if !ok {
			return fmt.Errorf("publish %s to %q: nacked by broker", msgs[i].ID, exchange)
		}
	}
	return nil
}

// channelLocked returns the publishing channel in confirm mode, opening it
// when needed. Exchanges are re-declared after a new channel is opened.
func (t *Transport) channelLocked() (*amqp.Channel, error) {
	if t.pubCh != nil && !t.pubCh.IsClosed() {
		return t.pubCh, nil
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	t.pubCh = ch
	clear(t.declared)
	return ch, nil
}

func (t *Transport) resetLocked() {
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	clear(t.declared)
}

// publishError copies a failed message to a queue's error exchange.
func (t *Transport) publishError(ctx context.Context, exchange string, pub amqp.Publishing) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	send := func() error {
		ch, err := t.channelLocked()
		if err != nil {
			return err
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, "", false, false, pub)
		if err != nil {
			return err
		}
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("nacked by broker")
		}
		return nil
	}
	err := send()
	if err != nil && ctx.Err() == nil {
		t.resetLocked()
		err = send()
	}
	if err != nil {
		return fmt.Errorf("publish to error exchange %q: %w", exchange, err)
	}
	return nil
}

// Subscribe declares the queue topology and starts consuming. The consumer is
// re-established after every reconnect until ctx is done or the subscription
// is closed.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(orderbus.Delivery)) (orderbus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, orderbus.ErrInvalidSubscription
	}

	sctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(t.stop, cancel)
	s := &subscription{
		t:       t,
		topic:   topic,
		queue:   group,
		handler: handler,
		logger:  t.logger.With(xlog.Str("topic", topic), xlog.Str("queue", group)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// First setup runs inline so topology errors reach the caller.
	ch, deliveries, err := s.setup()
	if err != nil {
		unlink()
		cancel()
		return nil, err
	}

	t.subsWG.Add(1)
	go func() {
		defer t.subsWG.Done()
		defer close(s.done)
		defer unlink()
		s.run(sctx, ch, deliveries)
	}()
	return s, nil
}

// Close stops every subscription and closes the connection.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.halt()

	waited := make(chan struct{})
	go func() {
		t.subsWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		t.logger.Warn().Msg("rabbitmq: close timed out waiting for subscriptions")
	}

	t.pubMu.Lock()
	t.resetLocked()
	t.pubMu.Unlock()
	return t.conn.Close()
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Rejected:      t.metrics.rejected.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

type subscription struct {
	t       *Transport
	topic   string
	queue   string
	handler func(orderbus.Delivery)
	logger  *xlog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Close stops consuming and waits for in-flight handlers.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *subscription) setup() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := s.t.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := declareTopology(ch, s.t.cfg, s.topic, s.queue); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(s.t.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %q: %w", s.queue, err)
	}
	return ch, deliveries, nil
}

func (s *subscription) run(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	for {
		reconnected := s.t.conn.Reconnected()
		if ch != nil {
			s.consume(ctx, deliveries)
			// Unacked prefetched messages go back to the queue.
			_ = ch.Close()
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn().Msg("rabbitmq: consumer stopped, waiting for reconnect")
		select {
		case <-ctx.Done():
			return
		case <-reconnected:
		case <-time.After(s.t.cfg.ReconnectMax):
		}

		var err error
		ch, deliveries, err = s.setup()
		if err != nil {
			s.logger.Warn().Err(err).Msg("rabbitmq: consumer setup failed")
			ch = nil
			continue
		}
		s.logger.Info().Msg("rabbitmq: consumer restarted")
	}
}

// consume runs Concurrency handler goroutines until ctx is done or the
// deliveries channel is closed by the broker.
func (s *subscription) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < s.t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-deliveries:
					if !ok {
						return
					}
					s.t.metrics.consumed.Add(1)
					s.handler(newDelivery(s.t, s.queue, raw))
				}
			}
		}()
	}
	wg.Wait()
}
