package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/orderbus"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("kafka: transport closed")

// Transport implements orderbus.Transport on Kafka consumer groups. Topics map
// one to one; a group is a Kafka consumer group.
type Transport struct {
	cfg    Config
	writer *kafka.Writer
	logger *xlog.Logger

	topicsMu sync.Mutex
	topics   map[string]struct{}

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
	publishErrors atomic.Uint64
	fetchErrors   atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	PublishErrors uint64
	FetchErrors   uint64
}

var _ orderbus.Transport = (*Transport)(nil)

// NewTransport validates cfg and prepares a writer. Brokers are contacted
// lazily.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stop, halt := context.WithCancel(context.Background())
	return &Transport{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequireAll,
		},
		logger: xlog.Default(),
		topics: make(map[string]struct{}),
		stop:   stop,
		halt:   halt,
	}, nil
}

// Publish writes messages to topic keyed by message id.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*orderbus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	topic = topicName(topic)
	if err := t.ensureTopics(ctx, topic); err != nil {
		return err
	}

	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		out[i] = toKafka(topic, m)
	}
	if err := t.writer.WriteMessages(ctx, out...); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("write %d messages to %q: %w", len(msgs), topic, err)
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

// ensureTopics creates missing topics through the cluster controller.
func (t *Transport) ensureTopics(ctx context.Context, topics ...string) error {
	t.topicsMu.Lock()
	defer t.topicsMu.Unlock()

	missing := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		if _, ok := t.topics[topic]; !ok {
			missing = append(missing, kafka.TopicConfig{
				Topic:             topic,
				NumPartitions:     t.cfg.Partitions,
				ReplicationFactor: t.cfg.ReplicationFactor,
			})
		}
	}
	if len(missing) == 0 {
		return nil
	}

	conn, err := kafka.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(missing...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, tc := range missing {
		t.topics[tc.Topic] = struct{}{}
	}
	return nil
}

// Subscribe joins group on topic with cfg.Readers group members.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(orderbus.Delivery)) (orderbus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, orderbus.ErrInvalidSubscription
	}
	topic = topicName(topic)
	if err := t.ensureTopics(ctx, topic, t.cfg.errorTopic(group)); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(t.stop, cancel)
	s := &subscription{cancel: cancel}
	logger := t.logger.With(xlog.Str("topic", topic), xlog.Str("group", group))

	for i := 0; i < t.cfg.Readers; i++ {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     t.cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			MinBytes:    t.cfg.MinBytes,
			MaxBytes:    t.cfg.MaxBytes,
			MaxWait:     t.cfg.MaxWait,
			StartOffset: t.cfg.StartOffset,
		})
		s.wg.Add(1)
		t.subsWG.Add(1)
		go func() {
			defer t.subsWG.Done()
			defer s.wg.Done()
			defer r.Close()
			t.readLoop(sctx, r, group, handler, logger)
		}()
	}

	go func() {
		s.wg.Wait()
		unlink()
	}()
	return s, nil
}

// topicName maps a bus topic onto the characters Kafka allows in topic
// names. Message-type topics such as "orders:OrderCreated" become
// "orders.OrderCreated".
func topicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '.'
	}, topic)
}

func (t *Transport) backoff() retry.Backoff {
	return retry.WithCappedDuration(t.cfg.MaxBackoff, retry.NewExponential(t.cfg.MinBackoff))
}

// readLoop fetches and hands over one message at a time. Offsets are
// committed by the delivery.
func (t *Transport) readLoop(ctx context.Context, r *kafka.Reader, group string, handler func(orderbus.Delivery), logger *xlog.Logger) {
	b := t.backoff()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.metrics.fetchErrors.Add(1)
			logger.Warn().Err(err).Msg("kafka: fetch failed")
			wait, _ := b.Next()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b = t.backoff()
		t.metrics.consumed.Add(1)
		handler(&delivery{t: t, r: r, group: group, raw: msg, msg: fromKafka(msg)})
	}
}

// Close stops every subscription and flushes the writer.
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
		t.logger.Warn().Msg("kafka: close timed out waiting for subscriptions")
	}
	return t.writer.Close()
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		FetchErrors:   t.metrics.fetchErrors.Load(),
	}
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close leaves the group and waits for in-flight handlers.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
