package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/orderbus"
)

const TransportName = "memory"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := orderbus.RegisterTransport(TransportName, func(cfg map[string]any) (orderbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("orderbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		BufferSize:  max(1, getInt("buffer_size", 1024)),
		Concurrency: max(1, getInt("concurrency", 1)),
		AssignIDs:   getBool("assign_ids", true),
	}
}

// Transport implements orderbus.Transport using in-memory channels (dev/testing).
// Topics fan out to every group; within a group each message goes to one worker.
// Nacked messages are parked in the group's error queue. A message left
// unsettled by a stopping subscription is queued again for the next worker.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	errMu  sync.Mutex
	errors map[string][]*orderbus.Message

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	requeued      atomic.Uint64
	publishErrors atomic.Uint64
}

var _ orderbus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		errors:  make(map[string][]*orderbus.Message),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups for the topic. A topic
// nobody subscribed to drops the message.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*orderbus.Message) error {
	if t.closed.Load() {
		t.metrics.publishErrors.Add(1)
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = uuid.NewString()
		}
		t.metrics.published.Add(1)
		if !ok {
			continue
		}

		top.mu.RLock()
		groups := make([]*group, 0, len(top.groups))
		for _, g := range top.groups {
			groups = append(groups, g)
		}
		top.mu.RUnlock()

		for _, g := range groups {
			task := &deliveryTask{group: g, msg: m.Clone(), tr: t}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				t.metrics.publishErrors.Add(1)
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe registers a handler for a topic/group with Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(orderbus.Delivery)) (orderbus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	g := t.ensureTopic(topic).ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(t.cfg.Concurrency)
	for i := 0; i < t.cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(orderbus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			g.inflight.Add(1)
			if ctx.Err() != nil {
				t.requeue(g, task)
				return
			}
			t.metrics.consumed.Add(1)
			d := &memDelivery{task: task}
			handler(d)
			if !d.done.Load() && ctx.Err() != nil {
				t.requeue(g, task)
				return
			}
			g.inflight.Add(-1)
		}
	}
}

// requeue puts an unsettled task back at the tail of its group queue. The
// task stays counted as in flight until it is queued again.
func (t *Transport) requeue(g *group, task *deliveryTask) {
	t.metrics.requeued.Add(1)
	select {
	case g.queue <- task:
		g.inflight.Add(-1)
	default:
		go func() {
			g.queue <- task
			g.inflight.Add(-1)
		}()
	}
}

// Close stops accepting publishes. Running subscriptions must be closed by
// their owners.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// ErrorQueue returns a snapshot of the messages moved to group's error queue,
// oldest first.
func (t *Transport) ErrorQueue(group string) []*orderbus.Message {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	q := t.errors[orderbus.ErrorQueueName(group)]
	out := make([]*orderbus.Message, len(q))
	copy(out, q)
	return out
}

// Pending counts messages of group that are queued or being handled.
func (t *Transport) Pending(group string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, top := range t.topics {
		top.mu.RLock()
		if g, ok := top.groups[group]; ok {
			n += len(g.queue) + int(g.inflight.Load())
		}
		top.mu.RUnlock()
	}
	return n
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Requeued      uint64
	PublishErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Requeued:      t.metrics.requeued.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name     string
	queue    chan *deliveryTask
	inflight atomic.Int64
}

type deliveryTask struct {
	tr    *Transport
	group *group
	msg   *orderbus.Message
}

// memDelivery settles at most once; later Ack/Nack calls are no-ops. A
// delivery still unsettled when its subscription stops goes back to the
// group queue.
type memDelivery struct {
	task    *deliveryTask
	settled sync.Once
	done    atomic.Bool
}

func (d *memDelivery) Message() *orderbus.Message { return d.task.msg }

func (d *memDelivery) Ack(_ context.Context) error {
	d.settled.Do(func() {
		d.done.Store(true)
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack moves the message to the group's error queue.
func (d *memDelivery) Nack(_ context.Context, reason error) error {
	d.settled.Do(func() {
		d.done.Store(true)
		tr := d.task.tr
		tr.metrics.nacked.Add(1)

		msg := d.task.msg.Clone()
		if msg.Header(orderbus.HeaderFaultReason) == "" && reason != nil {
			msg.SetHeader(orderbus.HeaderFaultReason, reason.Error())
		}
		if msg.Header(orderbus.HeaderFaultInputAddress) == "" {
			msg.SetHeader(orderbus.HeaderFaultInputAddress, d.task.group.name)
		}

		name := orderbus.ErrorQueueName(d.task.group.name)
		tr.errMu.Lock()
		tr.errors[name] = append(tr.errors[name], msg)
		tr.errMu.Unlock()
		tr.metrics.deadLettered.Add(1)
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}
