package orderbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.opentelemetry.io/otel/propagation"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade handling publish/subscribe against a Transport.
// A Bus is an explicitly owned handle: create it with a BusBuilder and Close it
// when the process shuts down.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	propagator   propagation.TextMapPropagator
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	subsMu       sync.Mutex
	subs         map[*trackedSubscription]struct{}
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	publishCount atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	retryCount   atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Publish encodes and sends a payload to a topic as an event name.
// It returns once the transport accepted the message.
func (b *Bus) Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if eventName == "" {
		return ErrInvalidEventName
	}
	if payload == nil {
		return ErrInvalidPayload
	}

	b.metrics.publishCount.Add(1)

	msg, err := b.newMessage(ctx, eventName, payload, meta)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}

	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, EventName: eventName})

	err = b.transport.Publish(ctx, topic, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     topic,
		MessageID: msg.ID,
		EventName: eventName,
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// PublishMessage publishes a payload to the topic named after its message
// type, using the same name for dispatch.
func (b *Bus) PublishMessage(ctx context.Context, payload any, meta map[string]string) error {
	if payload == nil {
		return ErrInvalidPayload
	}
	mt := MessageType(payload)
	m := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m[HeaderMessageType] = urnPrefix + mt
	return b.Publish(ctx, mt, mt, payload, m)
}

// PublishBatch sends multiple events in one transport call.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(events) == 0 {
		return nil
	}
	if topic == "" {
		return ErrInvalidTopic
	}

	for _, evt := range events {
		if evt.Name == "" {
			return ErrInvalidEventName
		}
		if evt.Payload == nil {
			return ErrInvalidPayload
		}
	}

	b.metrics.publishCount.Add(uint64(len(events)))

	msgs := make([]*Message, len(events))
	for i := range events {
		msg, err := b.newMessage(ctx, events[i].Name, events[i].Payload, events[i].Meta)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return err
		}
		msgs[i] = msg
	}

	b.notifyAsync(Event{Type: PublishStart, Topic: topic, EventName: "batch"})

	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, msgs...)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     topic,
		EventName: "batch",
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

func (b *Bus) newMessage(ctx context.Context, name string, payload any, meta map[string]string) (*Message, error) {
	data, err := b.codec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	md := make(map[string]string, len(meta)+3)
	for k, v := range meta {
		md[k] = v
	}
	if _, ok := md[HeaderContentType]; !ok {
		md[HeaderContentType] = b.codec.Name()
	}
	if b.propagator != nil {
		b.propagator.Inject(ctx, propagation.MapCarrier(md))
	}
	return &Message{
		Name:       name,
		Payload:    data,
		Metadata:   md,
		ProducedAt: b.clock.Now(),
	}, nil
}

// Subscribe registers a handler under a consumer group for a topic.
// Every invocation of handler counts as one attempt (see Attempt).
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrInvalidSubscription
	}
	return b.subscribe(ctx, topic, group, countAttempts(handler))
}

func countAttempts(h Handler) Handler {
	return func(ctx context.Context, msg *Message) error {
		if s := deliveryFromContext(ctx); s != nil {
			s.attempts.Add(1)
		}
		return h(ctx, msg)
	}
}

func (b *Bus) subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)

	sctx, cancel := context.WithCancel(ctx)
	sub, err := b.transport.Subscribe(sctx, topic, group, func(d Delivery) {
		b.deliver(sctx, topic, group, wh, d)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return b.track(sub, cancel), nil
}

// deliver runs one delivery through the handler chain and settles it exactly once.
func (b *Bus) deliver(ctx context.Context, topic, group string, h Handler, d Delivery) {
	msg := d.Message()
	state := &deliveryState{topic: topic, group: group, notify: b.notifyDelivery}
	hctx := injectDelivery(InjectAll(ctx, b.codec, b.logger, b.clock), state)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Str("topic", topic).Str("group", group).Msg("orderbus: handler panic (recovered)")
			b.metrics.errorCount.Add(1)
			b.deadLetter(hctx, d, state, ErrHandlerPanic)
		}
	}()

	b.metrics.consumeCount.Add(1)
	b.notifyAsync(state.event(ConsumeStart, msg, nil))

	start := b.clock.Now()
	err := h(hctx, msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	done := state.event(ConsumeDone, msg, err)
	done.Duration = duration
	b.notifyAsync(done)

	if err == nil {
		b.metrics.ackCount.Add(1)
		b.ackWithTimeout(hctx, d, true, nil)
		b.notifyAsync(state.event(Ack, msg, nil))
		return
	}

	// Stopped mid-delivery: leave the message unsettled so the broker can
	// hand it out again.
	if ctx.Err() != nil {
		b.logger.Warn().
			Str("topic", topic).
			Str("group", group).
			Str("message_id", msg.ID).
			Msg("orderbus: subscription stopped before message was settled")
		return
	}

	b.deadLetter(hctx, d, state, err)
}

func (b *Bus) deadLetter(ctx context.Context, d Delivery, state *deliveryState, reason error) {
	msg := d.Message()
	stampFault(msg, reason, int(state.attempts.Load()), state.group, b.clock.Now())

	b.metrics.nackCount.Add(1)
	b.ackWithTimeout(ctx, d, false, reason)
	b.notifyAsync(state.event(Nack, msg, reason))
	b.notifyAsync(state.event(DeadLetter, msg, reason))
}

// stampFault records why and where a message failed. The metadata map is
// copied so publisher-owned maps are never mutated.
func stampFault(msg *Message, reason error, attempts int, input string, at time.Time) {
	md := make(map[string]string, len(msg.Metadata)+4)
	for k, v := range msg.Metadata {
		md[k] = v
	}
	if reason != nil {
		md[HeaderFaultReason] = reason.Error()
	}
	md[HeaderFaultAttempts] = strconv.Itoa(attempts)
	md[HeaderFaultTimestamp] = at.UTC().Format(time.RFC3339Nano)
	md[HeaderFaultInputAddress] = input
	msg.Metadata = md
}

// ackWithTimeout settles a delivery. Settlement outlives handler cancellation
// and is bounded by the configured ack timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, MessageID: d.Message().ID, Err: err})
			b.logger.Warn().Err(err).Msg("orderbus: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, MessageID: d.Message().ID, Err: err})
		b.logger.Warn().Err(err).Msg("orderbus: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Retried:             b.metrics.retryCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if error rate > 5%
	total := metrics.Published + metrics.Consumed
	if metrics.Errors > 0 && total > 0 {
		errorRate := float64(metrics.Errors) / float64(total)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close gracefully shuts down the bus. It is idempotent.
// Subscriptions are closed first so in-flight handlers finish, then the
// observer pool drains and the transport is closed.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subsMu.Lock()
		subs := make([]*trackedSubscription, 0, len(b.subs))
		for s := range b.subs {
			subs = append(subs, s)
		}
		b.subsMu.Unlock()
		for _, s := range subs {
			if err := s.Close(); err != nil {
				b.logger.Warn().Err(err).Msg("orderbus: subscription close failed")
				closeErr = err
			}
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("orderbus: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("orderbus: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// trackedSubscription lets Close reach every live subscription.
// Closing cancels the handler context first so pending retry waits end.
type trackedSubscription struct {
	Subscription
	bus    *Bus
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (b *Bus) track(sub Subscription, cancel context.CancelFunc) *trackedSubscription {
	ts := &trackedSubscription{Subscription: sub, bus: b, cancel: cancel}
	b.subsMu.Lock()
	if b.subs == nil {
		b.subs = make(map[*trackedSubscription]struct{})
	}
	b.subs[ts] = struct{}{}
	b.subsMu.Unlock()
	return ts
}

func (s *trackedSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.Subscription.Close()
		s.bus.subsMu.Lock()
		delete(s.bus.subs, s)
		s.bus.subsMu.Unlock()
	})
	return s.err
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Bus) notifyDelivery(e Event) {
	if e.Type == Retry {
		b.metrics.retryCount.Add(1)
	}
	b.notifyAsync(e)
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
