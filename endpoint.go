package orderbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RetryComposition selects how endpoint and consumer retry policies nest.
type RetryComposition int

const (
	// EndpointRetryOuter runs the whole consumer retry policy inside every
	// endpoint attempt.
	EndpointRetryOuter RetryComposition = iota
	// ConsumerRetryOuter runs the whole endpoint retry policy inside every
	// consumer attempt.
	ConsumerRetryOuter
)

func (c RetryComposition) String() string {
	if c == ConsumerRetryOuter {
		return "consumer-outer"
	}
	return "endpoint-outer"
}

// ParseRetryComposition accepts "endpoint-outer" and "consumer-outer".
func ParseRetryComposition(s string) (RetryComposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "endpoint-outer", "endpoint":
		return EndpointRetryOuter, nil
	case "consumer-outer", "consumer":
		return ConsumerRetryOuter, nil
	}
	return EndpointRetryOuter, fmt.Errorf("unknown retry composition %q", s)
}

// ConsumeContext is what a consumer receives for one invocation.
type ConsumeContext[T any] struct {
	// Message is the decoded payload.
	Message T
	// Envelope is the raw message including headers.
	Envelope *Message
	// Attempt is the 1-based invocation count for this delivery.
	Attempt int
	// Queue is the receive endpoint that delivered the message.
	Queue string
}

// Consumer handles one message type. A non-nil error marks the attempt as failed.
type Consumer[T any] interface {
	Consume(ctx context.Context, cc *ConsumeContext[T]) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc[T any] func(ctx context.Context, cc *ConsumeContext[T]) error

func (f ConsumerFunc[T]) Consume(ctx context.Context, cc *ConsumeContext[T]) error { return f(ctx, cc) }

// ConsumerOption configures a consumer registration.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	retry *RetryPolicy
}

// WithConsumerRetry sets the consumer-level retry policy.
func WithConsumerRetry(p RetryPolicy) ConsumerOption {
	return func(c *consumerConfig) { c.retry = &p }
}

type registration struct {
	messageType string
	retry       *RetryPolicy
	invoke      Handler
}

// EndpointBuilder collects the configuration of a receive endpoint.
type EndpointBuilder struct {
	queue       string
	retry       *RetryPolicy
	middlewares []Middleware
	composition RetryComposition
	consumers   []*registration
	err         error
}

// Queue returns the endpoint's queue name.
func (e *EndpointBuilder) Queue() string { return e.queue }

// UseRetry sets the endpoint-level retry policy.
func (e *EndpointBuilder) UseRetry(p RetryPolicy) *EndpointBuilder {
	e.retry = &p
	return e
}

// UseMiddleware adds endpoint middlewares; they run outside the endpoint retry.
func (e *EndpointBuilder) UseMiddleware(mw ...Middleware) *EndpointBuilder {
	e.middlewares = append(e.middlewares, mw...)
	return e
}

// RetryComposition chooses how the endpoint and consumer policies nest.
func (e *EndpointBuilder) RetryComposition(c RetryComposition) *EndpointBuilder {
	e.composition = c
	return e
}

// AddConsumer registers a consumer for messages of type T on the endpoint.
func AddConsumer[T any](e *EndpointBuilder, c Consumer[T], opts ...ConsumerOption) {
	if c == nil {
		e.err = errors.Join(e.err, errors.New("orderbus: nil consumer"))
		return
	}
	var cfg consumerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	mt := MessageTypeFor[T]()
	for _, r := range e.consumers {
		if r.messageType == mt {
			e.err = errors.Join(e.err, fmt.Errorf("orderbus: consumer for %s already registered on %s", mt, e.queue))
			return
		}
	}

	queue := e.queue
	invoke := func(ctx context.Context, msg *Message) error {
		v, err := Decode[T](ctx, msg)
		if err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", mt, err))
		}
		if s := deliveryFromContext(ctx); s != nil {
			s.attempts.Add(1)
		}
		return c.Consume(ctx, &ConsumeContext[T]{
			Message:  v,
			Envelope: msg,
			Attempt:  Attempt(ctx),
			Queue:    queue,
		})
	}
	e.consumers = append(e.consumers, &registration{messageType: mt, retry: cfg.retry, invoke: invoke})
}

// handler assembles the endpoint pipeline. Dispatch happens by message name.
func (e *EndpointBuilder) handler() Handler {
	byType := make(map[string]Handler, len(e.consumers))
	for _, r := range e.consumers {
		var inner []Middleware
		switch e.composition {
		case ConsumerRetryOuter:
			if r.retry != nil {
				inner = append(inner, r.retry.Middleware())
			}
			if e.retry != nil {
				inner = append(inner, e.retry.Middleware())
			}
		default:
			if r.retry != nil {
				inner = append(inner, r.retry.Middleware())
			}
		}
		byType[r.messageType] = Chain(r.invoke, inner...)
	}

	dispatch := func(ctx context.Context, msg *Message) error {
		h, ok := byType[msg.Name]
		if !ok {
			h, ok = byType[strings.TrimPrefix(msg.Header(HeaderMessageType), urnPrefix)]
		}
		if !ok {
			return Permanent(fmt.Errorf("%w: %q on %s", ErrNoConsumer, msg.Name, e.queue))
		}
		return h(ctx, msg)
	}

	outer := append([]Middleware(nil), e.middlewares...)
	if e.composition == EndpointRetryOuter && e.retry != nil {
		outer = append(outer, e.retry.Middleware())
	}
	return Chain(dispatch, outer...)
}

// Endpoint is a running receive endpoint.
type Endpoint struct {
	queue string
	subs  []Subscription
}

// ReceiveEndpoint starts consuming from queue. For every registered consumer
// the queue is bound to the topic of the consumer's message type. Failed
// messages are retried per the configured policies and then moved to
// ErrorQueueName(queue).
func ReceiveEndpoint(ctx context.Context, bus *Bus, queue string, configure func(e *EndpointBuilder)) (*Endpoint, error) {
	e := &EndpointBuilder{queue: queue}
	if configure != nil {
		configure(e)
	}
	if e.err != nil {
		return nil, e.err
	}
	if queue == "" || len(e.consumers) == 0 {
		return nil, ErrInvalidEndpoint
	}

	h := e.handler()
	ep := &Endpoint{queue: queue}
	for _, r := range e.consumers {
		sub, err := bus.subscribe(ctx, r.messageType, queue, h)
		if err != nil {
			_ = ep.Close()
			return nil, fmt.Errorf("receive endpoint %s: bind %s: %w", queue, r.messageType, err)
		}
		ep.subs = append(ep.subs, sub)
	}

	bus.logger.Info().
		Str("queue", queue).
		Str("error_queue", ErrorQueueName(queue)).
		Str("composition", e.composition.String()).
		Msg("orderbus: receive endpoint started")
	return ep, nil
}

// Queue returns the endpoint's queue name.
func (ep *Endpoint) Queue() string { return ep.queue }

// Close stops every subscription of the endpoint.
func (ep *Endpoint) Close() error {
	var errs []error
	for _, s := range ep.subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ep.subs = nil
	return errors.Join(errs...)
}
