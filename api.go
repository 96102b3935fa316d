package orderbus

import (
	"context"
)

// Handler processes a single message. Return error to trigger retry and, once
// retries are exhausted, routing to the error queue.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
// Close stops delivery and waits for in-flight handlers to return.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
//
// Nack means the message failed permanently: transports move it to the
// error destination of the group and never hand it to the handler again.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic (exchange/stream).
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic within a consumer group (queue).
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bus surface.
type API interface {
	Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) error
	PublishMessage(ctx context.Context, payload any, meta map[string]string) error
	PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
