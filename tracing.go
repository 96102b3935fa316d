package orderbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/trickstertwo/orderbus"

// TracingMiddleware continues the trace carried in message metadata and wraps
// the rest of the chain in a consumer span.
func TracingMiddleware(tp trace.TracerProvider, prop propagation.TextMapPropagator) Middleware {
	tracer := tp.Tracer(tracerName)
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg.Metadata != nil {
				ctx = prop.Extract(ctx, propagation.MapCarrier(msg.Metadata))
			}

			attrs := []attribute.KeyValue{
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.message.id", msg.ID),
				attribute.String("messaging.message.type", msg.Name),
			}
			if s := deliveryFromContext(ctx); s != nil {
				attrs = append(attrs,
					attribute.String("messaging.destination.name", s.topic),
					attribute.String("messaging.consumer.group.name", s.group),
				)
			}

			ctx, span := tracer.Start(ctx, msg.Name+" process",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.Int("messaging.attempts", Attempt(ctx)))
			return err
		}
	}
}
