package orderbus

import (
	"context"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in orderbus (prevents collisions).
type ctxKey string

const (
	codecCtxKey    ctxKey = "orderbus:codec"
	loggerCtxKey   ctxKey = "orderbus:logger"
	clockCtxKey    ctxKey = "orderbus:clock"
	deliveryCtxKey ctxKey = "orderbus:delivery"
)

// deliveryState is allocated once per delivery and shared by every retry
// attempt of that delivery.
type deliveryState struct {
	topic    string
	group    string
	attempts atomic.Int64
	notify   func(Event)
}

func (s *deliveryState) event(t EventType, msg *Message, err error) Event {
	e := Event{Type: t, Topic: s.topic, Group: s.group, Attempt: int(s.attempts.Load()), Err: err}
	if msg != nil {
		e.MessageID = msg.ID
		e.EventName = msg.Name
	}
	return e
}

func injectDelivery(ctx context.Context, s *deliveryState) context.Context {
	return context.WithValue(ctx, deliveryCtxKey, s)
}

func deliveryFromContext(ctx context.Context) *deliveryState {
	s, _ := ctx.Value(deliveryCtxKey).(*deliveryState)
	return s
}

// Attempt returns the 1-based number of consumer invocations made so far for
// the delivery being handled in ctx, or 0 outside a delivery.
func Attempt(ctx context.Context) int {
	if s := deliveryFromContext(ctx); s != nil {
		return int(s.attempts.Load())
	}
	return 0
}

// injectCodec attaches the active Codec into context for downstream handlers.
func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
// Handlers invoked outside a bus (tests, tools) can use it to get the same
// context the bus would build.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
