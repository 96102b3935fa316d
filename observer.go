package orderbus

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
// Failures are logged at warn, dead letters at error, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("event_name", e.EventName),
	)
	if e.Duration > 0 {
		l = l.With(xlog.Dur("duration", e.Duration))
	}

	switch e.Type {
	case DeadLetter:
		l.Error().Err(e.Err).Float64("attempts", float64(e.Attempt)).Msg("orderbus: message moved to error queue")
	case Retry:
		l.Warn().Err(e.Err).Float64("attempt", float64(e.Attempt)).Msg("orderbus: retrying message")
	case Error, Nack:
		l.Warn().Err(e.Err).Msg("orderbus event")
	case PublishDone, ConsumeDone:
		if e.Err != nil {
			l.Warn().Err(e.Err).Msg("orderbus event")
			return
		}
		l.Debug().Msg("orderbus event")
	default:
		l.Debug().Msg("orderbus event")
	}
}
