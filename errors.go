package orderbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("orderbus: bus is closed")
	ErrInvalidTopic                = errors.New("orderbus: topic must not be empty")
	ErrInvalidEventName            = errors.New("orderbus: event name must not be empty")
	ErrInvalidPayload              = errors.New("orderbus: payload must not be nil")
	ErrInvalidSubscription         = errors.New("orderbus: topic, group and handler are required")
	ErrHandlerPanic                = errors.New("orderbus: handler panicked")
	ErrNoTransportConfigured       = errors.New("orderbus: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("orderbus: observer pool shutdown timed out")
	ErrNoConsumer                  = errors.New("orderbus: no consumer registered for message type")
	ErrInvalidEndpoint             = errors.New("orderbus: endpoint needs a queue and at least one consumer")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// permanentError marks an error that retry middleware must not retry.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that retry policies give up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
