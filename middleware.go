package orderbus

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	// Permanent errors are never retried regardless of RetryIf.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// Each retry is reported to observers as a Retry event.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			var (
				lastErr error
				tried   int
			)

			var backoff retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
				if tried >= attempts {
					return 0, true
				}
				if s := deliveryFromContext(ctx); s != nil && s.notify != nil {
					s.notify(s.event(Retry, msg, lastErr))
				}
				if cfg.Backoff == nil {
					return 0, false
				}
				return cfg.Backoff(tried), false
			})
			if cfg.Jitter > 0 {
				backoff = retry.WithJitter(cfg.Jitter, backoff)
			}

			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				tried++
				lastErr = next(ctx, msg)
				if lastErr == nil {
					return nil
				}
				if IsPermanent(lastErr) || !shouldRetry(lastErr) {
					return lastErr
				}
				return retry.RetryableError(lastErr)
			})
			if err == nil {
				return nil
			}
			if lastErr != nil {
				return lastErr
			}
			return err
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded and allows transport Nack/handling.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware prevents panics from crashing consumers and converts them into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// Chain composes middlewares around a handler in order.
// The first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
