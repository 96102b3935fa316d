package orderbus

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy describes how many times a failed handler is re-invoked and how
// long to wait between invocations. The zero value retries nothing.
type RetryPolicy struct {
	name    string
	retries int
	delay   func(attempt int) time.Duration
}

// None performs a single attempt.
func None() RetryPolicy { return RetryPolicy{name: "none"} }

// Immediate retries n times without waiting.
func Immediate(n int) RetryPolicy {
	return RetryPolicy{name: "immediate", retries: clampRetries(n)}
}

// Interval retries n times, waiting d between attempts.
func Interval(n int, d time.Duration) RetryPolicy {
	return RetryPolicy{
		name:    "interval",
		retries: clampRetries(n),
		delay:   func(int) time.Duration { return d },
	}
}

// Intervals retries once per listed delay, in order.
func Intervals(delays ...time.Duration) RetryPolicy {
	ds := append([]time.Duration(nil), delays...)
	return RetryPolicy{
		name:    "intervals",
		retries: len(ds),
		delay: func(attempt int) time.Duration {
			if attempt < 1 || attempt > len(ds) {
				return 0
			}
			return ds[attempt-1]
		},
	}
}

// Exponential retries n times, doubling the wait from min up to max. A zero
// max leaves the wait uncapped; it saturates at math.MaxInt64.
func Exponential(n int, min, max time.Duration) RetryPolicy {
	return RetryPolicy{
		name:    "exponential",
		retries: clampRetries(n),
		delay: func(attempt int) time.Duration {
			d := min
			for i := 1; i < attempt; i++ {
				if d > math.MaxInt64/2 {
					d = math.MaxInt64
					break
				}
				d *= 2
				if max > 0 && d >= max {
					return max
				}
			}
			if max > 0 && d > max {
				return max
			}
			return d
		},
	}
}

func clampRetries(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Retries is the number of re-invocations after the first failure.
func (p RetryPolicy) Retries() int { return p.retries }

// Attempts is the total number of invocations, first one included.
func (p RetryPolicy) Attempts() int { return p.retries + 1 }

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.delay == nil {
		return 0
	}
	return p.delay(attempt)
}

// Middleware renders the policy as a RetryMiddleware.
func (p RetryPolicy) Middleware() Middleware {
	return RetryMiddleware(RetryConfig{
		MaxAttempts: p.Attempts(),
		Backoff:     p.Delay,
	})
}

func (p RetryPolicy) String() string {
	if p.name == "" {
		return "none"
	}
	return fmt.Sprintf("%s(%d)", p.name, p.retries)
}
