package orderbus_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/orderbus"
)

func TestRetryPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   orderbus.RetryPolicy
		attempts int
		delays   []time.Duration
		str      string
	}{
		{"zero value", orderbus.RetryPolicy{}, 1, nil, "none"},
		{"none", orderbus.None(), 1, nil, "none(0)"},
		{"immediate", orderbus.Immediate(5), 6, []time.Duration{0, 0, 0, 0, 0}, "immediate(5)"},
		{"negative clamps", orderbus.Immediate(-3), 1, nil, "immediate(0)"},
		{"interval", orderbus.Interval(2, time.Second), 3, []time.Duration{time.Second, time.Second}, "interval(2)"},
		{"intervals", orderbus.Intervals(10*time.Millisecond, 50*time.Millisecond), 3,
			[]time.Duration{10 * time.Millisecond, 50 * time.Millisecond}, "intervals(2)"},
		{"exponential capped", orderbus.Exponential(4, 100*time.Millisecond, 300*time.Millisecond), 5,
			[]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, "exponential(4)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.attempts, tt.policy.Attempts())
			assert.Equal(t, tt.attempts-1, tt.policy.Retries())
			for i, want := range tt.delays {
				assert.Equal(t, want, tt.policy.Delay(i+1), "delay after attempt %d", i+1)
			}
			assert.Equal(t, tt.str, tt.policy.String())
		})
	}
}

func TestExponential_UncappedSaturates(t *testing.T) {
	p := orderbus.Exponential(100, time.Second, 0)
	assert.Equal(t, 8*time.Second, p.Delay(4))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := p.Delay(attempt)
		require.Positive(t, d, "delay after attempt %d", attempt)
		require.GreaterOrEqual(t, d, prev, "delay after attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(100))
}

func TestRetryMiddleware_StopsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	h := orderbus.RetryMiddleware(orderbus.RetryConfig{MaxAttempts: 4})(func(context.Context, *orderbus.Message) error {
		calls++
		return boom
	})

	err := h(context.Background(), &orderbus.Message{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryMiddleware_SucceedsMidway(t *testing.T) {
	calls := 0
	h := orderbus.Immediate(5).Middleware()(func(context.Context, *orderbus.Message) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, h(context.Background(), &orderbus.Message{}))
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_PermanentIsNotRetried(t *testing.T) {
	calls := 0
	h := orderbus.Immediate(5).Middleware()(func(context.Context, *orderbus.Message) error {
		calls++
		return orderbus.Permanent(errors.New("bad input"))
	})

	err := h(context.Background(), &orderbus.Message{})
	assert.True(t, orderbus.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	calls := 0
	h := orderbus.RetryMiddleware(orderbus.RetryConfig{
		MaxAttempts: 10,
		RetryIf:     func(err error) bool { return errors.Is(err, transient) },
	})(func(context.Context, *orderbus.Message) error {
		calls++
		if calls < 3 {
			return transient
		}
		return fatal
	})

	assert.ErrorIs(t, h(context.Background(), &orderbus.Message{}), fatal)
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	h := orderbus.Interval(2, 20*time.Millisecond).Middleware()(func(context.Context, *orderbus.Message) error {
		stamps = append(stamps, time.Now())
		return errors.New("boom")
	})

	_ = h(context.Background(), &orderbus.Message{})
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
}

func TestRetryMiddleware_CancelledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := orderbus.Interval(5, time.Hour).Middleware()(func(context.Context, *orderbus.Message) error {
		calls++
		cancel()
		return errors.New("boom")
	})

	done := make(chan error, 1)
	go func() { done <- h(ctx, &orderbus.Message{}) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry wait ignored cancellation")
	}
}

func TestParseRetryComposition(t *testing.T) {
	tests := []struct {
		in      string
		want    orderbus.RetryComposition
		wantErr bool
	}{
		{"", orderbus.EndpointRetryOuter, false},
		{"endpoint-outer", orderbus.EndpointRetryOuter, false},
		{" Consumer-Outer ", orderbus.ConsumerRetryOuter, false},
		{"consumer", orderbus.ConsumerRetryOuter, false},
		{"sideways", orderbus.EndpointRetryOuter, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := orderbus.ParseRetryComposition(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "consumer-outer", orderbus.ConsumerRetryOuter.String())
	assert.Equal(t, "endpoint-outer", orderbus.EndpointRetryOuter.String())
}
