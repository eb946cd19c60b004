package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/config"
	pkgerrors "mailtrail/pkg/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "stopped", err: Stop(errors.New("bad request"))},
		{name: "validation error", err: pkgerrors.ErrValidation.WithDetail("message", "missing type")},
		{name: "explicitly fatal", err: pkgerrors.ErrServiceUnavailable.AsFatal()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastPolicy(5), func() error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryKeepsGoingOnRetryableAppError(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return pkgerrors.ErrTimeout.AsRetryable()
	})
	assert.Equal(t, 3, calls)
}

func TestRetryWithCallback(t *testing.T) {
	var attempts []int
	_ = RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		return errors.New("boom")
	}, func(attempt int, err error, nextDelay time.Duration) {
		attempts = append(attempts, attempt)
		assert.LessOrEqual(t, nextDelay, 5*time.Millisecond)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, Policy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}, func() error {
		calls++
		return errors.New("down")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestPolicyFromConfigWithDefaults(t *testing.T) {
	p := PolicyFrom(config.RetryConfig{MaxAttempts: 5, Multiplier: 3}).WithDefaults(DefaultPolicy())

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 30*time.Second, p.MaxInterval)
	assert.Zero(t, p.MaxElapsedTime)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, time.Second, p.delay(10))
}

func TestStopUnwrapsTheCause(t *testing.T) {
	cause := errors.New("unauthorized")
	err := Retry(context.Background(), fastPolicy(3), func() error {
		return Stop(cause)
	})
	assert.Same(t, cause, err)
	assert.Nil(t, Stop(nil))
}
