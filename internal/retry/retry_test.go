package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	var delays []time.Duration
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, Attempts(err))
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errPermanent
	})

	assert.Equal(t, errPermanent, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, Attempts(err))
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	base := 50 * time.Millisecond
	assert.Equal(t, 50*time.Millisecond, Backoff(base, 1))
	assert.Equal(t, 100*time.Millisecond, Backoff(base, 2))
	assert.Equal(t, 200*time.Millisecond, Backoff(base, 3))
	assert.Equal(t, time.Duration(0), Backoff(0, 2))
}
