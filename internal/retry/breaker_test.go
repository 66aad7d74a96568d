package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})
	boom := errors.New("boom")
	calls := 0
	op := func(context.Context) error {
		calls++
		return boom
	}

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(context.Background(), op), boom)
	}
	require.Equal(t, BreakerOpen, b.State())

	// Open breaker rejects immediately without invoking the operation.
	err := b.Do(context.Background(), op)
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.Equal(t, 3, calls)
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	// Force the reset timeout to elapse.
	b.mu.Lock()
	b.lastFailure = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	// Exactly one trial call is admitted.
	require.NoError(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// Trial success closes the breaker and zeroes the counter.
	b.RecordSuccess()
	require.Equal(t, BreakerClosed, b.State())
	require.Equal(t, 0, b.Failures())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerSuccessResetsCounterInClosed(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.Failures())
	b.RecordSuccess()
	require.Equal(t, 0, b.Failures())
	require.Equal(t, BreakerClosed, b.State())
}
