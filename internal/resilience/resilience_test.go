package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledger-core/internal/resilience"
)

var errTemporary = errors.New("temporary error")

func TestRetryWithBackoff_Success(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), resilience.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RetriesOnFailure(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), resilience.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	}, func() error {
		calls++
		if calls < 3 {
			return errTemporary
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), resilience.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}, func() error {
		calls++
		return errTemporary
	})
	assert.ErrorIs(t, err, errTemporary)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), resilience.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		Retryable:      func(err error) bool { return errors.Is(err, errTemporary) },
	}, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, resilience.Config{
		MaxRetries:     5,
		InitialBackoff: time.Second,
	}, func() error {
		return errTemporary
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerTrips(t *testing.T) {
	cb := resilience.NewCircuitBreaker("test")
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errTemporary })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestCircuitBreakerIgnoresListedErrors(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := resilience.NewCircuitBreaker("test", errRejected)
	for i := 0; i < 10; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, fmt.Errorf("wrapped: %w", errRejected) })
		assert.ErrorIs(t, err, errRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errTemporary })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestBulkheadLimitsConcurrency(t *testing.T) {
	b := resilience.NewBulkhead(1)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Acquire(ctx), context.DeadlineExceeded)

	b.Release()
	require.NoError(t, b.Acquire(context.Background()))
	b.Release()
}
