package consistency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/example/ledger-core/internal/domain"
)

func TestAcquireSerialisesSameAccount(t *testing.T) {
	c := NewController()
	var inside, maxInside int32

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			release, err := c.Acquire(ctx, "A")
			if err != nil {
				return err
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, c.Active())
}

func TestDisjointScopesRunInParallel(t *testing.T) {
	c := NewController()
	releaseA, err := c.Acquire(context.Background(), "A")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release, err := c.Acquire(context.Background(), "B")
		if err == nil {
			release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scope on B blocked behind A")
	}
}

func TestOverlappingScopesDoNotDeadlock(t *testing.T) {
	c := NewController(WithLockTimeout(2 * time.Second))
	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), "A", "B")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), "B", "A")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	c := NewController(WithLockTimeout(20 * time.Millisecond))
	release, err := c.Acquire(context.Background(), "A")
	require.NoError(t, err)
	defer release()

	_, err = c.Acquire(context.Background(), "B", "A")
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsTransient(err))

	// B must have been released when A timed out
	releaseB, err := c.Acquire(context.Background(), "B")
	require.NoError(t, err)
	releaseB()
}

func TestAcquireHonoursCancellation(t *testing.T) {
	c := NewController(WithLockTimeout(0))
	release, err := c.Acquire(context.Background(), "A")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = c.Acquire(ctx, "A")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewController()
	release, err := c.Acquire(context.Background(), "A", "A", "")
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, c.Active())

	again, err := c.Acquire(context.Background(), "A")
	require.NoError(t, err)
	again()
}
