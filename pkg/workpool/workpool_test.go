package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsResult(t *testing.T) {
	p := New(2)
	v, err := Run(context.Background(), p, func(context.Context) (string, error) {
		return "INBOX", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "INBOX", v)
}

func TestRunPropagatesError(t *testing.T) {
	p := New(1)
	errUpstream := errors.New("upstream closed connection")
	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		return 0, errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	release := make(chan struct{})

	futures := make([]*Future[int], 0, 6)
	for i := 0; i < 6; i++ {
		futures = append(futures, Submit(context.Background(), p, func(context.Context) (int, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return 1, nil
		}))
	}

	require.Eventually(t, func() bool { return p.InFlight() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSaturatedPoolHonoursCallerContext(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	defer close(release)

	busy := Submit(context.Background(), p, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, p, func(context.Context) (int, error) {
		t.Error("call must not run while the pool is saturated")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-busy.Done():
		t.Fatal("busy call should still be running")
	default:
	}
}

func TestCancellationReachesRunningCall(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	f := Submit(ctx, p, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cancel()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not observe cancellation")
	}
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	p := New(1)
	_, err := Run(context.Background(), p, func(context.Context) (int, error) {
		panic("parser exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parser exploded")

	// The worker slot is released after a panic.
	v, err := Run(context.Background(), p, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCloseRejectsNewWork(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Close(context.Background()))

	_, err := Run(context.Background(), p, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	f := Submit(context.Background(), p, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	<-f.Done()
}
