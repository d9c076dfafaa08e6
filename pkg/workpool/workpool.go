// Package workpool runs blocking calls on a bounded set of workers and
// reports each result through a future.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

var ErrPoolClosed = errors.New("work pool is closed")

// Pool bounds the number of calls running at once. A call waiting for a free
// worker gives up when its own context ends.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	active atomic.Int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int {
	return p.size
}

// InFlight returns the number of calls currently holding a worker.
func (p *Pool) InFlight() int {
	return int(p.active.Load())
}

// Future is the pending result of a submitted call.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the call has finished or was abandoned before it got a
// worker.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Submit schedules fn on the pool. fn receives ctx and is expected to return
// promptly once ctx is cancelled.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		f.resolve(zero, ErrPoolClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		queued := time.Now()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.resolve(zero, err)
			return
		}
		metrics.WorkPoolWaitDuration.Observe(time.Since(queued).Seconds())
		p.active.Add(1)
		metrics.WorkPoolInFlight.Inc()
		defer func() {
			metrics.WorkPoolInFlight.Dec()
			p.active.Add(-1)
			p.sem.Release(1)
		}()

		v, err := call(ctx, fn)
		f.resolve(v, err)
	}()
	return f
}

// Run submits fn and waits for it.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, p, fn).Wait(ctx)
}

func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Work pool: call panicked", "panic", r)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Close stops accepting work and waits for submitted calls to finish or ctx
// to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("work pool shutdown: %w", ctx.Err())
	}
}
