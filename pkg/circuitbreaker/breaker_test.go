package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, transitions *[]State) *CircuitBreaker {
	cb := NewCircuitBreaker(Settings{
		Name:        "imap",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: ConsecutiveFailures(3),
		OnStateChange: func(_ string, _ State, to State) {
			if transitions != nil {
				*transitions = append(*transitions, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	cb.now = clock.Now
	return cb
}

var errDial = errors.New("connection refused")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Do(func() error { return errDial }), errDial)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Do(func() error { return errDial }), errDial)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called, "open breaker must not run the call")
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	_ = cb.Do(func() error { return errDial })
	_ = cb.Do(func() error { return errDial })
	require.NoError(t, cb.Do(func() error { return nil }))
	_ = cb.Do(func() error { return errDial })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestBreakerIgnoresClassifiedSuccesses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 5; i++ {
		_ = cb.Do(func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	cb := newTestBreaker(clock, &transitions)

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errDial })
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errDial })
	}
	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Do(func() error { return errDial })
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return nil }), ErrCircuitBreakerOpen)
}

func TestBreakerHalfOpenLimitsTrialRequests(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errDial })
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Do(func() error { return nil }), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRecordsPanicAsFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock, nil)

	assert.Panics(t, func() {
		_ = cb.Do(func() error { panic("boom") })
	})
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
