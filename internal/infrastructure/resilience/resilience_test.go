package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

func TestRateLimiter_BlocksUntilRefill(t *testing.T) {
	rl := NewRateLimiter(2, 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, rl.CheckLimit(ctx))
	require.NoError(t, rl.CheckLimit(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "tokens in bucket should be granted immediately")

	require.NoError(t, rl.CheckLimit(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "third call should wait for a refill")
}

func TestRateLimiter_ContextEndsWait(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	require.NoError(t, rl.CheckLimit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.CheckLimit(ctx))
}

func TestRateLimiter_SharedAcrossGoroutines(t *testing.T) {
	rl := NewRateLimiter(5, 100*time.Millisecond)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rl.CheckLimit(context.Background()))
		}()
	}
	wg.Wait()
	// 5 immediate, 5 more at 20ms spacing
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("bybit", threshold, reset, nil)
	cb.timeNow = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Allow()
	var openErr *domain.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "bybit", openErr.Name)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Status().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(2, 30*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.Error(t, cb.Allow())

	clock.Advance(time.Second)
	require.NoError(t, cb.Allow(), "first call after reset timeout is the trial")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Error(t, cb.Allow(), "only one trial call at a time")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Status().ConsecutiveFailures)
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Second)
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now(), cb.Status().OpenedAt)

	clock.Advance(5 * time.Second)
	assert.Error(t, cb.Allow())
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	calls := 0
	boom := errors.New("boom")

	err := cb.Execute(func() error { calls++; return boom })
	assert.ErrorIs(t, err, boom)

	err = cb.Execute(func() error { calls++; return nil })
	var openErr *domain.CircuitOpenError
	assert.True(t, errors.As(err, &openErr))
	assert.Equal(t, 1, calls, "open circuit must not invoke the call")
}

func TestRetrier_RetriesTransient(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, 4*time.Millisecond)
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &domain.TransientNetworkError{Op: "test", Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_GivesUpAfterAttempts(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, 2*time.Millisecond)
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		return &domain.TransientNetworkError{Op: "test", Err: errors.New("503")}
	})
	assert.Equal(t, 3, attempts)
	assert.True(t, domain.IsRetryable(err))
}

func TestRetrier_RejectionNotRetried(t *testing.T) {
	r := NewRetrier(5, time.Millisecond, time.Millisecond)
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		return &domain.VenueRejectedError{HTTPStatus: 400, Code: 10001, Message: "params error"}
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, domain.IsVenueRejected(err))
}
