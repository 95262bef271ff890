package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

// Retrier re-runs an operation while it fails with a retryable error, doubling the delay
// from baseDelay up to maxDelay.
type Retrier struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewRetrier(attempts int, baseDelay, maxDelay time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = 1
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Retrier{attempts: attempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

func (r *Retrier) Attempts() int { return r.attempts }

// Do calls op until it succeeds, fails permanently or attempts run out. It returns the number
// of attempts made and the last error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.baseDelay
	eb.MaxInterval = r.maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.attempts-1)), ctx)

	calls := 0
	err := backoff.Retry(func() error {
		calls++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return calls, err
}
