package resilience

import (
	"sync"
	"time"

	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStatus is a point-in-time view for the dashboard snapshot.
type BreakerStatus struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker isolates a failing dependency. After threshold consecutive failures it opens;
// once resetTimeout has elapsed a single trial call is let through (half-open). The trial's
// outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	logger       *zap.Logger

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
	timeNow       func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		logger:       logger,
		state:        StateClosed,
		timeNow:      time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns *domain.CircuitOpenError.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.timeNow().Sub(cb.openedAt)
		if elapsed < cb.resetTimeout {
			return &domain.CircuitOpenError{Name: cb.name, RetryAfter: cb.resetTimeout - elapsed}
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		cb.logger.Info("Circuit half-open, allowing trial call", zap.String("circuit", cb.name))
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return &domain.CircuitOpenError{Name: cb.name}
		}
		cb.trialInFlight = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.logger.Info("Circuit closed", zap.String("circuit", cb.name))
	}
	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.timeNow()
	cb.trialInFlight = false
	cb.logger.Warn("Circuit opened",
		zap.String("circuit", cb.name),
		zap.Int("consecutive_failures", cb.failures),
		zap.Duration("reset_timeout", cb.resetTimeout))
}

// Release gives back a granted call without an outcome, e.g. when the caller's context ended.
// A pending half-open trial becomes available again.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
	}
	if cb.state != StateClosed {
		st.OpenedAt = cb.openedAt
	}
	return st
}
