package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmergencyStopActive blocks new entries while the session-wide halt is set.
var ErrEmergencyStopActive = errors.New("emergency stop active")

// ValidationError marks malformed market data or venue payloads. The item is dropped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// VenueRejectedError is a 4xx-class answer from the exchange. It is never retried.
type VenueRejectedError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *VenueRejectedError) Error() string {
	return fmt.Sprintf("venue rejected request (http %d, code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// TransientNetworkError is a failure worth retrying: transport errors, 5xx, venue throttling.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ServiceDegradedError is returned once retries are exhausted.
type ServiceDegradedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ServiceDegradedError) Error() string {
	return fmt.Sprintf("%s degraded after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ServiceDegradedError) Unwrap() error { return e.Err }

// CircuitOpenError fails a call fast without touching the network.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// RiskLimitExceededError blocks a trade. It is logged, never fatal.
type RiskLimitExceededError struct {
	Limit  string
	Reason string
}

func (e *RiskLimitExceededError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: %s", e.Limit, e.Reason)
}

// IsRetryable reports whether err is worth another attempt against the venue.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}

// IsVenueRejected reports whether err carries a venue rejection.
func IsVenueRejected(err error) bool {
	var rejected *VenueRejectedError
	return errors.As(err, &rejected)
}
