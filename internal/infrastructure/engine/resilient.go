package engine

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/relicta-tech/buildline/internal/domain/build"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
)

// Scheduler submits build requests.
type Scheduler interface {
	Schedule(ctx context.Context, req build.ScheduleRequest) (build.QueueItem, error)
}

// ResilienceConfig configures retries, the circuit breaker and the rate
// limit applied to schedule requests.
type ResilienceConfig struct {
	RetryAttempts    int
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerThreshold   int
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMaxRequests int

	// RateLimitPerMinute caps submissions. Zero disables the limit.
	RateLimitPerMinute int
}

// DefaultResilienceConfig returns the defaults used by the server.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RetryAttempts:             3,
		RetryInitialWait:          200 * time.Millisecond,
		RetryMaxWait:              2 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerMaxRequests: 1,
	}
}

// ResilientScheduler retries recoverable schedule failures behind a circuit
// breaker. Permission and validation errors are returned at once.
type ResilientScheduler struct {
	next           Scheduler
	retrier        retry.Retry[build.QueueItem]
	circuitBreaker circuitbreaker.CircuitBreaker[build.QueueItem]
	rateLimiter    ratelimit.RateLimiter
}

// NewResilientScheduler wraps next.
func NewResilientScheduler(next Scheduler, cfg ResilienceConfig) *ResilientScheduler {
	s := &ResilientScheduler{next: next}

	if cfg.RetryAttempts > 0 {
		s.retrier = retry.New[build.QueueItem](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitialWait,
			MaxDelay:      cfg.RetryMaxWait,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   apperrors.IsRecoverable,
		})
	}

	if cfg.CircuitBreakerEnabled {
		threshold := cfg.CircuitBreakerThreshold
		s.circuitBreaker = circuitbreaker.New[build.QueueItem](circuitbreaker.Config{
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests), // #nosec G115 -- bounded config value
			Interval:    cfg.CircuitBreakerTimeout,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- bounded config value
			},
		})
	}

	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RateLimitPerMinute,
			Burst:    cfg.RateLimitPerMinute,
			Interval: time.Minute,
		})
	}
	return s
}

// Schedule implements Scheduler.
func (s *ResilientScheduler) Schedule(ctx context.Context, req build.ScheduleRequest) (build.QueueItem, error) {
	const op = "engine.ResilientScheduler.Schedule"

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Wait(ctx, req.Job); err != nil {
			return build.QueueItem{}, apperrors.Wrap(err, apperrors.KindScheduling, op, "rate limit wait interrupted")
		}
	}

	var permanent error
	attempt := func(ctx context.Context) (build.QueueItem, error) {
		item, err := s.next.Schedule(ctx, req)
		if err != nil && !apperrors.IsRecoverable(err) {
			// Caller errors do not count against the breaker.
			permanent = err
			return build.QueueItem{}, nil
		}
		return item, err
	}
	withRetry := func(ctx context.Context) (build.QueueItem, error) {
		if s.retrier != nil {
			return s.retrier.Do(ctx, attempt)
		}
		return attempt(ctx)
	}

	var item build.QueueItem
	var err error
	if s.circuitBreaker != nil {
		item, err = s.circuitBreaker.Execute(ctx, withRetry)
	} else {
		item, err = withRetry(ctx)
	}
	if permanent != nil {
		return build.QueueItem{}, permanent
	}
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return build.QueueItem{}, err
		}
		return build.QueueItem{}, apperrors.Wrap(err, apperrors.KindScheduling, op, "engine unavailable")
	}
	return item, nil
}

// State returns the circuit breaker state: "closed", "half-open", "open" or
// "disabled".
func (s *ResilientScheduler) State() string {
	if s.circuitBreaker == nil {
		return "disabled"
	}
	return s.circuitBreaker.State().String()
}

// Close releases the rate limiter.
func (s *ResilientScheduler) Close() error {
	if s.rateLimiter != nil {
		return s.rateLimiter.Close()
	}
	return nil
}
