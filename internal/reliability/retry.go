package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hengadev/keyguard"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// NextDelay returns the delay before the next attempt, given the attempt number (0-indexed)
	NextDelay(attempt int) time.Duration
	// ShouldRetry determines if a retry should be attempted based on the error and attempt number
	ShouldRetry(err error, attempt int) bool
	// MaxAttempts returns the maximum number of attempts (including the initial attempt)
	MaxAttempts() int
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial attempt)
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier for exponential backoff
	Multiplier float64
	// Jitter adds randomness to delay calculations, as a fraction of the delay
	Jitter float64
	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to keyguard.IsRetryableError.
	ShouldRetry func(error, int) bool
}

// DefaultRetryConfig retries backend outages three times with exponential backoff.
// Key lookups, integrity failures and configuration errors are never retried.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		ShouldRetry: func(err error, attempt int) bool {
			return keyguard.IsRetryableError(err)
		},
	}
}

// ExponentialBackoffPolicy implements exponential backoff with jitter
type ExponentialBackoffPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	shouldRetry  func(error, int) bool
}

// NewExponentialBackoffPolicy creates a new exponential backoff policy.
// Zero fields take their value from DefaultRetryConfig.
func NewExponentialBackoffPolicy(config RetryConfig) *ExponentialBackoffPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = def.ShouldRetry
	}

	return &ExponentialBackoffPolicy{
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		multiplier:   config.Multiplier,
		jitter:       config.Jitter,
		shouldRetry:  config.ShouldRetry,
	}
}

// NextDelay calculates the delay for the next retry attempt
func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	// Add jitter to prevent thundering herd
	if p.jitter > 0 {
		jitterRange := delay * p.jitter
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry determines if a retry should be attempted
func (p *ExponentialBackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts-1 { // -1 because attempt is 0-indexed
		return false
	}
	return p.shouldRetry(err, attempt)
}

// MaxAttempts returns the maximum number of attempts
func (p *ExponentialBackoffPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// NoRetryPolicy runs an operation exactly once.
type NoRetryPolicy struct{}

func (NoRetryPolicy) NextDelay(int) time.Duration { return 0 }
func (NoRetryPolicy) ShouldRetry(error, int) bool { return false }
func (NoRetryPolicy) MaxAttempts() int            { return 1 }

// RetryExecutor handles retry logic for operations
type RetryExecutor struct {
	policy  RetryPolicy
	onRetry func(attempt int, delay time.Duration, err error)
}

// NewRetryExecutor creates a new retry executor with the given policy
func NewRetryExecutor(policy RetryPolicy) *RetryExecutor {
	if policy == nil {
		policy = NoRetryPolicy{}
	}
	return &RetryExecutor{
		policy:  policy,
		onRetry: func(attempt int, delay time.Duration, err error) {},
	}
}

// SetOnRetryCallback sets a callback function to be called before each retry
func (r *RetryExecutor) SetOnRetryCallback(callback func(attempt int, delay time.Duration, err error)) {
	if callback == nil {
		return
	}
	r.onRetry = callback
}

// Execute executes the given operation with retry logic. The last error is
// returned unchanged so callers can still classify it.
func (r *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts(); attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.policy.ShouldRetry(err, attempt) {
			break
		}

		delay := r.policy.NextDelay(attempt)
		r.onRetry(attempt+1, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
