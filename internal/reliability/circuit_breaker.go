package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
)

// CircuitState represents the current state of the circuit breaker
type CircuitState int

const (
	// StateClosed - Normal operation, requests pass through
	StateClosed CircuitState = iota
	// StateOpen - Circuit is open, requests fail fast
	StateOpen
	// StateHalfOpen - Testing state, one probe request allowed
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close the circuit in half-open state
	SuccessThreshold int
	// Timeout is how long the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// ShouldTrip decides whether an error counts as a failure.
	// Defaults to keyguard.IsRetryableError so missing keys never open the circuit.
	ShouldTrip func(error) bool
	// OnStateChange is called when the circuit state changes
	OnStateChange func(name string, from, to CircuitState)
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		ShouldTrip:       keyguard.IsRetryableError,
		OnStateChange:    func(name string, from, to CircuitState) {},
		Clock:            clock.NewSystemClock(),
	}
}

// CircuitBreaker fails backend calls fast once the backend has been
// unreachable for FailureThreshold consecutive calls.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	probing         bool
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ShouldTrip == nil {
		config.ShouldTrip = def.ShouldTrip
	}
	if config.OnStateChange == nil {
		config.OnStateChange = def.OnStateChange
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Execute executes the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.recordResult(err, probe)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (probe bool, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.advance(cb.config.Clock.Now()) {
	case StateOpen:
		return false, NewCircuitOpenError(cb.name, cb.nextAttemptTime)
	case StateHalfOpen:
		if cb.probing {
			return false, NewCircuitOpenError(cb.name, cb.nextAttemptTime)
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) recordResult(err error, probe bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if probe {
		cb.probing = false
	}
	now := cb.config.Clock.Now()

	if err != nil && cb.config.ShouldTrip(err) {
		cb.failureCount++
		cb.lastFailureTime = now
		if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	prev := cb.state
	cb.state = state

	switch state {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.nextAttemptTime = time.Time{}
	case StateOpen:
		cb.nextAttemptTime = now.Add(cb.config.Timeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.probing = false
	}

	if prev != state {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// advance moves an open circuit to half-open once its timeout has elapsed.
// Callers hold the mutex.
func (cb *CircuitBreaker) advance(now time.Time) CircuitState {
	if cb.state == StateOpen && !now.Before(cb.nextAttemptTime) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.advance(cb.config.Clock.Now())
}

// Stats returns statistics about the circuit breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// CircuitBreakerStats contains statistics about a circuit breaker
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitOpenError is returned when the circuit breaker is open. It matches
// keyguard.ErrBackendUnavailable so callers treat it as a transient outage.
type CircuitOpenError struct {
	CircuitName     string
	NextAttemptTime time.Time
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(circuitName string, nextAttemptTime time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		CircuitName:     circuitName,
		NextAttemptTime: nextAttemptTime,
	}
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit breaker '%s' is open, next attempt allowed at %s",
		keyguard.ErrBackendUnavailable, e.CircuitName, e.NextAttemptTime.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return keyguard.ErrBackendUnavailable
}

// IsCircuitOpenError checks if an error is a circuit open error
func IsCircuitOpenError(err error) bool {
	var circuitErr *CircuitOpenError
	return errors.As(err, &circuitErr)
}
