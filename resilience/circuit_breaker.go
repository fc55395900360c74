// Package resilience provides the fault-isolation primitives shared by
// the event bus and the action executor: a three-state circuit breaker
// with a timeout-wrapped call path, and an exponential-backoff retry
// helper.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flowhook/flowhook/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker telemetry.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation.
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure
// threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only infrastructure failures. Client and
// validation errors will not be fixed by waiting, so tripping the breaker
// on them would only hide a caller bug behind CircuitOpen rejections.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) || core.IsAuth(err) || core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, core.ErrIntegration) {
		// Remote 4xx: the request itself is bad, not the infrastructure.
		return false
	}
	if errors.Is(err, context.Canceled) {
		// Client gave up; says nothing about the dependency.
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of counted failures that opens the
	// circuit from closed.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in
	// half-open required to close the circuit.
	SuccessThreshold int

	// CallTimeout bounds each wrapped call. Zero disables the bound.
	CallTimeout time.Duration

	// ResetTimeout is how long the circuit stays open before admitting
	// probe calls.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of concurrent probe calls admitted in
	// half-open. Default: 1.
	HalfOpenProbes int

	// ErrorClassifier determines which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state transitions. Optional.
	Logger core.Logger

	// Metrics collector. Optional.
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CallTimeout:      10 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v", c.ResetTimeout)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must be non-negative, got %v", c.CallTimeout)
	}
	return nil
}

// Snapshot is a point-in-time view of breaker state for operator surfaces.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	FailureCount         int       `json:"failure_count"`
	SuccessCount         int       `json:"success_count"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalRequests        uint64    `json:"total_requests"`
	LastStateChange      time.Time `json:"last_state_change"`
	NextAttemptTime      time.Time `json:"next_attempt_time"`
}

// CircuitBreaker is a three-state fault isolator. State is process-local
// and mutated under a single lock; it is never persisted.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	failureCount         int
	successCount         int
	consecutiveSuccesses int
	halfOpenInFlight     int
	lastStateChange      time.Time
	nextAttemptTime      time.Time
	totalRequests        uint64
}

// NewCircuitBreaker creates a circuit breaker from config. Nil config
// gets defaults with the name "default".
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"success_threshold": config.SuccessThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
		"call_timeout_ms":   config.CallTimeout.Milliseconds(),
	})

	return cb, nil
}

// Execute runs fn with circuit breaker protection and the configured call
// timeout. While open and before the reset timeout elapses, it returns
// core.ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return core.NewDomainError("resilience.Execute", core.KindCircuitOpen,
			fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen))
	}

	err := cb.call(ctx, fn)
	cb.record(err)
	return err
}

// call runs fn bounded by the call timeout. Timeout expiry surfaces as a
// timeout-kind error, which is retryable and counts as a failure.
func (cb *CircuitBreaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"operation": "circuit_breaker_panic",
					"name":      cb.config.Name,
					"panic":     fmt.Sprintf("%v", r),
				})
				done <- fmt.Errorf("panic in circuit breaker call: %v\n%s", r, stack)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewDomainError("resilience.Execute", core.KindTimeout,
				fmt.Errorf("call timed out after %v: %w", cb.config.CallTimeout, core.ErrTimeout))
		}
		return ctx.Err()
	}
}

// admit decides whether a call may proceed, handling the open→half-open
// transition.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenProbes {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// record applies a call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	counted := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err == nil {
		cb.successCount++
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		switch cb.state {
		case StateClosed:
			cb.failureCount = 0
		case StateHalfOpen:
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	if !counted {
		// Uncounted errors still break a half-open success streak without
		// reopening the circuit: they say nothing about the dependency.
		if cb.state == StateHalfOpen {
			cb.consecutiveSuccesses = 0
		}
		return
	}

	cb.config.Metrics.RecordFailure(cb.config.Name, core.Kind(err))

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transition(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = time.Now()

	switch newState {
	case StateOpen:
		cb.nextAttemptTime = time.Now().Add(cb.config.ResetTimeout)
		cb.consecutiveSuccesses = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	case StateClosed:
		cb.failureCount = 0
		cb.consecutiveSuccesses = 0
		cb.halfOpenInFlight = 0
		cb.nextAttemptTime = time.Time{}
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":     "circuit_breaker_transition",
		"name":          cb.config.Name,
		"from":          oldState.String(),
		"to":            newState.String(),
		"failure_count": cb.failureCount,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a point-in-time view for operator surfaces.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                 cb.config.Name,
		State:                cb.state.String(),
		FailureCount:         cb.failureCount,
		SuccessCount:         cb.successCount,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		TotalRequests:        cb.totalRequests,
		LastStateChange:      cb.lastStateChange,
		NextAttemptTime:      cb.nextAttemptTime,
	}
}

// ForceOpen manually opens the circuit until Reset is called or the reset
// timeout elapses.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateOpen)
}

// Reset returns the breaker to closed with all counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveSuccesses = 0
	cb.totalRequests = 0
}
