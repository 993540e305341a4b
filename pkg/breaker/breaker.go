// Package breaker implements a circuit breaker used to decide whether an
// upstream transport is currently available
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state
type State string

// Circuit breaker states
const (
	StateClosed   State = "closed"    // Normal operation
	StateOpen     State = "open"      // Failing, rejecting requests
	StateHalfOpen State = "half-open" // Probing whether the upstream recovered
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyConcurrent is returned when the concurrency limit is reached
	ErrTooManyConcurrent = errors.New("max concurrent requests exceeded")
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Timeout          time.Duration // Time spent open before probing
	MaxConcurrent    int           // 0 = unlimited
	OnStateChange    func(from, to State)
}

// DefaultConfig returns the defaults used for the exchange transport
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxConcurrent:    100,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *Config

	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	concurrent      int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64

	callbackWg sync.WaitGroup
}

// New creates a circuit breaker; a nil config uses DefaultConfig
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

// Ready reports whether a call would currently be let through. It does not
// change state.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateOpen:
		return time.Since(cb.lastFailureTime) > cb.config.Timeout
	case StateHalfOpen:
		return cb.concurrent < 1
	default:
		return cb.config.MaxConcurrent <= 0 || cb.concurrent < cb.config.MaxConcurrent
	}
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		if cb.config.MaxConcurrent > 0 && cb.concurrent >= cb.config.MaxConcurrent {
			cb.totalRejected++
			return ErrTooManyConcurrent
		}
		cb.concurrent++
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.concurrent++
			return nil
		}
		cb.totalRejected++
		return ErrCircuitOpen

	case StateHalfOpen:
		// one trial request at a time
		if cb.concurrent < 1 {
			cb.concurrent++
			return nil
		}
		cb.totalRejected++
		return ErrCircuitOpen
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.concurrent--

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.successes++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.successes = 0

	if cb.config.OnStateChange != nil {
		cb.callbackWg.Add(1)
		go func(from, to State) {
			defer cb.callbackWg.Done()
			cb.config.OnStateChange(from, to)
		}(oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State          State `json:"state"`
	TotalRequests  int64 `json:"total_requests"`
	TotalFailures  int64 `json:"total_failures"`
	TotalSuccesses int64 `json:"total_successes"`
	TotalRejected  int64 `json:"total_rejected"`
	Failures       int   `json:"current_failures"`
	Concurrent     int   `json:"concurrent"`
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:          cb.state,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		TotalRejected:  cb.totalRejected,
		Failures:       cb.failures,
		Concurrent:     cb.concurrent,
	}
}

// Reset closes the breaker and clears failure counts
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

// ForceOpen opens the breaker
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateOpen)
	cb.lastFailureTime = time.Now()
}

// Close waits for pending state change callbacks
func (cb *CircuitBreaker) Close() {
	cb.callbackWg.Wait()
}
