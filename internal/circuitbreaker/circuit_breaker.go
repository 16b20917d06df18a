// Package circuitbreaker stops calling a provider that keeps failing and probes
// it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sselfie/generation-core/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls flow to the provider
	StateClosed State = "closed"
	// StateOpen means calls are refused without reaching the provider
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker refuses a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when half-open probes are exhausted
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the breaker once reached
	ConsecutiveFailures int
	Timeout             time.Duration
	HalfOpenMaxCalls    int
	// IsFailure decides which errors count against the provider. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		HalfOpenMaxCalls:    1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name                string
	consecutiveFailures int
	timeout             time.Duration
	halfOpenMaxCalls    int
	isFailure           func(error) bool
	logger              *logging.Logger
	now                 func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenCalls    int
	halfOpenOK       int
	lastStateChange  time.Time
	totalCalls       int64
	totalFailures    int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config, logger *logging.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("provider")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.ConsecutiveFailures <= 0 {
		config.ConsecutiveFailures = 5
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:                config.Name,
		consecutiveFailures: config.ConsecutiveFailures,
		timeout:             config.Timeout,
		halfOpenMaxCalls:    config.HalfOpenMaxCalls,
		isFailure:           config.IsFailure,
		logger:              logger.WithField("circuit_breaker", config.Name),
		now:                 time.Now,
		state:               StateClosed,
		lastStateChange:     time.Now(),
	}
}

// SetClock replaces the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.lastStateChange = now()
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("circuit breaker half-open, probing provider")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	failed := err != nil && (cb.isFailure == nil || cb.isFailure(err))
	if failed {
		cb.totalFailures++
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFails = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMaxCalls {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed after successful probe")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFails++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.consecutiveFailures {
			cb.setState(StateOpen)
			cb.logger.WithField("consecutive_failures", cb.consecutiveFails).
				Warn("circuit breaker opened")
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker reopened after failed probe")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	TotalCalls       int64     `json:"totalCalls"`
	TotalFailures    int64     `json:"totalFailures"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns a snapshot of the breaker's counters
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.logger.Info("circuit breaker manually reset")
}
