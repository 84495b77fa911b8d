// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package resilience provides the circuit breaker, retry, and safe-timer
// primitives shared by every scheduled operation in the agent.
package resilience

import (
	"context"
	"sync"
	"time"

	"memwatch/errors"
	"memwatch/logger"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitorWindow    time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitorWindow:    time.Minute,
	}
}

// Operation is a unit of failure-prone work
type Operation func(ctx context.Context) error

// CircuitBreaker fails fast after FailureThreshold failures inside the
// trailing MonitorWindow. While OPEN it rejects until nextAttempt, then
// admits exactly one HALF_OPEN probe; concurrent probes are rejected with
// the same state error.
type CircuitBreaker struct {
	mu               sync.Mutex
	config           CircuitBreakerConfig
	state            CircuitBreakerState
	failures         []time.Time
	nextAttempt      time.Time
	halfOpenInFlight bool
	name             string
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	if config.MonitorWindow <= 0 {
		config.MonitorWindow = DefaultCircuitBreakerConfig().MonitorWindow
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		name:   name,
	}
}

// stateError is the rejection handed to callers while the breaker blocks
func (cb *CircuitBreaker) stateError() *errors.AgentError {
	return errors.New(errors.CodeCircuitOpen, errors.CategoryState, cb.name,
		"circuit breaker is "+cb.state.String()).WithDetails(map[string]interface{}{
		"nextAttempt": cb.nextAttempt,
	})
}

// Execute runs fn through the breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn through the breaker with a context
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn Operation) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	probing, err := cb.admit()
	if err != nil {
		return err
	}

	// The breaker mutex is NOT held while fn runs; only one HALF_OPEN
	// probe can be admitted at a time.
	callErr := fn(ctx)
	cb.settle(probing, callErr)
	return callErr
}

// admit decides whether the call may proceed. Returns probing=true when the
// call is the single HALF_OPEN probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Now().Before(cb.nextAttempt) {
			return false, cb.stateError()
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = true
		logger.Info("circuit breaker %s transitioned to HALF_OPEN", cb.name)
		return true, nil
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false, cb.stateError()
		}
		cb.halfOpenInFlight = true
		return true, nil
	}
	return false, cb.stateError()
}

// settle applies the result of an admitted call
func (cb *CircuitBreaker) settle(probing bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probing {
		cb.halfOpenInFlight = false
		if callErr == nil {
			cb.state = StateClosed
			cb.failures = nil
			logger.Info("circuit breaker %s transitioned to CLOSED", cb.name)
		} else {
			cb.state = StateOpen
			cb.nextAttempt = time.Now().Add(cb.config.ResetTimeout)
			logger.Warn("circuit breaker %s transitioned back to OPEN from HALF_OPEN", cb.name)
		}
		return
	}

	if callErr == nil {
		return
	}

	now := time.Now()
	cb.failures = append(cb.failures, now)
	cb.evictExpired(now)

	if cb.state == StateClosed && len(cb.failures) >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.nextAttempt = now.Add(cb.config.ResetTimeout)
		logger.Warn("circuit breaker %s transitioned to OPEN after %d failures", cb.name, len(cb.failures))
	}
}

// evictExpired drops failures older than the trailing monitor window
func (cb *CircuitBreaker) evictExpired(now time.Time) {
	cutoff := now.Add(-cb.config.MonitorWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the current state and trailing-window failure count
func (cb *CircuitBreaker) Stats() (state CircuitBreakerState, failures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, len(cb.failures)
}

// Reset forces the breaker back to CLOSED with an empty failure window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = nil
	cb.halfOpenInFlight = false
	logger.Info("circuit breaker %s reset to CLOSED", cb.name)
}
