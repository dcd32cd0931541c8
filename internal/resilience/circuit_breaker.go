// SPDX-License-Identifier: MIT

// Package resilience implements the per-source circuit breaker: a
// three-state machine guarding each source client independently so a
// failing source degrades gracefully instead of stalling the whole run.
package resilience

import (
	"sync"
	"time"

	"github.com/shelfsync/reconciler/internal/metrics"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed   State = iota // normal operation, requests allowed
	StateOpen                  // tripped, requests rejected until resetTimeout elapses
	StateHalfOpen              // probing: the next request decides open vs closed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after a run of consecutive failures and recovers
// after resetTimeout via a half-open probe.
type CircuitBreaker struct {
	source string

	mu               sync.Mutex
	state            State
	consecutiveFails int
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
}

// New builds a CircuitBreaker for source, with the given failure threshold
// and reset timeout.
func New(source string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		source:           source,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
	metrics.SetCircuitBreakerState(source, cb.state.String())
	return cb
}

// DefaultCircuitBreaker uses the standard tuning: 3 consecutive failures
// trip the breaker, which recovers after 60s.
func DefaultCircuitBreaker(source string) *CircuitBreaker {
	return New(source, 3, 60*time.Second)
}

// Execute runs fn if the breaker allows it, recording the outcome. It
// returns ErrOpen when rejected; callers wrap that in their own sentinel.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// AllowRequest reports whether a request may proceed, transitioning
// Open -> HalfOpen once resetTimeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) > cb.resetTimeout {
			cb.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure registers a failed call. A failure while half-open reopens
// the breaker immediately; a run of failureThreshold consecutive failures
// while closed trips it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++

	if cb.state == StateHalfOpen {
		cb.openedAt = time.Now()
		cb.setState(StateOpen)
		return
	}

	if cb.consecutiveFails >= cb.failureThreshold {
		cb.openedAt = time.Now()
		cb.setState(StateOpen)
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.setState(StateClosed)
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState must be called with cb.mu held; it reports the transition to
// metrics and, on a transition into Open, the trip counter.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	metrics.SetCircuitBreakerState(cb.source, next.String())
	if next == StateOpen && prev != StateOpen {
		metrics.RecordCircuitBreakerTrip(cb.source)
	}
}
