// Package cbreaker guards calls to a single peer. After a run of failures
// the breaker opens and calls fail fast until a probe is allowed again.
package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpenState = errors.New("circuit breaker is in open state")
)

type state int

const (
	_ state = iota
	closed
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type CircuitBreaker struct {
	mu    sync.RWMutex
	state state
	now   func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int

	failureThreshold int
	successThreshold int

	resetTimeout time.Duration
	nextProbeAt  time.Time
}

func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            closed,
		now:              time.Now,
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		resetTimeout:     resetTimeout,
	}
}

type call[Response any] func(context.Context) (Response, error)

// Do runs req protected by the circuit breaker.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, req call[Response]) (resp Response, err error) {
	cb.mu.Lock()
	if cb.state == open {
		if cb.now().Before(cb.nextProbeAt) {
			cb.mu.Unlock()
			return resp, ErrOpenState
		}
		cb.state = halfOpen
		cb.consecutiveSuccesses = 0
	}
	cb.mu.Unlock()

	resp, err = req(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecutiveSuccesses = 0
		if cb.state == halfOpen {
			cb.open()
		} else {
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.open()
			}
		}
		return
	}

	if cb.state == halfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.reset()
		}
	} else {
		cb.consecutiveFailures = 0
	}

	return
}

// IsClosed reports whether calls are currently let through.
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == closed || cb.state == halfOpen
}

// State returns a printable state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state.String()
}

// Reset closes the breaker. Used when connectivity is known to be restored.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

func (cb *CircuitBreaker) open() {
	cb.state = open
	cb.nextProbeAt = cb.now().Add(cb.resetTimeout)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) reset() {
	cb.state = closed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}
