package main

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the breaker's current mode.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker fails durable-store calls fast once the store has shown
// itself unhealthy, instead of letting every handler ride its timeout.
// After the cooldown a single probe call is let through (half-open); its
// outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration
	failures  atomic.Int32
	state     atomic.Int32
	openedAt  atomic.Int64 // unix nanos
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and probes again after cooldownSeconds.
func NewCircuitBreaker(threshold int, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether a call may proceed. An open circuit transitions to
// half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		openedAt := time.Unix(0, cb.openedAt.Load())
		if time.Since(openedAt) >= cb.cooldown {
			cb.state.Store(int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	}
	return true
}

// RecordFailure counts a failed call; reaching the threshold, or any
// failure while half-open, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	state := CircuitBreakerState(cb.state.Load())
	if failures >= cb.threshold || state == CircuitBreakerHalfOpen {
		cb.state.Store(int32(CircuitBreakerOpen))
		cb.openedAt.Store(time.Now().UnixNano())
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}
