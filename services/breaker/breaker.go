// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements the circuit breaker pattern for LLM backends.
//
// # Description
//
// Prevents cascading failures by stopping requests to a failing backend.
// After a timeout, the breaker allows limited probe requests to test
// whether the backend recovered.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [timeout]
//
// # Thread Safety
//
// CircuitBreaker and Registry are safe for concurrent use.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed is the normal operating state.
	StateClosed State = iota

	// StateOpen means the circuit has tripped and requests are rejected.
	StateOpen

	// StateHalfOpen means we're testing if the backend has recovered.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config controls how the breaker responds to failures and recovers.
//
// # Example
//
//	config := breaker.Config{
//	    FailureThreshold: 5,               // Open after 5 consecutive failures
//	    SuccessThreshold: 2,               // Close after 2 consecutive successes
//	    OpenTimeout:      30 * time.Second, // Stay open for 30s
//	}
type Config struct {
	// FailureThreshold is consecutive failures before opening circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is consecutive successes to close from half-open.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to stay open before trying half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange is called when state transitions.
	// Called asynchronously to avoid blocking.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker guards calls to a single backend.
//
// # Example
//
//	cb := breaker.New("gemini", breaker.DefaultConfig())
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return client.HealthCheck(ctx)
//	})
//	if errors.Is(err, breaker.ErrCircuitOpen) {
//	    // Backend is known to be down, fail over
//	}
type CircuitBreaker struct {
	name        string
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.RWMutex
}

// New creates a circuit breaker in the closed state. Zero-valued config
// fields get defaults.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn if the circuit allows it and records the result.
//
// Returns ErrCircuitOpen without calling fn when the circuit is open,
// otherwise returns fn's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// allowRequest checks if a request should be allowed.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		// Check if we should transition to half-open
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false

	case StateHalfOpen:
		// Allow limited requests in half-open to test recovery
		return true

	default:
		return false
	}
}

// recordResult records the result of an operation.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open goes back to open
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.successes++

	switch cb.state {
	case StateClosed:
		// Reset failure count on success
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state State) {
	if cb.state == state {
		return
	}

	old := cb.state
	cb.state = state

	if cb.config.OnStateChange != nil {
		// Call callback without holding lock to prevent deadlocks
		go cb.config.OnStateChange(cb.name, old, state)
	}
}

// Name returns the backend name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// ReadyToProbe reports whether an open circuit has been open longer than
// OpenTimeout, so the next Execute will run as a half-open probe. Callers
// that pre-filter on State must treat such breakers as usable, or the
// half-open transition inside Execute is never reached.
func (cb *CircuitBreaker) ReadyToProbe() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == StateOpen && time.Since(cb.lastFailure) > cb.config.OpenTimeout
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the circuit to closed state, clearing all counts. Use when
// the backend is known to be fixed externally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0

	if old != StateClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, old, StateClosed)
	}
}

// Snapshot is a point-in-time view of a breaker, for the admin API.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns the breaker's current state for reporting.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Snapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry manages circuit breakers for multiple backends, creating them
// on demand with consistent configuration.
type Registry struct {
	defaultConfig Config
	breakers      map[string]*CircuitBreaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the circuit breaker for a backend, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = New(name, r.defaultConfig)
	r.breakers[name] = cb
	return cb
}

// ResetAll resets all circuit breakers in the registry.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Snapshots returns the current state of all breakers, for the admin API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		result = append(result, cb.Snapshot())
	}
	return result
}
