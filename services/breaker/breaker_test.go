// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

func failing(ctx context.Context) error { return errBackendDown }
func succeeding(ctx context.Context) error { return nil }

// TestBreaker_OpensAfterFailureThreshold verifies the circuit opens after
// the configured number of consecutive failures.
func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := New("gemini", Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failing)
		require.ErrorIs(t, err, errBackendDown)
	}

	assert.Equal(t, StateOpen, cb.State())

	// Further calls are rejected without invoking the function.
	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

// TestBreaker_SuccessResetsFailureCount verifies that a success in the
// closed state clears accumulated failures.
func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("gemini", Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	require.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, 0, cb.Failures())
	assert.Equal(t, StateClosed, cb.State())
}

// TestBreaker_HalfOpenAfterTimeout verifies the open → half-open
// transition once the open timeout elapses.
func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New("gemini", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// First request after timeout is allowed as a probe.
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second consecutive success closes the circuit.
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

// TestBreaker_HalfOpenFailureReopens verifies that any failure during
// half-open sends the circuit straight back to open.
func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("gemini", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, failing)
	require.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, StateOpen, cb.State())
}

// TestBreaker_StateChangeCallback verifies OnStateChange fires with the
// breaker name and both states.
func TestBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	type transition struct{ from, to State }
	var seen []transition

	done := make(chan struct{}, 4)
	cb := New("openai", Config{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			seen = append(seen, transition{from, to})
			mu.Unlock()
			assert.Equal(t, "openai", name)
			done <- struct{}{}
		},
	})

	_ = cb.Execute(context.Background(), failing)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, StateClosed, seen[0].from)
	assert.Equal(t, StateOpen, seen[0].to)
}

// TestBreaker_Reset verifies Reset forces the closed state.
func TestBreaker_Reset(t *testing.T) {
	cb := New("gemini", Config{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

// TestRegistry_GetCreatesOnDemand verifies the registry returns the same
// breaker instance per name.
func TestRegistry_GetCreatesOnDemand(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("gemini")
	b := r.Get("gemini")
	c := r.Get("openai")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.Snapshots(), 2)
}

// TestRegistry_ConcurrentGet verifies concurrent Get calls never produce
// duplicate breakers for the same name.
func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("gemini")
		}(i)
	}
	wg.Wait()

	for _, cb := range results[1:] {
		assert.Same(t, results[0], cb)
	}
}
