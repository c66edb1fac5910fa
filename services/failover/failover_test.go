// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package failover

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/breaker"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/llm"
)

func TestMain(m *testing.M) {
	observability.InitMetrics()
	os.Exit(m.Run())
}

// fakeClient is a scriptable backend for orchestrator tests.
type fakeClient struct {
	name      string
	mu        sync.Mutex
	failing   bool
	calls     int
	streamErr error // returned after the first token when set
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return "", errors.New(f.name + " unavailable")
	}
	return "answer from " + f.name, nil
}

func (f *fakeClient) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, errors.New(f.name + " unavailable")
	}
	return &llm.ChatResult{Answer: "answer from " + f.name, Backend: f.name}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, onToken llm.TokenHandler) (*llm.ChatResult, error) {
	f.mu.Lock()
	failing := f.failing
	streamErr := f.streamErr
	f.calls++
	f.mu.Unlock()

	if failing {
		return nil, errors.New(f.name + " unavailable")
	}
	if err := onToken("tok1"); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if err := onToken("tok2"); err != nil {
		return nil, err
	}
	return &llm.ChatResult{Answer: "tok1tok2", Backend: f.name}, nil
}

func (f *fakeClient) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New(f.name + " unhealthy")
	}
	return nil
}

// captureRecorder collects audit events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(ctx context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureRecorder) all() []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Event(nil), c.events...)
}

func newTestOrchestrator(t *testing.T, clients ...llm.LLMClient) (*Orchestrator, *captureRecorder) {
	t.Helper()
	recorder := &captureRecorder{}
	o, err := NewOrchestrator(breaker.NewRegistry(breaker.DefaultConfig()), clients, WithRecorder(recorder))
	require.NoError(t, err)
	return o, recorder
}

func TestOrchestrator_UsesPrimaryFirst(t *testing.T) {
	primary := &fakeClient{name: "gemini"}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)

	result, err := o.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, llm.GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, "gemini", result.Backend)
	assert.Equal(t, 1, primary.callCount())
	assert.Zero(t, secondary.callCount())
}

func TestOrchestrator_FailsOverToSecondary(t *testing.T) {
	primary := &fakeClient{name: "gemini", failing: true}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)

	result, err := o.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, llm.GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, "ollama", result.Backend)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, secondary.callCount())
}

func TestOrchestrator_AuditsBackendSwitch(t *testing.T) {
	primary := &fakeClient{name: "gemini"}
	secondary := &fakeClient{name: "ollama"}
	o, recorder := newTestOrchestrator(t, primary, secondary)
	ctx := context.Background()
	messages := []datatypes.Message{{Role: "user", Content: "hi"}}

	_, err := o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)

	primary.setFailing(true)
	_, err = o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)

	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionBackendSwitch, events[0].Action)
	assert.Equal(t, "gemini", events[0].Details["from"])
	assert.Equal(t, "ollama", events[0].Details["to"])

	// The switch is also counted in the failover metric.
	assert.Equal(t, 1.0, testutil.ToFloat64(
		observability.DefaultMetrics.BackendFailoversTotal.WithLabelValues("ollama")))
}

func TestOrchestrator_RecoversToPrimary(t *testing.T) {
	primary := &fakeClient{name: "gemini"}
	secondary := &fakeClient{name: "ollama"}
	o, recorder := newTestOrchestrator(t, primary, secondary)
	ctx := context.Background()
	messages := []datatypes.Message{{Role: "user", Content: "hi"}}

	primary.setFailing(true)
	_, err := o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)

	primary.setFailing(false)
	result, err := o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", result.Backend)

	// ollama -> gemini promotion is itself a switch event.
	events := recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, "gemini", events[0].Details["to"])
}

func TestOrchestrator_AllBackendsDown(t *testing.T) {
	primary := &fakeClient{name: "gemini", failing: true}
	secondary := &fakeClient{name: "ollama", failing: true}
	o, _ := newTestOrchestrator(t, primary, secondary)

	_, err := o.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, llm.GenerationParams{})
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestOrchestrator_OpenBreakerSkipsBackend(t *testing.T) {
	primary := &fakeClient{name: "gemini", failing: true}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)
	ctx := context.Background()
	messages := []datatypes.Message{{Role: "user", Content: "hi"}}

	// Trip the primary's breaker.
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		_, err := o.Chat(ctx, messages, llm.GenerationParams{})
		require.NoError(t, err)
	}
	callsBefore := primary.callCount()

	// With the breaker open the primary is not even attempted.
	_, err := o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, callsBefore, primary.callCount())
}

func TestOrchestrator_PrimaryRecoversAfterOpenTimeout(t *testing.T) {
	primary := &fakeClient{name: "gemini", failing: true}
	secondary := &fakeClient{name: "ollama"}
	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      20 * time.Millisecond,
	})
	o, err := NewOrchestrator(registry, []llm.LLMClient{primary, secondary})
	require.NoError(t, err)
	ctx := context.Background()
	messages := []datatypes.Message{{Role: "user", Content: "hi"}}

	// One failure trips the primary's breaker.
	result, err := o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", result.Backend)
	require.Equal(t, breaker.StateOpen, registry.Get("gemini").State())

	// While open, calls go straight to the secondary.
	result, err = o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", result.Backend)

	// Backend heals; once the open timeout elapses the next call must be
	// allowed through as a half-open probe and, succeeding, close the
	// breaker and restore the primary.
	primary.setFailing(false)
	time.Sleep(30 * time.Millisecond)

	result, err = o.Chat(ctx, messages, llm.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", result.Backend)
	assert.Equal(t, breaker.StateClosed, registry.Get("gemini").State())
}

func TestOrchestrator_NoFailoverAfterFirstToken(t *testing.T) {
	primary := &fakeClient{name: "gemini", streamErr: errors.New("connection reset")}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)

	var tokens []string
	_, err := o.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		llm.GenerationParams{},
		func(token string) error {
			tokens = append(tokens, token)
			return nil
		})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	// The secondary must not restart the stream.
	assert.Zero(t, secondary.callCount())
	assert.Equal(t, []string{"tok1"}, tokens)
}

func TestOrchestrator_StreamFailoverBeforeFirstToken(t *testing.T) {
	primary := &fakeClient{name: "gemini", failing: true}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)

	result, err := o.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}},
		llm.GenerationParams{},
		func(token string) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, "ollama", result.Backend)
}

func TestOrchestrator_Status(t *testing.T) {
	primary := &fakeClient{name: "gemini"}
	secondary := &fakeClient{name: "ollama"}
	o, _ := newTestOrchestrator(t, primary, secondary)

	_, err := o.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, llm.GenerationParams{})
	require.NoError(t, err)

	statuses := o.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "gemini", statuses[0].Name)
	assert.True(t, statuses[0].Active)
	assert.Equal(t, "CLOSED", statuses[0].BreakerState)
	assert.False(t, statuses[1].Active)
}
