// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package failover composes several LLM backends into one.
//
// The orchestrator implements llm.LLMClient, so the rest of the gateway
// talks to a single client and never learns which backend served a
// call. Backends are tried in priority order; each sits behind its own
// circuit breaker, and a background health loop keeps per-backend
// availability current. When a higher-priority backend recovers it is
// used again automatically on the next request.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/breaker"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/llm"
)

var failoverTracer = otel.Tracer("aigateway.failover")

// ErrNoBackendAvailable is returned when every backend is unhealthy or
// has an open breaker.
var ErrNoBackendAvailable = errors.New("no healthy backend available")

// BackendStatus is one backend's state as reported by Status.
type BackendStatus struct {
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	Healthy      bool      `json:"healthy"`
	BreakerState string    `json:"breaker_state"`
	Active       bool      `json:"active"`
	LastProbe    time.Time `json:"last_probe,omitempty"`
}

type backend struct {
	client   llm.LLMClient
	breaker  *breaker.CircuitBreaker
	priority int

	mu        sync.RWMutex
	healthy   bool
	lastProbe time.Time
}

func (b *backend) setHealth(healthy bool, at time.Time) {
	b.mu.Lock()
	b.healthy = healthy
	b.lastProbe = at
	b.mu.Unlock()
}

func (b *backend) health() (bool, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy, b.lastProbe
}

// Orchestrator routes calls to the highest-priority usable backend.
type Orchestrator struct {
	backends []*backend
	recorder audit.Recorder

	mu     sync.Mutex
	active string
}

// Option configures NewOrchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the audit recorder that receives backend switch
// events. Defaults to audit.NopRecorder.
func WithRecorder(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator builds an orchestrator over the given clients, in
// priority order (index 0 is most preferred). Each backend gets its own
// circuit breaker from registry.
func NewOrchestrator(registry *breaker.Registry, clients []llm.LLMClient, opts ...Option) (*Orchestrator, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one backend is required")
	}

	o := &Orchestrator{recorder: audit.NopRecorder{}}
	for _, opt := range opts {
		opt(o)
	}

	for i, client := range clients {
		o.backends = append(o.backends, &backend{
			client:   client,
			breaker:  registry.Get(client.Name()),
			priority: i,
			// Backends start healthy; the first probe corrects this
			// within one interval.
			healthy: true,
		})
	}
	sort.SliceStable(o.backends, func(i, j int) bool {
		return o.backends[i].priority < o.backends[j].priority
	})
	return o, nil
}

// Name implements llm.LLMClient.
func (o *Orchestrator) Name() string { return "failover" }

// StartHealthLoop probes every backend at the given interval until ctx
// is cancelled. Probes run concurrently; a slow backend cannot delay
// the others.
func (o *Orchestrator) StartHealthLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.probeAll(ctx)
			}
		}
	}()
}

// Probe runs one immediate round of health checks, outside the regular
// loop. Used by the admin API to re-test backends after an incident.
func (o *Orchestrator) Probe(ctx context.Context) []BackendStatus {
	o.probeAll(ctx)
	return o.Status()
}

func (o *Orchestrator) probeAll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, probeCtx := errgroup.WithContext(probeCtx)
	for _, b := range o.backends {
		b := b
		g.Go(func() error {
			err := b.client.HealthCheck(probeCtx)
			now := time.Now().UTC()
			wasHealthy, _ := b.health()
			b.setHealth(err == nil, now)
			if (err == nil) != wasHealthy {
				slog.Info("backend health changed",
					"backend", b.client.Name(),
					"healthy", err == nil)
			}
			// Probe failures are recorded in backend state, never
			// propagated: one dead backend must not cancel the
			// sibling probes.
			return nil
		})
	}
	_ = g.Wait()
}

// candidates returns usable backends in priority order. A backend with
// an open breaker is still a candidate once its open timeout has
// elapsed: the next call through Execute is the half-open probe, and
// skipping it would keep the backend excluded forever.
func (o *Orchestrator) candidates() []*backend {
	var usable []*backend
	for _, b := range o.backends {
		healthy, _ := b.health()
		if !healthy {
			continue
		}
		if b.breaker.State() == breaker.StateOpen && !b.breaker.ReadyToProbe() {
			continue
		}
		usable = append(usable, b)
	}
	return usable
}

// execute runs fn against backends in priority order until one
// succeeds, switching the active backend (with an audit event) when the
// serving backend changes.
func (o *Orchestrator) execute(ctx context.Context, op string, fn func(ctx context.Context, client llm.LLMClient) error) (string, error) {
	ctx, span := failoverTracer.Start(ctx, "failover."+op)
	defer span.End()

	candidates := o.candidates()
	if len(candidates) == 0 {
		return "", ErrNoBackendAvailable
	}

	var lastErr error
	for _, b := range candidates {
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, b.client)
		})
		if err == nil {
			o.noteActive(ctx, b.client.Name())
			span.SetAttributes(attribute.String("backend", b.client.Name()))
			return b.client.Name(), nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller is gone; trying the next backend would just
			// burn quota.
			return "", err
		}
		var aborted errStreamStarted
		if errors.As(err, &aborted) {
			// Partial output already reached the client; retrying on
			// another backend would restart the answer mid-stream.
			return "", err
		}
		lastErr = err
		slog.Warn("backend call failed, trying next",
			"backend", b.client.Name(),
			"operation", op,
			"error", err)
	}
	return "", fmt.Errorf("%w: last error: %v", ErrNoBackendAvailable, lastErr)
}

// noteActive records a backend switch in the audit trail.
func (o *Orchestrator) noteActive(ctx context.Context, name string) {
	o.mu.Lock()
	previous := o.active
	o.active = name
	o.mu.Unlock()

	if previous == "" || previous == name {
		return
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordFailover(name)
	}
	err := o.recorder.Record(ctx, audit.Event{
		Actor:    "system",
		Action:   audit.ActionBackendSwitch,
		Resource: name,
		Outcome:  "success",
		Details:  map[string]string{"from": previous, "to": name},
	})
	if err != nil {
		slog.Error("failed to audit backend switch", "error", err)
	}
}

// Generate implements llm.LLMClient.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	var answer string
	_, err := o.execute(ctx, "generate", func(ctx context.Context, client llm.LLMClient) error {
		a, err := client.Generate(ctx, prompt, params)
		if err != nil {
			return err
		}
		answer = a
		return nil
	})
	return answer, err
}

// Chat implements llm.LLMClient.
func (o *Orchestrator) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	var result *llm.ChatResult
	_, err := o.execute(ctx, "chat", func(ctx context.Context, client llm.LLMClient) error {
		r, err := client.Chat(ctx, messages, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// ChatStream implements llm.LLMClient.
//
// Failover only applies before the first token: once a backend has
// started streaming, a mid-stream failure surfaces to the caller
// instead of silently restarting the answer on another backend.
func (o *Orchestrator) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, onToken llm.TokenHandler) (*llm.ChatResult, error) {
	var result *llm.ChatResult
	_, err := o.execute(ctx, "chat_stream", func(ctx context.Context, client llm.LLMClient) error {
		started := false
		r, err := client.ChatStream(ctx, messages, params, func(token string) error {
			started = true
			return onToken(token)
		})
		if err != nil {
			if started {
				// Mark the attempt as failed for the breaker, but do
				// not fail over; the client already saw partial output.
				return fmt.Errorf("stream aborted after first token: %w", errStreamStarted{err})
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var aborted errStreamStarted
		if errors.As(err, &aborted) {
			return nil, aborted.err
		}
		return nil, err
	}
	return result, nil
}

// errStreamStarted wraps a mid-stream failure so execute's retry loop
// can be unwound without retrying.
type errStreamStarted struct{ err error }

func (e errStreamStarted) Error() string { return e.err.Error() }

// HealthCheck implements llm.LLMClient: healthy when any backend is
// usable.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if len(o.candidates()) == 0 {
		return ErrNoBackendAvailable
	}
	return nil
}

// Status reports every backend's state for the admin API.
func (o *Orchestrator) Status() []BackendStatus {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()

	statuses := make([]BackendStatus, 0, len(o.backends))
	for _, b := range o.backends {
		healthy, lastProbe := b.health()
		statuses = append(statuses, BackendStatus{
			Name:         b.client.Name(),
			Priority:     b.priority,
			Healthy:      healthy,
			BreakerState: b.breaker.State().String(),
			Active:       b.client.Name() == active,
			LastProbe:    lastProbe,
		})
	}
	return statuses
}
