// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the request path end to end:
//   - Request counters by endpoint, tenant tier and status
//   - Token usage by backend and model
//   - Latency histograms (time to first token, total duration)
//   - Rate limit and policy rejections
//   - Active stream gauge
//
// # Integration
//
// Exposed via the /metrics endpoint. Use with Prometheus + Grafana for
// dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aigateway"

// GatewayMetrics holds all Prometheus metrics for the request path.
// Initialize once at startup via InitMetrics().
type GatewayMetrics struct {
	// RequestsTotal counts requests by endpoint, tier and status.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction, backend and model.
	TokensTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts 429s by tenant tier.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// PolicyActionsTotal counts policy outcomes (blocked, redacted,
	// flagged) by classification.
	PolicyActionsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first streamed token.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// RequestDurationSeconds measures total request duration.
	RequestDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams *prometheus.GaugeVec

	// BackendFailoversTotal counts backend switches by target backend.
	BackendFailoversTotal *prometheus.CounterVec

	// BreakerState tracks each backend's circuit state
	// (0 closed, 1 open, 2 half-open).
	BreakerState *prometheus.GaugeVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics creates and registers all gateway metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total requests by endpoint, tenant tier and status",
			},
			[]string{"endpoint", "tier", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction, backend and model",
			},
			[]string{"direction", "backend", "model"},
		),

		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ratelimit_rejections_total",
				Help:      "Requests rejected by the rate limiter, by tenant tier",
			},
			[]string{"tier"},
		),

		PolicyActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "policy_actions_total",
				Help:      "Policy engine outcomes by action and classification",
			},
			[]string{"action", "classification"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"backend"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Total request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"transport"},
		),

		BackendFailoversTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backend_failovers_total",
				Help:      "Backend switches by target backend",
			},
			[]string{"to"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per backend (0 closed, 1 open, 2 half-open)",
			},
			[]string{"backend"},
		),
	}
	return DefaultMetrics
}

// RecordRequest records a completed request.
func (m *GatewayMetrics) RecordRequest(endpoint, tier string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, tier, status).Inc()
}

// RecordTokens records token usage for one call.
func (m *GatewayMetrics) RecordTokens(inputTokens, outputTokens int, backend, model string) {
	m.TokensTotal.WithLabelValues("input", backend, model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", backend, model).Add(float64(outputTokens))
}

// RecordRateLimitRejection records a 429.
func (m *GatewayMetrics) RecordRateLimitRejection(tier string) {
	m.RateLimitRejectionsTotal.WithLabelValues(tier).Inc()
}

// RecordPolicyAction records a policy outcome.
func (m *GatewayMetrics) RecordPolicyAction(action, classification string) {
	m.PolicyActionsTotal.WithLabelValues(action, classification).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *GatewayMetrics) StreamStarted(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *GatewayMetrics) StreamEnded(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordTimeToFirstToken records first-token latency.
func (m *GatewayMetrics) RecordTimeToFirstToken(backend string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(backend).Observe(seconds)
}

// RecordDuration records total request duration.
func (m *GatewayMetrics) RecordDuration(endpoint string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestDurationSeconds.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordFailover records a backend switch.
func (m *GatewayMetrics) RecordFailover(to string) {
	m.BackendFailoversTotal.WithLabelValues(to).Inc()
}

// SetBreakerState records a backend's circuit state. The numeric value
// follows the breaker's own State ordering: 0 closed, 1 open,
// 2 half-open.
func (m *GatewayMetrics) SetBreakerState(backend string, state float64) {
	m.BreakerState.WithLabelValues(backend).Set(state)
}
