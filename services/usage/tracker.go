// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package usage tracks per-tenant token consumption and cost.
//
// The tracker keeps a rolling in-memory aggregate per tenant for the
// current calendar month. That aggregate is what the monthly token
// budget is enforced against. Every record is also forwarded to a Sink
// (InfluxDB in production) for time-series analysis; sink failures are
// logged and never block the request path.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// ErrBudgetExhausted is returned when a tenant has consumed its monthly
// token budget.
var ErrBudgetExhausted = errors.New("monthly token budget exhausted")

// Pricing is USD per 1K tokens for one model.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// pricingTable maps model name prefixes to pricing. Unknown models fall
// back to defaultPricing. Local models (ollama) cost nothing.
var pricingTable = map[string]Pricing{
	"gemini-2.0-flash": {InputPer1K: 0.000100, OutputPer1K: 0.000400},
	"gemini-1.5-pro":   {InputPer1K: 0.001250, OutputPer1K: 0.005000},
	"gpt-4o":           {InputPer1K: 0.002500, OutputPer1K: 0.010000},
	"gpt-4o-mini":      {InputPer1K: 0.000150, OutputPer1K: 0.000600},
}

var defaultPricing = Pricing{InputPer1K: 0.000500, OutputPer1K: 0.001500}

// CostFor estimates the USD cost of one call.
func CostFor(backend, model string, tokens datatypes.TokenUsage) float64 {
	if backend == "ollama" {
		return 0
	}
	pricing, ok := pricingTable[model]
	if !ok {
		pricing = defaultPricing
	}
	return float64(tokens.InputTokens)/1000*pricing.InputPer1K +
		float64(tokens.OutputTokens)/1000*pricing.OutputPer1K
}

// Record is one call's usage.
type Record struct {
	TenantID  string               `json:"tenant_id"`
	Backend   string               `json:"backend"`
	Model     string               `json:"model"`
	Tokens    datatypes.TokenUsage `json:"tokens"`
	Cost      float64              `json:"cost"`
	Timestamp time.Time            `json:"timestamp"`
}

// Aggregate is a tenant's consumption for one calendar month.
type Aggregate struct {
	Month        string  `json:"month"` // "2026-08"
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// TotalTokens is what the monthly budget counts.
func (a Aggregate) TotalTokens() int64 {
	return a.InputTokens + a.OutputTokens
}

// Sink receives usage records for long-term storage.
//
// Implementations must be safe for concurrent use. Errors are logged by
// the tracker, never propagated to the request path.
type Sink interface {
	Write(ctx context.Context, record Record) error
}

// NopSink discards records. Used in tests and when InfluxDB is not
// configured.
type NopSink struct{}

func (NopSink) Write(ctx context.Context, record Record) error { return nil }

// Tracker aggregates usage in memory and forwards records to a sink.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	sink Sink

	mu         sync.Mutex
	aggregates map[string]*Aggregate
	now        func() time.Time
}

// NewTracker creates a tracker forwarding to sink.
func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{
		sink:       sink,
		aggregates: make(map[string]*Aggregate),
		now:        time.Now,
	}
}

func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// current returns the tenant's aggregate for the current month,
// resetting it on month rollover. Caller holds t.mu.
func (t *Tracker) current(tenantID string) *Aggregate {
	month := monthOf(t.now())
	agg := t.aggregates[tenantID]
	if agg == nil || agg.Month != month {
		agg = &Aggregate{Month: month}
		t.aggregates[tenantID] = agg
	}
	return agg
}

// Track records one call's usage. The cost is computed here so callers
// only supply token counts.
func (t *Tracker) Track(ctx context.Context, tenantID, backend, model string, tokens datatypes.TokenUsage) {
	record := Record{
		TenantID:  tenantID,
		Backend:   backend,
		Model:     model,
		Tokens:    tokens,
		Cost:      CostFor(backend, model, tokens),
		Timestamp: t.now().UTC(),
	}

	t.mu.Lock()
	agg := t.current(tenantID)
	agg.Requests++
	agg.InputTokens += int64(tokens.InputTokens)
	agg.OutputTokens += int64(tokens.OutputTokens)
	agg.Cost += record.Cost
	t.mu.Unlock()

	if err := t.sink.Write(ctx, record); err != nil {
		slog.Warn("usage sink write failed", "tenant_id", tenantID, "error", err)
	}
}

// CheckBudget returns ErrBudgetExhausted when the tenant's consumption
// for the current month has reached its budget. A zero budget means
// unlimited.
func (t *Tracker) CheckBudget(tenant *datatypes.Tenant) error {
	if tenant.TokenBudgetMonthly <= 0 {
		return nil
	}

	t.mu.Lock()
	consumed := t.current(tenant.ID).TotalTokens()
	t.mu.Unlock()

	if consumed >= tenant.TokenBudgetMonthly {
		return ErrBudgetExhausted
	}
	return nil
}

// Snapshot returns a copy of the tenant's current-month aggregate.
func (t *Tracker) Snapshot(tenantID string) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.current(tenantID)
}
