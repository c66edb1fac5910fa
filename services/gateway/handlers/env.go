// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP handlers.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/breaker"
	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/failover"
	"github.com/sysdr/aigateway/services/llm"
	"github.com/sysdr/aigateway/services/policy"
	"github.com/sysdr/aigateway/services/storage"
	"github.com/sysdr/aigateway/services/usage"
)

var gatewayTracer = otel.Tracer("aigateway.handlers")

// Env bundles the gateway's shared dependencies. Handlers are methods
// on Env; routes wires one instance in at startup.
type Env struct {
	// LLM is the failover orchestrator (or a single client in tests).
	LLM llm.LLMClient

	// Failover is the same orchestrator, typed for the status API.
	// Nil when LLM is not an orchestrator.
	Failover *failover.Orchestrator

	// Policy scans and enforces content rules.
	Policy *policy.Engine

	// Tracker accounts token usage and enforces monthly budgets.
	Tracker *usage.Tracker

	// Tenants and Conversations are the PostgreSQL stores.
	Tenants       *storage.TenantStore
	Conversations *storage.ConversationStore

	// Events is the conversation event store.
	Events *eventstore.Store

	// Audit records security-relevant actions; AuditStore additionally
	// serves queries and chain verification, nil when auditing is
	// disabled.
	Audit      audit.Recorder
	AuditStore *audit.Store

	// Breakers exposes circuit breaker state to the admin API.
	Breakers *breaker.Registry
}

// intQuery parses an integer query parameter, falling back to def on
// absence or garbage.
func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
