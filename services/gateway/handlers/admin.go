// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/eventstore"
)

// HandleQueryAudit serves GET /admin/audit. Filters come from query
// params: tenant_id, action, since, until (RFC 3339), limit.
func (e *Env) HandleQueryAudit(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleQueryAudit")
	defer span.End()

	if e.AuditStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store disabled"})
		return
	}

	filter := audit.Filter{
		TenantID: c.Query("tenant_id"),
		Action:   audit.Action(c.Query("action")),
		Limit:    intQuery(c, "limit", 0),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		filter.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until must be RFC 3339"})
			return
		}
		filter.Until = t
	}

	events, err := e.AuditStore.Query(ctx, filter)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleVerifyAudit serves POST /admin/audit/verify: walks the whole
// hash chain and reports the first break, if any.
func (e *Env) HandleVerifyAudit(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleVerifyAudit")
	defer span.End()

	if e.AuditStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store disabled"})
		return
	}

	result, err := e.AuditStore.VerifyChain(ctx)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chain verification failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleReplayConversation serves GET /admin/conversations/:id/events:
// the raw event stream for an aggregate, from an optional version
// onward. This is the operator's view into event-sourced history; the
// tenant-facing API only ever sees the folded state.
func (e *Env) HandleReplayConversation(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleReplayConversation")
	defer span.End()

	id := c.Param("id")
	version, err := e.Events.Version(ctx, id)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}
	if version == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	// The from param names the first version to include.
	from := int64(intQuery(c, "from", 1))
	events, err := e.Events.Replay(ctx, id, from-1)
	if err != nil {
		if errors.Is(err, eventstore.ErrSequenceGap) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleProbeBackends serves POST /admin/backends/probe: one immediate
// health check round, returning the refreshed status.
func (e *Env) HandleProbeBackends(c *gin.Context) {
	if e.Failover == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failover not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": e.Failover.Probe(c.Request.Context())})
}

// HandleFailoverStatus serves GET /admin/backends.
func (e *Env) HandleFailoverStatus(c *gin.Context) {
	if e.Failover == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failover not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": e.Failover.Status()})
}

// HandleBreakerStatus serves GET /admin/breakers.
func (e *Env) HandleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": e.Breakers.Snapshots()})
}

// HandleBreakerReset serves POST /admin/breakers/reset. Forces every
// breaker closed; the next real failure reopens it.
func (e *Env) HandleBreakerReset(c *gin.Context) {
	e.Breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"breakers": e.Breakers.Snapshots()})
}

// HandleTenantUsage serves GET /admin/tenants/:id/usage with the
// current month aggregate.
func (e *Env) HandleTenantUsage(c *gin.Context) {
	c.JSON(http.StatusOK, e.Tracker.Snapshot(c.Param("id")))
}
