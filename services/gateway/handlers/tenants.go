// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/storage"
)

// HandleCreateTenant serves POST /admin/tenants.
func (e *Env) HandleCreateTenant(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleCreateTenant")
	defer span.End()

	var req datatypes.CreateTenantRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := e.Tenants.Create(ctx, &req)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to create tenant", "name", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create tenant"})
		return
	}

	e.auditAdmin(ctx, c, audit.ActionTenantCreated, tenant.ID, map[string]string{
		"name": tenant.Name,
		"tier": string(tenant.Tier),
	})
	c.JSON(http.StatusCreated, tenant)
}

// HandleListTenants serves GET /admin/tenants.
func (e *Env) HandleListTenants(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleListTenants")
	defer span.End()

	tenants, err := e.Tenants.List(ctx)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tenants"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// HandleGetTenant serves GET /admin/tenants/:id.
func (e *Env) HandleGetTenant(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleGetTenant")
	defer span.End()

	tenant, err := e.Tenants.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tenant"})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// updateTenantRequest carries a partial update; nil fields keep their
// current value.
type updateTenantRequest struct {
	Name               *string               `json:"name"`
	Tier               *datatypes.TenantTier `json:"tier"`
	PolicyMode         *datatypes.PolicyMode `json:"policy_mode"`
	RequestsPerMinute  *int                  `json:"requests_per_minute"`
	TokenBudgetMonthly *int64                `json:"token_budget_monthly"`
	RetentionDays      *int                  `json:"retention_days"`
}

// HandleUpdateTenant serves PATCH /admin/tenants/:id.
func (e *Env) HandleUpdateTenant(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleUpdateTenant")
	defer span.End()

	var req updateTenantRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tenant, err := e.Tenants.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tenant"})
		return
	}

	if req.Name != nil {
		tenant.Name = *req.Name
	}
	if req.Tier != nil {
		if !req.Tier.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier"})
			return
		}
		tenant.Tier = *req.Tier
	}
	if req.PolicyMode != nil {
		if !req.PolicyMode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy mode"})
			return
		}
		tenant.PolicyMode = *req.PolicyMode
	}
	if req.RequestsPerMinute != nil {
		tenant.RequestsPerMinute = *req.RequestsPerMinute
	}
	if req.TokenBudgetMonthly != nil {
		tenant.TokenBudgetMonthly = *req.TokenBudgetMonthly
	}
	if req.RetentionDays != nil {
		tenant.RetentionDays = *req.RetentionDays
	}

	updated, err := e.Tenants.Update(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to update tenant", "tenant_id", tenant.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update tenant"})
		return
	}

	e.auditAdmin(ctx, c, audit.ActionTenantUpdated, updated.ID, nil)
	c.JSON(http.StatusOK, updated)
}

// HandleDeactivateTenant serves DELETE /admin/tenants/:id. Rows stay
// for audit and billing; the tenant just stops authenticating.
func (e *Env) HandleDeactivateTenant(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleDeactivateTenant")
	defer span.End()

	id := c.Param("id")
	if err := e.Tenants.Deactivate(ctx, id); err != nil {
		if errors.Is(err, storage.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate tenant"})
		return
	}

	e.auditAdmin(ctx, c, audit.ActionTenantDeactivated, id, nil)
	c.JSON(http.StatusOK, gin.H{"deactivated": id})
}

// HandleCreateAPIKey serves POST /admin/tenants/:id/keys. The plaintext
// key appears in this response and nowhere else.
func (e *Env) HandleCreateAPIKey(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleCreateAPIKey")
	defer span.End()

	var req struct {
		Label string `json:"label"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tenantID := c.Param("id")
	if _, err := e.Tenants.Get(ctx, tenantID); err != nil {
		if errors.Is(err, storage.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tenant"})
		return
	}

	plaintext, key, err := e.Tenants.CreateAPIKey(ctx, tenantID, req.Label)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to create api key", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}

	e.auditAdmin(ctx, c, audit.ActionAPIKeyCreated, key.ID, map[string]string{
		"tenant_id": tenantID,
		"label":     req.Label,
	})
	c.JSON(http.StatusCreated, gin.H{"api_key": plaintext, "key": key})
}

// HandleRevokeAPIKey serves DELETE /admin/keys/:keyID.
func (e *Env) HandleRevokeAPIKey(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleRevokeAPIKey")
	defer span.End()

	keyID := c.Param("keyID")
	if err := e.Tenants.RevokeAPIKey(ctx, keyID); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke api key"})
		return
	}

	e.auditAdmin(ctx, c, audit.ActionAPIKeyRevoked, keyID, nil)
	c.JSON(http.StatusOK, gin.H{"revoked": keyID})
}

// auditAdmin records an admin action with the JWT subject as actor.
func (e *Env) auditAdmin(ctx context.Context, c *gin.Context, action audit.Action, resource string, details map[string]string) {
	err := e.Audit.Record(ctx, audit.Event{
		Actor:    middleware.AdminSubject(c),
		Action:   action,
		Resource: resource,
		Outcome:  "success",
		Details:  details,
	})
	if err != nil {
		slog.Error("failed to audit admin action", "action", action, "resource", resource, "error", err)
	}
}
