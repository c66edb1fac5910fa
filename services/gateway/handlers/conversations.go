// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/storage"
)

// HandleCreateConversation serves POST /v1/conversations. The row in
// PostgreSQL is the queryable projection; the event stream in the event
// store is the source of truth.
func (e *Env) HandleCreateConversation(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleCreateConversation")
	defer span.End()

	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req datatypes.CreateConversationRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conv, err := e.Conversations.Create(ctx, tenant.ID, &req, tenant.RetentionDays)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to create conversation", "tenant_id", tenant.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	_, err = e.Events.Append(ctx, conv.ID, 0, eventstore.EventData{
		Type: eventstore.EventConversationCreated,
		Data: eventstore.ConversationCreated{
			TenantID: tenant.ID,
			Title:    req.Title,
			Model:    req.Model,
		},
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to seed conversation stream", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// HandleListConversations serves GET /v1/conversations.
func (e *Env) HandleListConversations(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleListConversations")
	defer span.End()

	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	limit := intQuery(c, "limit", 0)
	conversations, err := e.Conversations.List(ctx, tenant.ID, limit)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to list conversations", "tenant_id", tenant.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations, "count": len(conversations)})
}

// HandleGetConversation serves GET /v1/conversations/:id with its
// message history from the projection.
func (e *Env) HandleGetConversation(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleGetConversation")
	defer span.End()

	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	id := c.Param("id")
	conv, err := e.Conversations.Get(ctx, tenant.ID, id)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	messages, err := e.Conversations.Messages(ctx, tenant.ID, id)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": messages})
}

// HandleDeleteConversation serves DELETE /v1/conversations/:id. The
// projection row, the event stream and any derived state go together;
// an audit event records the deletion.
func (e *Env) HandleDeleteConversation(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleDeleteConversation")
	defer span.End()

	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	id := c.Param("id")
	if err := e.Conversations.Delete(ctx, tenant.ID, id); err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}

	if err := e.Events.Delete(ctx, id); err != nil {
		// Projection is gone; the orphaned stream will not be served
		// again but should not fail the request.
		slog.Error("failed to delete conversation stream", "conversation_id", id, "error", err)
	}

	if err := e.Audit.Record(ctx, audit.Event{
		TenantID: tenant.ID,
		Actor:    "tenant",
		Action:   audit.ActionConversationDeleted,
		Resource: id,
		Outcome:  "success",
	}); err != nil {
		slog.Error("failed to audit conversation deletion", "conversation_id", id, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
