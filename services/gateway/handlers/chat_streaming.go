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
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/gateway/observability"
)

// HandleChatStream serves POST /v1/chat/stream: the same pipeline as
// HandleChat, with the answer delivered token by token over SSE.
//
// Gate failures (budget, policy, unknown conversation) are reported as
// plain JSON before any SSE headers go out. Once streaming starts every
// outcome, including errors, travels as a stream event.
func (e *Env) HandleChatStream(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()
	start := time.Now()

	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.EnsureDefaults()

	if !e.admitRequest(c, ctx, tenant, &req) {
		return
	}
	messages, version, ok := e.withHistory(c, ctx, tenant, &req)
	if !ok {
		return
	}

	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.StreamStarted("sse")
		defer observability.DefaultMetrics.StreamEnded("sse")
	}

	if err := sse.WriteStatus("generating"); err != nil {
		slog.Error("client disconnected before stream start", "tenant_id", tenant.ID)
		return
	}

	// The serving backend is only known once the stream finishes, so
	// first-token latency is captured here and recorded after.
	var firstTokenAt time.Time
	result, err := e.LLM.ChatStream(ctx, messages, generationParams(&req), func(token string) error {
		if firstTokenAt.IsZero() {
			firstTokenAt = time.Now()
		}
		return sse.WriteToken(token)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("streaming chat failed",
			"tenant_id", tenant.ID, "request_id", req.RequestID, "error", err)
		if writeErr := sse.WriteError("generation failed"); writeErr != nil {
			slog.Debug("could not deliver stream error", "error", writeErr)
		}
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.RecordDuration("chat_stream", time.Since(start).Seconds(), false)
		}
		return
	}

	if observability.DefaultMetrics != nil && !firstTokenAt.IsZero() {
		observability.DefaultMetrics.RecordTimeToFirstToken(result.Backend, firstTokenAt.Sub(start).Seconds())
	}

	e.accountUsage(ctx, tenant, result)

	if req.ConversationID != "" {
		if err := e.persistTurn(ctx, tenant, &req, version, result); err != nil {
			if errors.Is(err, eventstore.ErrVersionConflict) {
				_ = sse.WriteError("conversation was modified concurrently")
				return
			}
			slog.Error("failed to persist conversation turn",
				"tenant_id", tenant.ID, "conversation_id", req.ConversationID, "error", err)
		}
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordDuration("chat_stream", time.Since(start).Seconds(), true)
		observability.DefaultMetrics.RecordRequest("chat_stream", string(tenant.Tier), true)
	}

	if err := sse.WriteDone(req.ConversationID); err != nil {
		slog.Debug("could not deliver done event", "error", err)
	}
}
