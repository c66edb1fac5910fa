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
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/policy"
	"github.com/sysdr/aigateway/services/usage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API key already gates access; browsers are not the
		// expected client.
		return true
	},
}

// wsEventWriter emits the same hash-chained stream events as the SSE
// writer, framed as WebSocket text messages.
type wsEventWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func (w *wsEventWriter) writeEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	return w.conn.WriteJSON(event)
}

func (w *wsEventWriter) status(message string) error {
	return w.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: message})
}

func (w *wsEventWriter) token(tok string) error {
	return w.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: tok})
}

func (w *wsEventWriter) done(conversationID string) error {
	return w.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, ConversationId: conversationID})
}

func (w *wsEventWriter) fail(message string) error {
	return w.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: message})
}

// HandleChatWebSocket serves GET /v1/chat/ws. Each text message from
// the client is a ChatRequest; the reply streams back as events on the
// same connection. The connection stays open across requests, so an
// interactive client pays the upgrade cost once.
func (e *Env) HandleChatWebSocket(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	if tenant == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "tenant_id", tenant.ID, "error", err)
		return
	}
	defer conn.Close()

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.StreamStarted("websocket")
		defer observability.DefaultMetrics.StreamEnded("websocket")
	}

	writer := &wsEventWriter{conn: conn}
	ctx := c.Request.Context()

	for {
		var req datatypes.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket closed unexpectedly", "tenant_id", tenant.ID, "error", err)
			}
			return
		}
		if err := req.Validate(); err != nil {
			if writer.fail(err.Error()) != nil {
				return
			}
			continue
		}
		req.EnsureDefaults()

		if !e.serveWebSocketTurn(ctx, tenant, &req, writer) {
			return
		}
	}
}

// serveWebSocketTurn handles one request/response exchange. Returns
// false when the connection is no longer usable.
func (e *Env) serveWebSocketTurn(ctx context.Context, tenant *datatypes.Tenant, req *datatypes.ChatRequest, writer *wsEventWriter) bool {
	ctx, span := gatewayTracer.Start(ctx, "HandleChatWebSocket.turn")
	defer span.End()
	start := time.Now()

	if err := e.Tracker.CheckBudget(tenant); err != nil {
		if errors.Is(err, usage.ErrBudgetExhausted) {
			return writer.fail("monthly token budget exhausted") == nil
		}
		return writer.fail("budget check failed") == nil
	}

	decision, err := e.Policy.Evaluate(tenant.PolicyMode, req.Messages)
	if err != nil {
		if errors.Is(err, policy.ErrBlockedByPolicy) {
			e.recordPolicy(ctx, tenant, req, audit.ActionPolicyBlocked, decision.Findings)
			return writer.fail("message contains content disallowed by tenant policy") == nil
		}
		slog.Error("policy evaluation failed", "tenant_id", tenant.ID, "error", err)
		return writer.fail("policy evaluation failed") == nil
	}
	if decision.Redacted {
		e.recordPolicy(ctx, tenant, req, audit.ActionPolicyRedacted, decision.Findings)
	} else if len(decision.Findings) > 0 {
		e.recordPolicy(ctx, tenant, req, audit.ActionPolicyFlagged, decision.Findings)
	}

	messages := req.Messages
	var version int64
	if req.ConversationID != "" {
		state, err := e.Events.Load(ctx, req.ConversationID)
		if err != nil || state.TenantID != tenant.ID {
			return writer.fail("conversation not found") == nil
		}
		history := make([]datatypes.Message, 0, len(state.Messages)+len(req.Messages))
		for _, m := range state.Messages {
			history = append(history, datatypes.Message{Role: m.Role, Content: m.Content})
		}
		messages = append(history, req.Messages...)
		version = state.Version
	}

	if writer.status("generating") != nil {
		return false
	}

	result, err := e.LLM.ChatStream(ctx, messages, generationParams(req), writer.token)
	if err != nil {
		span.RecordError(err)
		slog.Error("websocket chat failed",
			"tenant_id", tenant.ID, "request_id", req.RequestID, "error", err)
		return writer.fail("generation failed") == nil
	}

	e.accountUsage(ctx, tenant, result)

	if req.ConversationID != "" {
		if err := e.persistTurn(ctx, tenant, req, version, result); err != nil {
			if errors.Is(err, eventstore.ErrVersionConflict) {
				return writer.fail("conversation was modified concurrently") == nil
			}
			slog.Error("failed to persist conversation turn",
				"tenant_id", tenant.ID, "conversation_id", req.ConversationID, "error", err)
		}
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordDuration("chat_ws", time.Since(start).Seconds(), true)
		observability.DefaultMetrics.RecordRequest("chat_ws", string(tenant.Tier), true)
	}

	return writer.done(req.ConversationID) == nil
}
