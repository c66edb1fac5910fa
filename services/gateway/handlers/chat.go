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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/failover"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/llm"
	"github.com/sysdr/aigateway/services/policy"
	"github.com/sysdr/aigateway/services/usage"
)

// HandleChat serves POST /v1/chat: one synchronous completion, with
// policy enforcement, budget check, optional conversation history and
// full usage accounting.
func (e *Env) HandleChat(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleChat")
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

	result, err := e.LLM.Chat(ctx, messages, generationParams(&req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("chat failed", "tenant_id", tenant.ID, "request_id", req.RequestID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, failover.ErrNoBackendAvailable) {
			status = http.StatusServiceUnavailable
		}
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.RecordDuration("chat", time.Since(start).Seconds(), false)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	e.accountUsage(ctx, tenant, result)

	if req.ConversationID != "" {
		if err := e.persistTurn(ctx, tenant, &req, version, result); err != nil {
			if errors.Is(err, eventstore.ErrVersionConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": "conversation was modified concurrently, retry"})
				return
			}
			// The answer exists; losing the projection is better than
			// losing the response.
			slog.Error("failed to persist conversation turn",
				"tenant_id", tenant.ID, "conversation_id", req.ConversationID, "error", err)
		}
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordDuration("chat", time.Since(start).Seconds(), true)
		observability.DefaultMetrics.RecordRequest("chat", string(tenant.Tier), true)
	}

	resp := datatypes.NewChatResponse(req.RequestID)
	resp.ConversationID = req.ConversationID
	resp.Answer = result.Answer
	resp.Model = result.Model
	resp.Backend = result.Backend
	resp.Usage = &result.Usage
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	c.JSON(http.StatusOK, resp)
}

// admitRequest runs the pre-flight gates shared by the chat endpoints:
// monthly budget, then policy enforcement. Returns false after writing
// the error response.
func (e *Env) admitRequest(c *gin.Context, ctx context.Context, tenant *datatypes.Tenant, req *datatypes.ChatRequest) bool {
	if err := e.Tracker.CheckBudget(tenant); err != nil {
		if errors.Is(err, usage.ErrBudgetExhausted) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "monthly token budget exhausted"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "budget check failed"})
		return false
	}

	decision, err := e.Policy.Evaluate(tenant.PolicyMode, req.Messages)
	if err != nil {
		if errors.Is(err, policy.ErrBlockedByPolicy) {
			e.recordPolicy(ctx, tenant, req, audit.ActionPolicyBlocked, decision.Findings)
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "message contains content disallowed by tenant policy",
				"findings": decision.Findings,
			})
			return false
		}
		slog.Error("policy evaluation failed", "tenant_id", tenant.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy evaluation failed"})
		return false
	}
	if decision.Redacted {
		e.recordPolicy(ctx, tenant, req, audit.ActionPolicyRedacted, decision.Findings)
	} else if len(decision.Findings) > 0 {
		e.recordPolicy(ctx, tenant, req, audit.ActionPolicyFlagged, decision.Findings)
	}
	return true
}

func (e *Env) recordPolicy(ctx context.Context, tenant *datatypes.Tenant, req *datatypes.ChatRequest, action audit.Action, findings []policy.Finding) {
	classification := ""
	if len(findings) > 0 {
		classification = findings[0].ClassificationName
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordPolicyAction(string(action), classification)
	}
	err := e.Audit.Record(ctx, audit.Event{
		TenantID: tenant.ID,
		Actor:    "tenant",
		Action:   action,
		Resource: req.RequestID,
		Outcome:  "enforced",
		Details: map[string]string{
			"classification": classification,
			"findings":       fmt.Sprintf("%d", len(findings)),
		},
	})
	if err != nil {
		slog.Error("failed to audit policy action", "tenant_id", tenant.ID, "error", err)
	}
}

// withHistory prepends the conversation history when the request names
// a conversation. Returns the full message list, the stream version the
// history was read at, and false if an error response was written.
func (e *Env) withHistory(c *gin.Context, ctx context.Context, tenant *datatypes.Tenant, req *datatypes.ChatRequest) ([]datatypes.Message, int64, bool) {
	if req.ConversationID == "" {
		return req.Messages, 0, true
	}

	state, err := e.Events.Load(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return nil, 0, false
		}
		slog.Error("failed to load conversation", "conversation_id", req.ConversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return nil, 0, false
	}
	// Tenant scoping: a foreign conversation reads as missing.
	if state.TenantID != tenant.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, 0, false
	}

	history := make([]datatypes.Message, 0, len(state.Messages)+len(req.Messages))
	for _, m := range state.Messages {
		history = append(history, datatypes.Message{Role: m.Role, Content: m.Content})
	}
	return append(history, req.Messages...), state.Version, true
}

// persistTurn appends the new user messages and the assistant reply to
// the conversation's event stream, then projects them into PostgreSQL.
func (e *Env) persistTurn(ctx context.Context, tenant *datatypes.Tenant, req *datatypes.ChatRequest, version int64, result *llm.ChatResult) error {
	events := make([]eventstore.EventData, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		events = append(events, eventstore.EventData{
			Type: eventstore.EventMessageAppended,
			Data: eventstore.MessageAppended{Role: m.Role, Content: m.Content},
		})
	}
	events = append(events, eventstore.EventData{
		Type: eventstore.EventMessageAppended,
		Data: eventstore.MessageAppended{
			Role:         "assistant",
			Content:      result.Answer,
			Backend:      result.Backend,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	})

	if _, err := e.Events.Append(ctx, req.ConversationID, version, events...); err != nil {
		return err
	}

	for _, m := range req.Messages {
		if _, err := e.Conversations.AppendMessage(ctx, tenant.ID, &datatypes.StoredMessage{
			ConversationID: req.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
		}); err != nil {
			return err
		}
	}
	_, err := e.Conversations.AppendMessage(ctx, tenant.ID, &datatypes.StoredMessage{
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        result.Answer,
		Backend:        result.Backend,
		InputTokens:    result.Usage.InputTokens,
		OutputTokens:   result.Usage.OutputTokens,
	})
	return err
}

func (e *Env) accountUsage(ctx context.Context, tenant *datatypes.Tenant, result *llm.ChatResult) {
	e.Tracker.Track(ctx, tenant.ID, result.Backend, result.Model, result.Usage)
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordTokens(
			result.Usage.InputTokens, result.Usage.OutputTokens, result.Backend, result.Model)
	}
}

func generationParams(req *datatypes.ChatRequest) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
}
