// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains request and response types for the chat endpoints.
// Tenant and conversation types live in tenant.go and conversation.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Oversized payloads are rejected before they reach an LLM backend.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxStopSequences is the maximum number of stop sequences per request.
	MaxStopSequences = 8
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so that multi-byte
// payloads cannot slip past the content limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// Message is a single turn in a conversation.
// Role is one of "user", "assistant", or "system".
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// TokenUsage reports tokens consumed by a single LLM call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call, for multi-step requests.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// =============================================================================
// Chat Request / Response
// =============================================================================

// ChatRequest represents a chat completion request body.
//
// # Description
//
// ChatRequest carries the conversation history plus optional generation
// parameters for POST /v1/chat and its streaming variants. Every request
// gets a unique ID and timestamp for audit trails and event sourcing;
// EnsureDefaults fills them in when the client omits them.
//
// # Validation
//
// Uses go-playground/validator:
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32768 bytes per message
//   - MaxTokens: 0-65536
//   - Stop: at most 8 sequences
type ChatRequest struct {
	RequestID      string    `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp      int64     `json:"timestamp" validate:"gte=0"`
	ConversationID string    `json:"conversation_id,omitempty" validate:"omitempty,uuid4"`
	Messages       []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	Model          string    `json:"model,omitempty"`
	Temperature    *float32  `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP           *float32  `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopK           *int      `json:"top_k,omitempty" validate:"omitempty,gte=1"`
	MaxTokens      *int      `json:"max_tokens,omitempty" validate:"omitempty,gte=1,lte=65536"`
	Stop           []string  `json:"stop,omitempty" validate:"max=8"`
}

// Validate validates the ChatRequest fields after JSON binding.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID and Timestamp if the client omitted
// them, so every request is traceable in logs and the audit trail.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// LastUserMessage returns the most recent user-role message, or nil.
// Policy scanning runs against this message before the request is
// forwarded to a backend.
func (r *ChatRequest) LastUserMessage() *Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return &r.Messages[i]
		}
	}
	return nil
}

// ChatResponse represents the response from a chat request.
//
// ResponseID is generated server-side; RequestID echoes the request for
// correlation. Backend names which backend actually served the call, which
// may differ from the configured primary during failover.
type ChatResponse struct {
	ResponseID       string      `json:"response_id"`
	RequestID        string      `json:"request_id"`
	ConversationID   string      `json:"conversation_id,omitempty"`
	Timestamp        int64       `json:"timestamp"`
	Answer           string      `json:"answer"`
	Model            string      `json:"model,omitempty"`
	Backend          string      `json:"backend,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	ProcessingTimeMs int64       `json:"processing_time_ms,omitempty"`
}

// NewChatResponse creates a ChatResponse with generated ID and timestamp.
func NewChatResponse(requestID string) *ChatResponse {
	return &ChatResponse{
		ResponseID: uuid.New().String(),
		RequestID:  requestID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is a single SSE event emitted by the streaming chat endpoints.
//
// Events form a hash chain: Hash covers the event content and PrevHash
// links to the previous event, giving clients chain-of-custody over
// streamed tokens. The genesis event has an empty PrevHash.
type StreamEvent struct {
	Id             string `json:"id,omitempty"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	Hash           string `json:"hash,omitempty"`
	PrevHash       string `json:"prev_hash,omitempty"`
}

// Stream event types.
const (
	StreamEventStatus = "status"
	StreamEventToken  = "token"
	StreamEventDone   = "done"
	StreamEventError  = "error"
)
