// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"
)

// =============================================================================
// Conversation Types
// =============================================================================

// Conversation is a persisted multi-turn exchange scoped to a tenant.
//
// The relational row in Postgres is the query-friendly projection; the
// authoritative history is the conversation's event stream in the event
// store (see services/eventstore). Version mirrors the stream version so
// drift between the two is detectable.
type Conversation struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Title     string     `json:"title,omitempty"`
	Model     string     `json:"model,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StoredMessage is a persisted message row belonging to a conversation.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Backend        string    `json:"backend,omitempty"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversationRequest is the API body for creating a conversation.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=256"`
	Model string `json:"model" validate:"max=128"`
}

// Validate validates the CreateConversationRequest fields.
func (r *CreateConversationRequest) Validate() error {
	return chatValidate.Struct(r)
}
