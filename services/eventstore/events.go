// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eventstore keeps the authoritative conversation history as
// append-only event streams in BadgerDB.
//
// Each conversation is one stream. Appends carry an expected version
// for optimistic concurrency, replay rebuilds conversation state from
// the events, and periodic snapshots bound replay cost for long
// conversations. The relational rows in PostgreSQL are a projection of
// these streams, never the source of truth.
package eventstore

import (
	"encoding/json"
	"time"
)

// EventType identifies what a stream event records.
type EventType string

const (
	EventConversationCreated EventType = "conversation.created"
	EventMessageAppended     EventType = "message.appended"
)

// EventData is an event to be appended: a type plus its payload.
type EventData struct {
	Type EventType
	Data any
}

// RecordedEvent is an event as stored in a stream.
type RecordedEvent struct {
	// StreamID is the conversation id.
	StreamID string `json:"stream_id"`

	// Version is this event's position in the stream, starting at 1.
	// Versions are contiguous: version n+1 follows version n with no
	// gaps.
	Version int64 `json:"version"`

	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Payloads for each event type.

type ConversationCreated struct {
	TenantID string `json:"tenant_id"`
	Title    string `json:"title,omitempty"`
	Model    string `json:"model,omitempty"`
}

type MessageAppended struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	Backend      string `json:"backend,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ConversationState is the aggregate rebuilt from a stream.
type ConversationState struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model,omitempty"`
	Version      int64     `json:"version"`
	Messages     []Message `json:"messages"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Message is one rebuilt conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Backend string `json:"backend,omitempty"`
}

// apply folds one event into the state. Unknown event types are
// ignored so old stores survive new readers.
func (s *ConversationState) apply(event RecordedEvent) error {
	s.Version = event.Version
	switch event.Type {
	case EventConversationCreated:
		var data ConversationCreated
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		s.ID = event.StreamID
		s.TenantID = data.TenantID
		s.Title = data.Title
		s.Model = data.Model
	case EventMessageAppended:
		var data MessageAppended
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return err
		}
		s.Messages = append(s.Messages, Message{
			Role:    data.Role,
			Content: data.Content,
			Backend: data.Backend,
		})
		s.InputTokens += data.InputTokens
		s.OutputTokens += data.OutputTokens
	}
	return nil
}
