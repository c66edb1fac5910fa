// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// SSEWriter writes hash-chained stream events in SSE format.
//
// Each event's Hash is SHA-256 over its content, and PrevHash links to
// the previous event, so a client can verify it received every token in
// order with nothing altered in transit. The genesis event has an empty
// PrevHash.
type SSEWriter interface {
	// WriteEvent writes a single event. Id, CreatedAt, Hash and
	// PrevHash are populated here; callers set the rest.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus emits a status event.
	WriteStatus(message string) error

	// WriteToken emits one streamed token.
	WriteToken(token string) error

	// WriteDone terminates the stream successfully.
	WriteDone(conversationID string) error

	// WriteError terminates the stream with an error message.
	WriteError(message string) error
}

// SetSSEHeaders sets the response headers required for SSE. Call before
// creating the writer.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates a writer over w. Returns an error when w does
// not support http.Flusher (streamed tokens must reach the client
// immediately, not when the buffer fills).
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: message})
}

func (w *sseWriter) WriteToken(token string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: token})
}

func (w *sseWriter) WriteDone(conversationID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, ConversationId: conversationID})
}

func (w *sseWriter) WriteError(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: message})
}

// computeEventHash hashes all content fields plus PrevHash. Called
// before the Hash field is set.
func computeEventHash(event datatypes.StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.Content,
		event.Message,
		event.Error,
		event.ConversationId,
		event.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
