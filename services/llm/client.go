// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for the LLM backends the gateway fronts.
//
// Every backend implements LLMClient. The failover orchestrator
// (services/failover) composes several clients behind circuit breakers
// and itself implements LLMClient, so handlers never know which backend
// actually served a call.
package llm

import (
	"context"
	"errors"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// GenerationParams are optional generation knobs passed through to the
// backend. Nil pointers mean "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatResult is the outcome of a chat call, including token accounting
// for the usage tracker.
type ChatResult struct {
	Answer  string               `json:"answer"`
	Model   string               `json:"model"`
	Backend string               `json:"backend"`
	Usage   datatypes.TokenUsage `json:"usage"`
}

// TokenHandler receives streamed tokens in display order. Returning an
// error aborts the stream.
type TokenHandler func(token string) error

// ErrStreamingUnsupported is returned by backends without a streaming API.
var ErrStreamingUnsupported = errors.New("backend does not support streaming")

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Name identifies the backend for metrics, audit, and failover.
	Name() string

	// Generate produces a completion for a bare prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a conversation history.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error)

	// ChatStream streams tokens via onToken and returns the full result.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, onToken TokenHandler) (*ChatResult, error)

	// HealthCheck probes the backend. Used by the failover orchestrator.
	HealthCheck(ctx context.Context) error
}
