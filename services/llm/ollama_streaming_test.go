// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// newMockOllamaServer returns a test server that streams NDJSON from the
// provided handler. Caller must Close() it.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// newTestOllamaClient builds a client pointing at a test server, bypassing
// the environment variable configuration.
func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

func userMessages(content string) []datatypes.Message {
	return []datatypes.Message{{Role: "user", Content: content}}
}

func TestOllamaChatStreamAggregatesTokens(t *testing.T) {
	chunks := []string{
		`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
		`{"message":{"role":"assistant","content":", "},"done":false}`,
		`{"message":{"role":"assistant","content":"world"},"done":false}`,
		`{"done":true,"prompt_eval_count":12,"eval_count":3}`,
	}
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		for _, c := range chunks {
			w.Write([]byte(c + "\n"))
		}
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var tokens []string
	result, err := client.ChatStream(context.Background(), userMessages("hi"), GenerationParams{},
		func(token string) error {
			tokens = append(tokens, token)
			return nil
		})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if got, want := result.Answer, "Hello, world"; got != want {
		t.Errorf("Answer = %q, want %q", got, want)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 token callbacks, got %d: %v", len(tokens), tokens)
	}
	if tokens[0] != "Hello" || tokens[2] != "world" {
		t.Errorf("tokens arrived out of order: %v", tokens)
	}
	if result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v, want 12 in / 3 out", result.Usage)
	}
	if result.Backend != "ollama" {
		t.Errorf("Backend = %q, want ollama", result.Backend)
	}
}

func TestOllamaChatStreamSkipsMalformedChunks(t *testing.T) {
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"ok"},"done":false}` + "\n"))
		w.Write([]byte("not json\n"))
		w.Write([]byte(`{"done":true,"prompt_eval_count":1,"eval_count":1}` + "\n"))
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")
	result, err := client.ChatStream(context.Background(), userMessages("hi"), GenerationParams{},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if result.Answer != "ok" {
		t.Errorf("Answer = %q, want %q", result.Answer, "ok")
	}
}

func TestOllamaChatStreamHandlerAbort(t *testing.T) {
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"first"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":"second"},"done":false}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")
	abort := errors.New("client went away")
	_, err := client.ChatStream(context.Background(), userMessages("hi"), GenerationParams{},
		func(string) error { return abort })
	if err == nil {
		t.Fatal("expected error when token handler aborts")
	}
	if !errors.Is(err, abort) {
		t.Errorf("error should wrap the handler error, got: %v", err)
	}
}

func TestOllamaChatStreamServerError(t *testing.T) {
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "missing-model")
	_, err := client.ChatStream(context.Background(), userMessages("hi"), GenerationParams{},
		func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should mention status code, got: %v", err)
	}
}

func TestOllamaChatNonStreaming(t *testing.T) {
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"forty-two"},"done":true,"prompt_eval_count":7,"eval_count":2}`))
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")
	result, err := client.Chat(context.Background(), userMessages("answer?"), GenerationParams{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if result.Answer != "forty-two" {
		t.Errorf("Answer = %q, want %q", result.Answer, "forty-two")
	}
	if result.Usage.InputTokens != 7 || result.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v, want 7 in / 2 out", result.Usage)
	}
}
