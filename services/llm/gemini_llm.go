// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sysdr/aigateway/pkg/secrets"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var geminiTracer = otel.Tracer("aigateway.llm.gemini")

const geminiKeyName = "gemini_api_key"

// GeminiClient talks to the Google generativelanguage REST API.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	keyring    *secrets.Keyring
}

// Gemini API request structures.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiClient builds a client from GEMINI_BASE_URL, GEMINI_MODEL and
// GEMINI_API_KEY. The key is moved into the keyring and scrubbed from the
// environment.
func NewGeminiClient(keyring *secrets.Keyring) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	keyring.Set(geminiKeyName, []byte(apiKey))
	_ = os.Unsetenv("GEMINI_API_KEY")

	baseURL := os.Getenv("GEMINI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		slog.Warn("GEMINI_MODEL not set, defaulting to gemini-2.0-flash")
		model = "gemini-2.0-flash"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Gemini client", "base_url", baseURL, "model", model)
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		keyring:    keyring,
	}, nil
}

// Name implements the LLMClient interface.
func (g *GeminiClient) Name() string { return "gemini" }

// Generate implements the LLMClient interface.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	result, err := g.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params)
	if err != nil {
		return "", err
	}
	return result.Answer, nil
}

// Chat implements the LLMClient interface.
func (g *GeminiClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	payload := g.buildRequest(messages, params)
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	respBody, err := g.post(ctx, url, reqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var genResp geminiGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}
	if genResp.Error != nil {
		return nil, fmt.Errorf("gemini API error %d (%s): %s",
			genResp.Error.Code, genResp.Error.Status, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var answer strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		answer.WriteString(part.Text)
	}

	return &ChatResult{
		Answer:  answer.String(),
		Model:   g.model,
		Backend: g.Name(),
		Usage: datatypes.TokenUsage{
			InputTokens:  genResp.UsageMetadata.PromptTokenCount,
			OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// ChatStream implements the LLMClient interface using the SSE variant of
// the generate endpoint (alt=sse).
func (g *GeminiClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, onToken TokenHandler) (*ChatResult, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	payload := g.buildRequest(messages, params)
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := g.sign(req); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gemini stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini stream returned status %d: %s", resp.StatusCode, string(body))
	}

	result := &ChatResult{Model: g.model, Backend: g.Name()}
	var answer strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk geminiGenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed gemini stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("gemini stream error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			result.Usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			result.Usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				answer.WriteString(part.Text)
				if err := onToken(part.Text); err != nil {
					return nil, fmt.Errorf("token handler aborted stream: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gemini stream read failed: %w", err)
	}

	result.Answer = answer.String()
	return result, nil
}

// HealthCheck implements the LLMClient interface. It lists the configured
// model, which exercises auth and routing without burning tokens.
func (g *GeminiClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1beta/models/%s", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := g.sign(req); err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini health check returned status %d", resp.StatusCode)
	}
	return nil
}

// buildRequest converts gateway messages into the Gemini wire format.
// Gemini has no "assistant" role ("model" instead) and takes the system
// prompt as a separate field.
func (g *GeminiClient) buildRequest(messages []datatypes.Message, params GenerationParams) geminiGenerateRequest {
	payload := geminiGenerateRequest{}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			payload.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: msg.Content}},
			}
		case "assistant":
			payload.Contents = append(payload.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			payload.Contents = append(payload.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	if params.Temperature != nil || params.TopK != nil || params.TopP != nil ||
		params.MaxTokens != nil || len(params.Stop) > 0 {
		payload.GenerationConfig = &geminiGenerationConfig{
			Temperature:     params.Temperature,
			TopK:            params.TopK,
			TopP:            params.TopP,
			MaxOutputTokens: params.MaxTokens,
			StopSequences:   params.Stop,
		}
	}
	return payload
}

// sign attaches the API key header, borrowing it from the keyring only
// for the duration of the call.
func (g *GeminiClient) sign(req *http.Request) error {
	return g.keyring.Use(geminiKeyName, func(secret []byte) error {
		req.Header.Set("x-goog-api-key", string(secret))
		return nil
	})
}

// post sends a JSON POST and returns the raw response body.
func (g *GeminiClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := g.sign(req); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
