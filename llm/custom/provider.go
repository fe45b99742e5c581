// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package custom adapts any OpenAI-compatible HTTP endpoint to the
// gateway provider contract. Self-hosted inference servers (vLLM,
// LiteLLM, llama.cpp in server mode) all speak this dialect, which is
// what makes the "custom" kind usable inside air-gapped networks.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/gateway/llm"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default completion budget.
	DefaultMaxTokens = 4096
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for a custom provider.
type Config struct {
	Name     string        // Registry id reported in errors (default "custom")
	Endpoint string        // Required: API base URL including the version segment
	APIKey   string        // Optional: bearer token when the server enforces one
	Model    string        // Required: model name the server exposes
	Timeout  time.Duration // Optional: HTTP timeout
	Client   HTTPClient    // Optional: injected HTTP client
}

// Provider implements the gateway provider contract for OpenAI-compatible
// endpoints.
type Provider struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   HTTPClient
}

// New creates a custom provider. The endpoint and model are required.
func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("custom provider endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("custom provider model is required")
	}
	if cfg.Name == "" {
		cfg.Name = "custom"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		name:     cfg.Name,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   cfg.Client,
	}, nil
}

// Name returns the registry id of this provider instance.
func (p *Provider) Name() string { return p.name }

// Kind identifies the adapter family.
func (p *Provider) Kind() llm.ProviderKind { return llm.KindCustom }

// Complete generates a completion through {endpoint}/chat/completions.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := chatRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Temperature >= 0 {
		apiReq.Temperature = &req.Temperature
	}
	if len(req.StopSequences) > 0 {
		apiReq.Stop = req.StopSequences
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.wireError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, p.apiError(resp.StatusCode, raw)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	content := ""
	finishReason := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
		finishReason = apiResp.Choices[0].FinishReason
	}

	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        respModel,
		FinishReason: finishReason,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// Probe checks that the endpoint responds. Compatible servers differ in
// which discovery routes they expose, so anything below 500 counts as
// reachable.
func (p *Provider) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.wireError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(resp.Body)
		return p.apiError(resp.StatusCode, raw)
	}
	return nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *Provider) wireError(err error) *llm.ProviderError {
	code := llm.ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = llm.ErrCodeTimeout
	}
	perr := llm.NewProviderError(p.name, code, fmt.Sprintf("request failed: %v", err))
	perr.Cause = err
	return perr
}

func (p *Provider) apiError(status int, body []byte) *llm.ProviderError {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)

	message := errResp.Error.Message
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}

	var code string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = llm.ErrCodeAuth
	case status == http.StatusNotFound:
		code = llm.ErrCodeModelNotFound
	case status == http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	case status >= 500:
		code = llm.ErrCodeServerError
	default:
		code = llm.ErrCodeInvalidRequest
	}

	perr := llm.NewProviderError(p.name, code, message)
	perr.StatusCode = status
	return perr
}

// Internal API types, mirroring the OpenAI chat completions wire shape.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
