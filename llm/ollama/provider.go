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

// Package ollama adapts a self-hosted Ollama server to the gateway
// provider contract. It is the adapter behind the "local" provider kind
// and the only built-in that needs no credentials, which makes it the
// default choice for air-gapped deployments.
package ollama

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
	// DefaultEndpoint is where a locally run Ollama listens.
	DefaultEndpoint = "http://localhost:11434"

	// DefaultTimeout is generous because local models generate slowly
	// on modest hardware.
	DefaultTimeout = 300 * time.Second
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Ollama provider.
type Config struct {
	Name     string        // Registry id reported in errors (default "ollama")
	Endpoint string        // Optional: server base URL
	Model    string        // Required: model tag, e.g. "llama3" or "sqlcoder:7b"
	Timeout  time.Duration // Optional: HTTP timeout
	Client   HTTPClient    // Optional: injected HTTP client
}

// Provider implements the gateway provider contract for Ollama.
type Provider struct {
	name     string
	endpoint string
	model    string
	client   HTTPClient
}

// New creates an Ollama provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
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
		model:    cfg.Model,
		client:   cfg.Client,
	}, nil
}

// Name returns the registry id of this provider instance.
func (p *Provider) Name() string { return p.name }

// Kind identifies the adapter family.
func (p *Provider) Kind() llm.ProviderKind { return llm.KindLocal }

// Complete generates a completion through the /api/generate endpoint.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: false,
	}
	if req.Temperature >= 0 {
		apiReq.Options.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		apiReq.Options.NumPredict = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		apiReq.Options.Stop = req.StopSequences
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &llm.CompletionResponse{
		Content:      apiResp.Response,
		Model:        apiResp.Model,
		FinishReason: apiResp.DoneReason,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
		Latency: time.Since(start),
	}, nil
}

// Probe checks that the server answers its tags listing.
func (p *Provider) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.wireError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return p.apiError(resp.StatusCode, raw)
	}
	return nil
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

// apiError maps a non-200 response. Ollama reports 404 both for unknown
// routes and for models that are not pulled; the body disambiguates.
func (p *Provider) apiError(status int, body []byte) *llm.ProviderError {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errResp)

	message := errResp.Error
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}

	var code string
	switch {
	case status == http.StatusNotFound && strings.Contains(message, "not found"):
		code = llm.ErrCodeModelNotFound
	case status == http.StatusBadRequest:
		code = llm.ErrCodeInvalidRequest
	case status >= 500:
		code = llm.ErrCodeServerError
	default:
		code = llm.ErrCodeUnavailable
	}

	perr := llm.NewProviderError(p.name, code, message)
	perr.StatusCode = status
	return perr
}

// Internal API types.

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	System  string `json:"system,omitempty"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature *float64 `json:"temperature,omitempty"`
		NumPredict  int      `json:"num_predict,omitempty"`
		Stop        []string `json:"stop,omitempty"`
	} `json:"options"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}
