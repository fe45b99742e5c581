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

// Package llm manages the AI providers the gateway generates SQL with.
// It defines the common provider abstraction, a manager that owns
// registration, rate limiting, retries and failover, and adapters for the
// supported provider kinds.
package llm

import (
	"fmt"
	"time"
)

// ProviderKind identifies the adapter implementation behind a provider.
type ProviderKind string

const (
	// KindOpenAI talks to the OpenAI chat completions API.
	KindOpenAI ProviderKind = "openai"

	// KindAnthropic talks to the Anthropic messages API.
	KindAnthropic ProviderKind = "anthropic"

	// KindBedrock talks to AWS Bedrock managed models.
	KindBedrock ProviderKind = "bedrock"

	// KindLocal talks to a self-hosted Ollama-compatible endpoint.
	// Local providers are the only built-in kind admissible in
	// air-gapped mode.
	KindLocal ProviderKind = "local"

	// KindCustom talks to an arbitrary HTTP endpoint speaking the
	// OpenAI-compatible completion shape.
	KindCustom ProviderKind = "custom"
)

// CompletionRequest encapsulates the parameters for one completion call.
// This is the unified request type used across all adapters.
type CompletionRequest struct {
	// Prompt is the user-facing input text.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets behavior.
	// Adapters for providers without system-message support prepend it
	// to the prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the provider's configured default model.
	Model string `json:"model,omitempty"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// CompletionResponse contains the result of a completion call.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually served the request. It can
	// differ from the requested model when the provider substitutes.
	Model string `json:"model"`

	// Usage contains token counts for cost attribution.
	Usage UsageStats `json:"usage"`

	// Latency is the wall time of the provider call.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`
}

// UsageStats tracks token usage for billing and budget evaluation.
type UsageStats struct {
	// PromptTokens is the number of tokens in the input.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`
}

// HealthStatus is the state a provider occupies in a failover group.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the provider is operational.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded indicates recent failures below the
	// unhealthy threshold. A degraded provider still receives traffic.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy indicates the failure threshold was
	// reached. An unhealthy provider receives no traffic until a
	// probe succeeds.
	HealthStatusUnhealthy HealthStatus = "unhealthy"

	// HealthStatusUnknown indicates no probe or call has completed yet.
	HealthStatusUnknown HealthStatus = "unknown"
)

// ProviderError represents an error from an AI provider.
type ProviderError struct {
	// Provider is the id of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code (see the ErrCode constants).
	Code string `json:"code"`

	// Message is a human-readable error message. Adapters must never
	// place credentials or API keys here.
	Message string `json:"message"`

	// StatusCode is the HTTP status code, if the provider speaks HTTP.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried against the
	// same provider.
	Retryable bool `json:"retryable"`

	// RetryAfter is the server-advertised backoff for rate-limit
	// responses. Zero when the provider did not advertise one.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates provider-side rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeModelNotFound indicates the requested model doesn't exist.
	ErrCodeModelNotFound = "model_not_found"

	// ErrCodeContextLength indicates input exceeds the context window.
	ErrCodeContextLength = "context_length_exceeded"

	// ErrCodeContentFilter indicates content was filtered.
	ErrCodeContentFilter = "content_filter"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates a request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unreachable.
	ErrCodeUnavailable = "unavailable"

	// ErrCodeBlocked indicates the provider is inadmissible under the
	// deployment's air-gap policy.
	ErrCodeBlocked = "blocked_by_policy"
)

// NewProviderError creates a ProviderError with Retryable derived from the
// code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode reports whether a code is safe to retry against the same
// provider.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
