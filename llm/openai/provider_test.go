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

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/gateway/llm"
)

// clientFunc adapts a function to the HTTPClient interface.
type clientFunc func(req *http.Request) (*http.Response, error)

func (f clientFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

const successBody = `{
	"id": "chatcmpl-1",
	"model": "gpt-4o",
	"choices": [{"message": {"role": "assistant", "content": "SELECT count(*) FROM users"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 42, "completion_tokens": 9, "total_tokens": 51}
}`

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	p, err := New(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, llm.KindOpenAI, p.Kind())
}

func TestProvider_Complete_Success(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	client := clientFunc(func(req *http.Request) (*http.Response, error) {
		captured = req
		capturedBody, _ = io.ReadAll(req.Body)
		return respond(http.StatusOK, successBody), nil
	})

	p, err := New(Config{APIKey: "sk-test", Client: client})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "how many users are there",
		SystemPrompt: "Answer with SQL only.",
		Model:        "gpt-4o",
		MaxTokens:    200,
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL+"/chat/completions", captured.URL.String())
	assert.Equal(t, "Bearer sk-test", captured.Header.Get("Authorization"))

	var sent chatRequest
	require.NoError(t, json.Unmarshal(capturedBody, &sent))
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "user", sent.Messages[1].Role)
	assert.Equal(t, "gpt-4o", sent.Model)

	assert.Equal(t, "SELECT count(*) FROM users", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 42, resp.Usage.PromptTokens)
	assert.Equal(t, 9, resp.Usage.CompletionTokens)
	assert.Equal(t, 51, resp.Usage.TotalTokens)
}

func TestProvider_Complete_DefaultsModel(t *testing.T) {
	var capturedBody []byte
	client := clientFunc(func(req *http.Request) (*http.Response, error) {
		capturedBody, _ = io.ReadAll(req.Body)
		return respond(http.StatusOK, successBody), nil
	})

	p, err := New(Config{APIKey: "sk-test", Model: "gpt-4o-mini", Client: client})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.NoError(t, err)

	var sent chatRequest
	require.NoError(t, json.Unmarshal(capturedBody, &sent))
	assert.Equal(t, "gpt-4o-mini", sent.Model)
}

func TestProvider_Complete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{
			name:     "invalid key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantCode: llm.ErrCodeAuth,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			wantCode: llm.ErrCodeRateLimit,
		},
		{
			name:     "quota exhausted",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`,
			wantCode: llm.ErrCodeRateLimit,
		},
		{
			name:     "unknown model",
			status:   http.StatusNotFound,
			body:     `{"error":{"message":"The model does not exist","type":"invalid_request_error","code":"model_not_found"}}`,
			wantCode: llm.ErrCodeModelNotFound,
		},
		{
			name:     "context length",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"This model's maximum context length is 128000 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			wantCode: llm.ErrCodeContextLength,
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `{"error":{"message":"The server had an error","type":"server_error"}}`,
			wantCode: llm.ErrCodeServerError,
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"Invalid value for max_tokens","type":"invalid_request_error"}}`,
			wantCode: llm.ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := clientFunc(func(req *http.Request) (*http.Response, error) {
				return respond(tt.status, tt.body), nil
			})
			p, err := New(Config{APIKey: "sk-test", Client: client})
			require.NoError(t, err)

			_, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

			var perr *llm.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.wantCode, perr.Code)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestProvider_Complete_NetworkError(t *testing.T) {
	client := clientFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	p, err := New(Config{APIKey: "sk-test", Client: client})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeUnavailable, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestProvider_Probe(t *testing.T) {
	var path string
	client := clientFunc(func(req *http.Request) (*http.Response, error) {
		path = req.URL.Path
		return respond(http.StatusOK, `{"data":[]}`), nil
	})
	p, err := New(Config{APIKey: "sk-test", Client: client})
	require.NoError(t, err)

	require.NoError(t, p.Probe(context.Background()))
	assert.Equal(t, "/v1/models", path)
}

func TestProvider_Probe_Unauthorized(t *testing.T) {
	client := clientFunc(func(req *http.Request) (*http.Response, error) {
		return respond(http.StatusUnauthorized, `{"error":{"message":"bad key"}}`), nil
	})
	p, err := New(Config{APIKey: "sk-test", Client: client})
	require.NoError(t, err)

	err = p.Probe(context.Background())
	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeAuth, perr.Code)
}
