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

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"axonflow/gateway/llm"
)

// stubInvoker records the invocation and returns a canned result.
type stubInvoker struct {
	lastInput *bedrockruntime.InvokeModelInput
	body      []byte
	err       error
}

func (s *stubInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: s.body}, nil
}

func newTestProvider(t *testing.T, stub *stubInvoker, modelID string) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{ModelID: modelID, Client: stub})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestModelFamily(t *testing.T) {
	tests := []struct {
		modelID string
		want    string
	}{
		{"anthropic.claude-3-5-sonnet-20240620-v1:0", "anthropic"},
		{"amazon.titan-text-express-v1", "amazon"},
		{"meta.llama3-70b-instruct-v1:0", "meta"},
		{"mistral.mistral-large-2402-v1:0", "mistral"},
		{"us.anthropic.claude-sonnet-4-20250514-v1:0", "anthropic"},
		{"eu.anthropic.claude-3-5-sonnet-20240620-v1:0", "anthropic"},
		{"global.anthropic.claude-sonnet-4-20250514-v1:0", "anthropic"},
		{"apac.meta.llama3-70b-instruct-v1:0", "meta"},
	}

	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			if got := modelFamily(tt.modelID); got != tt.want {
				t.Errorf("modelFamily(%q) = %q, want %q", tt.modelID, got, tt.want)
			}
		})
	}
}

func TestProvider_Complete_AnthropicFamily(t *testing.T) {
	result, _ := json.Marshal(anthropicResult{
		Content: []struct {
			Text string `json:"text"`
		}{{Text: "SELECT 1"}},
		StopReason: "end_turn",
		Usage: struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		}{InputTokens: 30, OutputTokens: 4},
	})
	stub := &stubInvoker{body: result}
	p := newTestProvider(t, stub, "anthropic.claude-3-5-sonnet-20240620-v1:0")

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "generate SELECT 1",
		SystemPrompt: "SQL only",
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if got := *stub.lastInput.ModelId; got != "anthropic.claude-3-5-sonnet-20240620-v1:0" {
		t.Errorf("ModelId = %q", got)
	}
	var sent anthropicBody
	if err := json.Unmarshal(stub.lastInput.Body, &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	if sent.AnthropicVersion != anthropicAPIVersion {
		t.Errorf("anthropic_version = %q, want %q", sent.AnthropicVersion, anthropicAPIVersion)
	}
	if sent.System != "SQL only" || sent.MaxTokens != 64 {
		t.Errorf("sent body = %+v", sent)
	}

	if resp.Content != "SELECT 1" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 34 {
		t.Errorf("TotalTokens = %d, want 34", resp.Usage.TotalTokens)
	}
	if resp.Model != "anthropic.claude-3-5-sonnet-20240620-v1:0" {
		t.Errorf("Model = %q", resp.Model)
	}
}

func TestProvider_Complete_TitanFamily(t *testing.T) {
	result, _ := json.Marshal(map[string]any{
		"inputTextTokenCount": 25,
		"results": []map[string]any{
			{"outputText": "SELECT 2", "tokenCount": 5, "completionReason": "FINISH"},
		},
	})
	stub := &stubInvoker{body: result}
	p := newTestProvider(t, stub, "amazon.titan-text-express-v1")

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "two",
		SystemPrompt: "SQL only",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var sent titanBody
	if err := json.Unmarshal(stub.lastInput.Body, &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	// Titan has no system field; the system prompt folds into the input.
	if sent.InputText != "SQL only\n\ntwo" {
		t.Errorf("inputText = %q", sent.InputText)
	}

	if resp.Content != "SELECT 2" || resp.FinishReason != "FINISH" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.PromptTokens != 25 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestProvider_Complete_MetaFamily(t *testing.T) {
	result, _ := json.Marshal(map[string]any{
		"generation":             "SELECT 3",
		"prompt_token_count":     11,
		"generation_token_count": 4,
		"stop_reason":            "stop",
	})
	stub := &stubInvoker{body: result}
	p := newTestProvider(t, stub, "meta.llama3-70b-instruct-v1:0")

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "three"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "SELECT 3" || resp.Usage.TotalTokens != 15 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProvider_Complete_UnsupportedFamily(t *testing.T) {
	stub := &stubInvoker{}
	p := newTestProvider(t, stub, "cohere.command-text-v14")

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Complete() error = %v, want ProviderError", err)
	}
	if perr.Code != llm.ErrCodeInvalidRequest {
		t.Errorf("Code = %q, want %q", perr.Code, llm.ErrCodeInvalidRequest)
	}
	if stub.lastInput != nil {
		t.Error("unsupported family still invoked the model")
	}
}

func TestProvider_Complete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"throttled", &brtypes.ThrottlingException{}, llm.ErrCodeRateLimit},
		{"quota", &brtypes.ServiceQuotaExceededException{}, llm.ErrCodeRateLimit},
		{"denied", &brtypes.AccessDeniedException{}, llm.ErrCodeAuth},
		{"missing model", &brtypes.ResourceNotFoundException{}, llm.ErrCodeModelNotFound},
		{"validation", &brtypes.ValidationException{}, llm.ErrCodeInvalidRequest},
		{"model timeout", &brtypes.ModelTimeoutException{}, llm.ErrCodeTimeout},
		{"not ready", &brtypes.ModelNotReadyException{}, llm.ErrCodeUnavailable},
		{"internal", &brtypes.InternalServerException{}, llm.ErrCodeServerError},
		{"plain error", errors.New("dial tcp: timeout"), llm.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubInvoker{err: tt.err}
			p := newTestProvider(t, stub, "anthropic.claude-3-5-sonnet-20240620-v1:0")

			_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})

			var perr *llm.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("Complete() error = %v, want ProviderError", err)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", perr.Code, tt.wantCode)
			}
		})
	}
}

func TestProvider_Probe(t *testing.T) {
	result, _ := json.Marshal(anthropicResult{
		Content: []struct {
			Text string `json:"text"`
		}{{Text: "pong"}},
	})
	stub := &stubInvoker{body: result}
	p := newTestProvider(t, stub, "anthropic.claude-3-5-sonnet-20240620-v1:0")

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	var sent anthropicBody
	if err := json.Unmarshal(stub.lastInput.Body, &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	if sent.MaxTokens != 1 {
		t.Errorf("probe max_tokens = %d, want 1", sent.MaxTokens)
	}
}

func TestProvider_Kind(t *testing.T) {
	p := newTestProvider(t, &stubInvoker{}, "")
	if p.Kind() != llm.KindBedrock {
		t.Errorf("Kind() = %q", p.Kind())
	}
	if p.modelID != DefaultModelID {
		t.Errorf("modelID = %q, want default", p.modelID)
	}
	if p.region != DefaultRegion {
		t.Errorf("region = %q, want default", p.region)
	}
}
