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

// Package bedrock adapts AWS Bedrock to the gateway provider contract.
// Authentication is AWS Signature V4 through the default credential
// chain, so IAM roles work without any stored API key. The request and
// response bodies differ per model family; Anthropic, Amazon Titan,
// Meta Llama, and Mistral models are supported.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"axonflow/gateway/llm"
)

const (
	// DefaultRegion is used when the config names none.
	DefaultRegion = "us-east-1"

	// DefaultModelID is used when neither the request nor the config
	// names a model.
	DefaultModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default completion budget.
	DefaultMaxTokens = 4096

	// anthropicAPIVersion is the fixed version marker Bedrock expects
	// in Anthropic-family request bodies.
	anthropicAPIVersion = "bedrock-2023-05-31"
)

// InvokeAPI is the slice of the Bedrock runtime client this adapter
// uses (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config contains configuration for the Bedrock provider.
type Config struct {
	Name    string    // Registry id reported in errors (default "bedrock")
	Region  string    // Optional: AWS region (default us-east-1)
	ModelID string    // Optional: Bedrock model id or inference profile id
	Client  InvokeAPI // Optional: injected runtime client
}

// Provider implements the gateway provider contract for AWS Bedrock.
type Provider struct {
	name    string
	region  string
	modelID string
	client  InvokeAPI
}

// New creates a Bedrock provider. Without an injected client the AWS
// config is loaded from the default credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for Bedrock (region %s): %w", cfg.Region, err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		name:    cfg.Name,
		region:  cfg.Region,
		modelID: cfg.ModelID,
		client:  client,
	}, nil
}

// Name returns the registry id of this provider instance.
func (p *Provider) Name() string { return p.name }

// Kind identifies the adapter family.
func (p *Provider) Kind() llm.ProviderKind { return llm.KindBedrock }

// Complete generates a completion through InvokeModel.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.modelID
	}
	family := modelFamily(model)

	body, err := buildBody(family, req)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.invokeError(err)
	}

	resp, err := parseBody(family, output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// Probe verifies model access with a one-token invocation. Bedrock has
// no unauthenticated health route, so this is the cheapest real check.
func (p *Provider) Probe(ctx context.Context) error {
	_, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	return err
}

// invokeError maps the SDK's modeled exceptions onto the provider
// error taxonomy.
func (p *Provider) invokeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		perr := llm.NewProviderError(p.name, llm.ErrCodeTimeout, "invocation cancelled or timed out")
		perr.Cause = err
		return perr
	}

	code := llm.ErrCodeUnavailable
	var (
		throttled    *brtypes.ThrottlingException
		quota        *brtypes.ServiceQuotaExceededException
		denied       *brtypes.AccessDeniedException
		notFound     *brtypes.ResourceNotFoundException
		validation   *brtypes.ValidationException
		modelTimeout *brtypes.ModelTimeoutException
		notReady     *brtypes.ModelNotReadyException
		modelErr     *brtypes.ModelErrorException
		internal     *brtypes.InternalServerException
	)
	switch {
	case errors.As(err, &throttled) || errors.As(err, &quota):
		code = llm.ErrCodeRateLimit
	case errors.As(err, &denied):
		code = llm.ErrCodeAuth
	case errors.As(err, &notFound):
		code = llm.ErrCodeModelNotFound
	case errors.As(err, &validation):
		code = llm.ErrCodeInvalidRequest
	case errors.As(err, &modelTimeout):
		code = llm.ErrCodeTimeout
	case errors.As(err, &notReady):
		code = llm.ErrCodeUnavailable
	case errors.As(err, &modelErr) || errors.As(err, &internal):
		code = llm.ErrCodeServerError
	}

	perr := llm.NewProviderError(p.name, code, fmt.Sprintf("invoke failed: %v", err))
	perr.Cause = err
	return perr
}

// inferenceProfilePrefixes are the known Bedrock inference profile
// region prefixes, e.g. "us.anthropic.claude-...".
var inferenceProfilePrefixes = []string{"us", "eu", "apac", "global"}

// modelFamily extracts the model family from a Bedrock model id or
// inference profile id.
func modelFamily(modelID string) string {
	parts := strings.Split(modelID, ".")
	if len(parts) > 1 {
		for _, prefix := range inferenceProfilePrefixes {
			if parts[0] == prefix {
				parts = parts[1:]
				break
			}
		}
	}
	return parts[0]
}

// buildBody builds the family-specific request body.
func buildBody(family string, req llm.CompletionRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var payload any
	switch family {
	case "anthropic":
		body := anthropicBody{
			AnthropicVersion: anthropicAPIVersion,
			MaxTokens:        maxTokens,
			Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
		}
		if req.SystemPrompt != "" {
			body.System = req.SystemPrompt
		}
		if req.Temperature >= 0 {
			body.Temperature = &req.Temperature
		}
		if len(req.StopSequences) > 0 {
			body.StopSequences = req.StopSequences
		}
		payload = body
	case "amazon":
		payload = titanBody{
			InputText: joinPrompt(req),
			Config: titanConfig{
				MaxTokenCount: maxTokens,
				Temperature:   req.Temperature,
				StopSequences: req.StopSequences,
			},
		}
	case "meta":
		payload = llamaBody{
			Prompt:      joinPrompt(req),
			MaxGenLen:   maxTokens,
			Temperature: req.Temperature,
		}
	case "mistral":
		payload = mistralBody{
			Prompt:      joinPrompt(req),
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			Stop:        req.StopSequences,
		}
	default:
		return nil, fmt.Errorf("unsupported model family %q", family)
	}
	return json.Marshal(payload)
}

// parseBody parses the family-specific response body.
func parseBody(family string, body []byte) (*llm.CompletionResponse, error) {
	switch family {
	case "anthropic":
		var resp anthropicResult
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		var content strings.Builder
		for _, block := range resp.Content {
			content.WriteString(block.Text)
		}
		return &llm.CompletionResponse{
			Content:      content.String(),
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var resp titanResult
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := &llm.CompletionResponse{
			Usage: llm.UsageStats{PromptTokens: resp.InputTextTokenCount},
		}
		if len(resp.Results) > 0 {
			out.Content = resp.Results[0].OutputText
			out.FinishReason = resp.Results[0].CompletionReason
			out.Usage.CompletionTokens = resp.Results[0].TokenCount
		}
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		return out, nil
	case "meta":
		var resp llamaResult
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{
			Content:      resp.Generation,
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				PromptTokens:     resp.PromptTokenCount,
				CompletionTokens: resp.GenerationTokenCount,
				TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
			},
		}, nil
	case "mistral":
		var resp mistralResult
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := &llm.CompletionResponse{}
		if len(resp.Outputs) > 0 {
			out.Content = resp.Outputs[0].Text
			out.FinishReason = resp.Outputs[0].StopReason
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported model family %q", family)
	}
}

// joinPrompt folds the system prompt into the user prompt for model
// families without a dedicated system field.
func joinPrompt(req llm.CompletionRequest) string {
	if req.SystemPrompt == "" {
		return req.Prompt
	}
	return req.SystemPrompt + "\n\n" + req.Prompt
}

// Internal request and response bodies per model family.

type anthropicBody struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResult struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type titanBody struct {
	InputText string      `json:"inputText"`
	Config    titanConfig `json:"textGenerationConfig"`
}

type titanConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanResult struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		OutputText       string `json:"outputText"`
		TokenCount       int    `json:"tokenCount"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type llamaBody struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
}

type llamaResult struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

type mistralBody struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type mistralResult struct {
	Outputs []struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"outputs"`
}
