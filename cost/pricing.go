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

package cost

import "sync"

// ModelPricing is the USD price per 1K tokens for one model.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Pricing maps provider kind → model → price. The "*" model entry is the
// provider's fallback for models not listed.
type Pricing struct {
	mu        sync.RWMutex
	providers map[string]map[string]ModelPricing
}

// DefaultPricing covers the provider kinds the gateway ships adapters
// for. Local and private-endpoint models carry no per-token price; their
// compute cost is not attributed here.
func DefaultPricing() *Pricing {
	return &Pricing{
		providers: map[string]map[string]ModelPricing{
			"anthropic": {
				"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
				"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
				"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
				"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
				"*":                 {InputPer1K: 0.003, OutputPer1K: 0.015},
			},
			"openai": {
				"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
				"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
				"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
				"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
				"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
			},
			"bedrock": {
				"anthropic.claude-3-sonnet-20240229-v1:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
				"anthropic.claude-3-haiku-20240307-v1:0":  {InputPer1K: 0.00025, OutputPer1K: 0.00125},
				"amazon.titan-text-express-v1":            {InputPer1K: 0.0002, OutputPer1K: 0.0006},
				"meta.llama3-70b-instruct-v1:0":           {InputPer1K: 0.00265, OutputPer1K: 0.0035},
				"*":                                       {InputPer1K: 0.003, OutputPer1K: 0.015},
			},
			"local":  {"*": {}},
			"custom": {"*": {}},
		},
	}
}

// CostFor prices a token count. Unknown providers fall back to the
// provider's "*" entry, then to zero: a missing price must never block a
// call, it only under-attributes.
func (p *Pricing) CostFor(provider, model string, tokensIn, tokensOut int) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	models, ok := p.providers[provider]
	if !ok {
		return 0
	}
	price, ok := models[model]
	if !ok {
		price = models["*"]
	}
	return float64(tokensIn)/1000*price.InputPer1K + float64(tokensOut)/1000*price.OutputPer1K
}

// SetModel overrides one model's pricing at runtime.
func (p *Pricing) SetModel(provider, model string, price ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.providers[provider] == nil {
		p.providers[provider] = make(map[string]ModelPricing)
	}
	p.providers[provider][model] = price
}
