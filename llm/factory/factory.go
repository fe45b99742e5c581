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

// Package factory instantiates provider adapters from registry specs.
// API keys are resolved through a secret source at instantiation time
// and handed straight to the adapter; the spec only ever carries the
// reference.
package factory

import (
	"context"
	"fmt"

	"axonflow/gateway/llm"
	"axonflow/gateway/llm/anthropic"
	"axonflow/gateway/llm/bedrock"
	"axonflow/gateway/llm/custom"
	"axonflow/gateway/llm/ollama"
	"axonflow/gateway/llm/openai"
	"axonflow/gateway/vault"
)

// New returns a factory that builds the adapter matching a spec's kind.
// Kinds that need no credential (local, bedrock) skip secret resolution
// unless the spec names a reference anyway.
func New(secrets vault.SecretSource) llm.Factory {
	return func(ctx context.Context, spec llm.ProviderSpec) (llm.Provider, error) {
		apiKey, err := resolveKey(ctx, secrets, spec)
		if err != nil {
			return nil, err
		}

		switch spec.Kind {
		case llm.KindAnthropic:
			return anthropic.New(anthropic.Config{
				Name:    spec.ID,
				APIKey:  apiKey,
				BaseURL: spec.Endpoint,
				Model:   spec.Model,
			})
		case llm.KindOpenAI:
			return openai.New(openai.Config{
				Name:    spec.ID,
				APIKey:  apiKey,
				BaseURL: spec.Endpoint,
				Model:   spec.Model,
			})
		case llm.KindLocal:
			return ollama.New(ollama.Config{
				Name:     spec.ID,
				Endpoint: spec.Endpoint,
				Model:    spec.Model,
			})
		case llm.KindBedrock:
			return bedrock.New(ctx, bedrock.Config{
				Name:    spec.ID,
				Region:  spec.Region,
				ModelID: spec.Model,
			})
		case llm.KindCustom:
			return custom.New(custom.Config{
				Name:     spec.ID,
				Endpoint: spec.Endpoint,
				APIKey:   apiKey,
				Model:    spec.Model,
			})
		default:
			return nil, fmt.Errorf("no adapter for provider kind %q", spec.Kind)
		}
	}
}

// resolveKey resolves the spec's credential reference, if any. The
// resolved value never appears in an error.
func resolveKey(ctx context.Context, secrets vault.SecretSource, spec llm.ProviderSpec) (string, error) {
	if spec.CredentialRef == "" {
		return "", nil
	}
	if secrets == nil {
		return "", fmt.Errorf("provider %s names a credential but no secret source is configured", spec.ID)
	}
	key, err := secrets.Resolve(ctx, spec.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credential for provider %s: %w", spec.ID, err)
	}
	return key, nil
}
