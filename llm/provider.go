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

package llm

import (
	"context"
	"fmt"
	"time"

	"axonflow/gateway/llm/sdk"
)

// Provider is the adapter contract every provider kind implements.
// Implementations must be safe for concurrent use and must never place
// API keys or other credentials in returned errors.
type Provider interface {
	// Name returns the provider id this instance was registered under.
	Name() string

	// Kind returns the adapter implementation behind this provider.
	Kind() ProviderKind

	// Complete generates a completion. The context carries the caller's
	// deadline; adapters must honor cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Probe verifies the provider is reachable and authenticated.
	// A nil return means healthy.
	Probe(ctx context.Context) error
}

// ProviderSpec is the registration record for one provider. Specs are
// versioned by the manager: every Register starts at version 1 and every
// Update appends a new version; Rollback restores a prior version's
// contents as a new current version.
type ProviderSpec struct {
	// ID is the unique provider id used for routing and cost attribution.
	ID string `json:"provider_id"`

	// Kind selects the adapter implementation.
	Kind ProviderKind `json:"kind"`

	// Endpoint is the base URL for HTTP kinds. Required for local and
	// custom; optional for openai and anthropic (API defaults apply).
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model for this provider.
	Model string `json:"model"`

	// CredentialRef names the secret holding the API key. The raw key
	// is resolved at instantiation time and never stored in the spec.
	CredentialRef string `json:"credential_ref,omitempty"`

	// Region is the cloud region for the bedrock kind.
	Region string `json:"region,omitempty"`

	// RateLimits bounds dispatch through this provider. Zero values
	// fall back to the manager defaults.
	RateLimits sdk.Limits `json:"rate_limits"`

	// Retry overrides the manager's default retry policy when non-nil.
	Retry *sdk.Policy `json:"retry,omitempty"`

	// Version is assigned by the manager. Callers leave it zero.
	Version int `json:"version"`

	// CreatedAt is when this version became current.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the spec fields that do not require secret resolution.
func (s *ProviderSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	switch s.Kind {
	case KindOpenAI, KindAnthropic, KindBedrock, KindLocal, KindCustom:
	default:
		return fmt.Errorf("provider %q: unknown kind %q", s.ID, s.Kind)
	}
	if s.Model == "" {
		return fmt.Errorf("provider %q: model is required", s.ID)
	}
	if (s.Kind == KindLocal || s.Kind == KindCustom) && s.Endpoint == "" {
		return fmt.Errorf("provider %q: endpoint is required for kind %q", s.ID, s.Kind)
	}
	if s.Kind == KindBedrock && s.Region == "" {
		return fmt.Errorf("provider %q: region is required for kind bedrock", s.ID)
	}
	return nil
}

// clone returns a copy so callers cannot mutate stored versions.
func (s *ProviderSpec) clone() *ProviderSpec {
	cp := *s
	if s.Retry != nil {
		r := *s.Retry
		cp.Retry = &r
	}
	return &cp
}

// Factory instantiates an adapter from a spec. The manager calls it on
// Register, Update and Rollback; implementations resolve the credential
// reference and construct the concrete adapter.
type Factory func(ctx context.Context, spec ProviderSpec) (Provider, error)
