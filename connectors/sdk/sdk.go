// Copyright 2025 AxonFlow
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

package sdk

import (
	"context"
	"fmt"

	"axonflow/gateway/connectors/base"
)

// ConfigValidator validates a driver configuration before Connect.
type ConfigValidator interface {
	Validate(config *base.ConnectorConfig) error
	RequiredFields() []string
	OptionalFields() map[string]interface{}
}

// DefaultConfigValidator checks required option keys and applies
// defaults for optional ones.
type DefaultConfigValidator struct {
	required []string
	optional map[string]interface{}
}

// NewDefaultConfigValidator creates a validator with the given required
// option keys and optional defaults.
func NewDefaultConfigValidator(required []string, optional map[string]interface{}) *DefaultConfigValidator {
	return &DefaultConfigValidator{
		required: required,
		optional: optional,
	}
}

// Validate checks the config carries a name, at least one endpoint, and
// every required option.
func (v *DefaultConfigValidator) Validate(config *base.ConnectorConfig) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}
	if config.Name == "" {
		return fmt.Errorf("connection name is required")
	}
	if config.Kind == "" {
		return fmt.Errorf("driver kind is required")
	}
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	for _, field := range v.required {
		if _, ok := config.Options[field]; !ok {
			if _, ok := config.Credentials[field]; !ok {
				return fmt.Errorf("required option %q is missing", field)
			}
		}
	}

	return nil
}

// RequiredFields returns the required option keys.
func (v *DefaultConfigValidator) RequiredFields() []string {
	return v.required
}

// OptionalFields returns the optional keys and their defaults.
func (v *DefaultConfigValidator) OptionalFields() map[string]interface{} {
	return v.optional
}

// ApplyDefaults fills missing optional keys with their defaults.
func (v *DefaultConfigValidator) ApplyDefaults(config *base.ConnectorConfig) {
	if config.Options == nil {
		config.Options = make(map[string]interface{})
	}
	for key, def := range v.optional {
		if _, ok := config.Options[key]; !ok {
			config.Options[key] = def
		}
	}
}

// LifecycleHooks let a driver observe lifecycle transitions without
// overriding the base methods.
type LifecycleHooks struct {
	OnConnect func(ctx context.Context, config *base.ConnectorConfig) error
	OnClose   func(ctx context.Context) error
}

// ContextKey is the type for context keys set by the pipeline.
type ContextKey string

const (
	// ContextKeyAgentID carries the calling agent's identifier.
	ContextKeyAgentID ContextKey = "agent_id"

	// ContextKeyRequestID carries the pipeline call identifier.
	ContextKeyRequestID ContextKey = "request_id"
)

// WithAgentID attaches the agent identifier to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ContextKeyAgentID, agentID)
}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// AgentID extracts the agent identifier from the context.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyAgentID).(string); ok {
		return v
	}
	return ""
}

// RequestID extracts the request identifier from the context.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return v
	}
	return ""
}
