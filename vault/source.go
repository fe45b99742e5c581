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

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource resolves a secret reference to its value. References are
// source-specific: an environment variable name, an in-memory key, or an
// AWS Secrets Manager ARN. A reference may carry a "#field" fragment to
// select one field out of a JSON-object secret.
type SecretSource interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvSource reads secrets from environment variables. The reference is the
// variable name.
type EnvSource struct{}

// NewEnvSource creates an environment-variable secret source.
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// Resolve returns the value of the named environment variable.
func (s *EnvSource) Resolve(_ context.Context, ref string) (string, error) {
	name, field := splitRef(ref)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return pickField(value, field)
}

// MemorySource holds secrets in memory. Tests and development deployments
// use it in place of a real secret store.
type MemorySource struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemorySource creates an empty in-memory secret source.
func NewMemorySource() *MemorySource {
	return &MemorySource{secrets: make(map[string]string)}
}

// Set stores a secret value under a reference.
func (s *MemorySource) Set(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ref] = value
}

// Resolve returns the stored value for the reference.
func (s *MemorySource) Resolve(_ context.Context, ref string) (string, error) {
	name, field := splitRef(ref)

	s.mu.RLock()
	value, exists := s.secrets[name]
	s.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("secret %s not found", maskRef(name))
	}
	return pickField(value, field)
}

// AWSSource resolves secrets from AWS Secrets Manager with a TTL cache so
// hot paths do not hit the API on every lookup.
type AWSSource struct {
	client *secretsmanager.Client
	cache  map[string]*awsCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type awsCacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSSourceOptions holds options for creating an AWSSource.
type AWSSourceOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewAWSSource creates a Secrets Manager backed source using the default
// AWS credential chain.
func NewAWSSource(ctx context.Context, opts AWSSourceOptions) (*AWSSource, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRET_SOURCE] ", log.LstdFlags)
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSource{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*awsCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Resolve fetches the secret string for the ARN, serving from cache while
// the entry is fresh.
func (s *AWSSource) Resolve(ctx context.Context, ref string) (string, error) {
	arn, field := splitRef(ref)

	s.mu.RLock()
	entry, exists := s.cache[arn]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return pickField(entry.value, field)
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(arn))

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskRef(arn), err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskRef(arn))
	}

	s.mu.Lock()
	s.cache[arn] = &awsCacheEntry{
		value:     *result.SecretString,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return pickField(*result.SecretString, field)
}

// Invalidate removes a secret from the cache so the next Resolve refetches.
func (s *AWSSource) Invalidate(ref string) {
	arn, _ := splitRef(ref)
	s.mu.Lock()
	delete(s.cache, arn)
	s.mu.Unlock()
}

// splitRef separates an optional "#field" fragment from a reference.
func splitRef(ref string) (name, field string) {
	if i := strings.LastIndexByte(ref, '#'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// pickField extracts one field from a JSON-object secret. Without a field
// the raw value passes through untouched.
func pickField(raw, field string) (string, error) {
	if field == "" {
		return raw, nil
	}

	var object map[string]string
	if err := json.Unmarshal([]byte(raw), &object); err != nil {
		return "", fmt.Errorf("secret is not a JSON object, cannot select field %q", field)
	}
	value, exists := object[field]
	if !exists {
		return "", fmt.Errorf("secret has no field %q", field)
	}
	return value, nil
}

// maskRef hides all but the tail of a secret reference in log output.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}
