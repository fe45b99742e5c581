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

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/shared/logger"
	"axonflow/gateway/vault"
)

// Agent is a registered principal. RevokedAt is the tombstone; revoked
// agents keep their row so audit and cost history stay attributable.
type Agent struct {
	AgentID     string     `json:"agent_id"`
	DisplayName string     `json:"display_name,omitempty"`
	AgentType   string     `json:"agent_type,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the agent has been tombstoned.
func (a *Agent) Revoked() bool {
	return a.RevokedAt != nil
}

// APIKey is the stored form of an agent credential. Only the salted hash
// persists; the raw key appears once in the RegisterResult and never again.
type APIKey struct {
	KeyID     string     `json:"key_id"`
	AgentID   string     `json:"agent_id"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// DatabaseConfig is the plaintext database attachment supplied at
// registration. The registry seals the whole record through the vault
// before it reaches a store.
type DatabaseConfig struct {
	// Kind names the driver: a built-in kind or "plugin:<name>".
	Kind string `json:"kind"`

	// Name labels the connection in results and logs.
	Name string `json:"name,omitempty"`

	// Endpoints is ordered. The first entry is primary; the pool advances
	// through the rest on repeated connect failures.
	Endpoints []string `json:"endpoints"`

	Credentials   map[string]string      `json:"credentials,omitempty"`
	Database      string                 `json:"database,omitempty"`
	DefaultSchema string                 `json:"default_schema,omitempty"`
	Options       map[string]interface{} `json:"options,omitempty"`
}

// ConnectorConfig maps the database config onto the driver contract.
// ActiveEndpoint and Timeout are left for the pool to set.
func (c *DatabaseConfig) ConnectorConfig(agentID string) *base.ConnectorConfig {
	return &base.ConnectorConfig{
		Name:          c.Name,
		Kind:          c.Kind,
		Endpoints:     append([]string(nil), c.Endpoints...),
		Credentials:   c.Credentials,
		Database:      c.Database,
		DefaultSchema: c.DefaultSchema,
		Options:       c.Options,
		AgentID:       agentID,
	}
}

// DatabaseBinding is the stored attachment between an agent and its
// database. The full DatabaseConfig lives in EncryptedConfig; the plain
// fields carry only what the gateway needs without opening the vault.
type DatabaseBinding struct {
	AgentID         string     `json:"agent_id"`
	DriverKind      string     `json:"driver_kind"`
	ConnectionName  string     `json:"connection_name,omitempty"`
	DefaultSchema   string     `json:"default_schema,omitempty"`
	EncryptedConfig string     `json:"-"`
	UpdatedAt       time.Time  `json:"updated_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// ValidDriverKind reports whether kind names a built-in driver or a
// namespaced plugin. The factory registry is the authority on which
// plugins actually exist; this check only rejects kinds no factory could
// ever serve.
func ValidDriverKind(kind string) bool {
	switch kind {
	case base.KindPostgres, base.KindMySQL, base.KindMongo, base.KindBigQuery, base.KindSnowflake:
		return true
	}
	return strings.HasPrefix(kind, base.PluginPrefix) && len(kind) > len(base.PluginPrefix)
}

// API keys are 32 random bytes in URL-safe base64 behind a fixed prefix.
// The prefix makes a leaked key recognizable in logs and scanners without
// revealing anything about its value.
const (
	apiKeyPrefix = "agk_"
	apiKeyBytes  = 32
)

// Argon2id parameters for the stored key hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// newAPIKey draws a fresh 256-bit key.
func newAPIKey() (string, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// hashAPIKey derives the stored salt$hash form of a key.
func hashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// verifyAPIKey checks a presented key against a stored salt$hash. A
// malformed stored hash never matches.
func verifyAPIKey(apiKey, encoded string) bool {
	salt, hash, ok := splitKeyHash(encoded)
	if !ok {
		return false
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func splitKeyHash(encoded string) (salt, hash []byte, ok bool) {
	i := strings.IndexByte(encoded, '$')
	if i < 0 {
		return nil, nil, false
	}
	salt, err := base64.StdEncoding.DecodeString(encoded[:i])
	if err != nil {
		return nil, nil, false
	}
	hash, err = base64.StdEncoding.DecodeString(encoded[i+1:])
	if err != nil {
		return nil, nil, false
	}
	return salt, hash, true
}

// dummyVerify burns the same Argon2id work as a real verification, for
// paths where no stored hash was checked.
func dummyVerify() {
	argon2.IDKey([]byte("no-such-key"), make([]byte, argonSaltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// BindingInvalidator is told when an agent's binding stops being valid
// (database update or revocation) so pooled connections built from the
// old credentials get closed.
type BindingInvalidator interface {
	InvalidateAgent(ctx context.Context, agentID string)
}

// RevocationHook runs after an agent is revoked. Wiring registers hooks
// that remove derived state (permissions, failover groups). Audit and
// cost records stay.
type RevocationHook func(ctx context.Context, agentID string)

// Registry implements the agent lifecycle: registration, key
// authentication, revocation, and the database binding. Storage sits
// behind RegistryStore; credentials are sealed by the vault before they
// reach a store.
type Registry struct {
	store       RegistryStore
	vault       *vault.Vault
	log         *logger.Logger
	kindCheck   func(kind string) bool
	invalidator BindingInvalidator
	onRevoke    []RevocationHook
}

// RegistryOption customizes Registry construction.
type RegistryOption func(*Registry)

// WithKindCheck replaces the syntactic driver-kind check, typically with
// the factory registry's IsRegistered.
func WithKindCheck(check func(kind string) bool) RegistryOption {
	return func(r *Registry) { r.kindCheck = check }
}

// WithInvalidator wires the pool manager (or any per-agent connection
// cache) for binding invalidation.
func WithInvalidator(inv BindingInvalidator) RegistryOption {
	return func(r *Registry) { r.invalidator = inv }
}

// NewRegistry builds a Registry over the given store and vault.
func NewRegistry(store RegistryStore, v *vault.Vault, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:     store,
		vault:     v,
		log:       logger.New("registry"),
		kindCheck: ValidDriverKind,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRevoke registers a hook to run after a successful revocation.
func (r *Registry) OnRevoke(hook RevocationHook) {
	r.onRevoke = append(r.onRevoke, hook)
}

// RegisterRequest carries everything needed to create an agent.
type RegisterRequest struct {
	AgentID     string          `json:"agent_id"`
	DisplayName string          `json:"display_name,omitempty"`
	AgentType   string          `json:"agent_type,omitempty"`
	Database    *DatabaseConfig `json:"database"`
}

// RegisterResult returns the created agent and, exactly once, the raw
// API key.
type RegisterResult struct {
	Agent  *Agent `json:"agent"`
	APIKey string `json:"api_key"`
}

// Register creates an agent together with its database binding and first
// API key in one atomic step. Fails with ErrConflict when the agent_id
// is already taken.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, NewConfigError("agent_id is required")
	}
	if err := r.validateDatabase(req.Database); err != nil {
		return nil, err
	}

	sealed, err := r.sealDatabase(req.Database)
	if err != nil {
		return nil, err
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return nil, NewInternalError(err)
	}
	keyHash, err := hashAPIKey(apiKey)
	if err != nil {
		return nil, NewInternalError(err)
	}

	now := time.Now().UTC()
	agent := &Agent{
		AgentID:     req.AgentID,
		DisplayName: req.DisplayName,
		AgentType:   req.AgentType,
		CreatedAt:   now,
	}
	binding := &DatabaseBinding{
		AgentID:         req.AgentID,
		DriverKind:      req.Database.Kind,
		ConnectionName:  req.Database.Name,
		DefaultSchema:   req.Database.DefaultSchema,
		EncryptedConfig: sealed,
		UpdatedAt:       now,
	}
	key := &APIKey{
		KeyID:     uuid.NewString(),
		AgentID:   req.AgentID,
		KeyHash:   keyHash,
		CreatedAt: now,
	}

	if err := r.store.CreateAgent(ctx, agent, binding, key); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, NewInternalError(err)
	}

	r.log.Info(agent.AgentID, "", "agent registered", map[string]interface{}{
		"driver_kind": binding.DriverKind,
		"connection":  binding.ConnectionName,
	})

	return &RegisterResult{Agent: agent, APIKey: apiKey}, nil
}

// Authenticate resolves the agent that owns a presented API key. Every
// stored hash is checked; when none were, a dummy verification runs
// instead, so response timing does not say whether the key was
// malformed, unknown, or checked against an empty registry.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*Agent, error) {
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return nil, NewInternalError(err)
	}

	// The walk never breaks early; a hit costs the same as a full miss.
	var matched *APIKey
	for _, key := range keys {
		ok := verifyAPIKey(apiKey, key.KeyHash)
		if ok && matched == nil {
			matched = key
		}
	}
	if matched == nil {
		if len(keys) == 0 {
			dummyVerify()
		}
		return nil, NewAuthError("invalid API key")
	}

	agent, err := r.store.GetAgent(ctx, matched.AgentID)
	if err != nil {
		return nil, NewInternalError(err)
	}
	if agent.Revoked() {
		return nil, NewRevokedError(agent.AgentID)
	}
	if matched.RevokedAt != nil {
		e := NewError(KindRevoked, "API key has been revoked")
		e.Details = map[string]interface{}{"agent_id": matched.AgentID}
		return nil, e
	}
	return agent, nil
}

// Get returns an agent by id, revoked or not.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns all agents ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.store.ListAgents(ctx)
}

// Revoke tombstones an agent together with its keys and binding, then
// runs the cascade: pooled connections are invalidated and registered
// hooks remove derived state. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, agentID string) error {
	if err := r.store.RevokeAgent(ctx, agentID, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return NewInternalError(err)
	}
	if r.invalidator != nil {
		r.invalidator.InvalidateAgent(ctx, agentID)
	}
	for _, hook := range r.onRevoke {
		hook(ctx, agentID)
	}
	r.log.Info(agentID, "", "agent revoked", nil)
	return nil
}

// UpdateDatabase replaces the agent's binding atomically. Pooled
// connections built from the old binding are invalidated.
func (r *Registry) UpdateDatabase(ctx context.Context, agentID string, db *DatabaseConfig) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Revoked() {
		return NewRevokedError(agentID)
	}
	if err := r.validateDatabase(db); err != nil {
		return err
	}
	sealed, err := r.sealDatabase(db)
	if err != nil {
		return err
	}

	binding := &DatabaseBinding{
		AgentID:         agentID,
		DriverKind:      db.Kind,
		ConnectionName:  db.Name,
		DefaultSchema:   db.DefaultSchema,
		EncryptedConfig: sealed,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := r.store.ReplaceBinding(ctx, binding); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return NewInternalError(err)
	}

	if r.invalidator != nil {
		r.invalidator.InvalidateAgent(ctx, agentID)
	}
	r.log.Info(agentID, "", "database binding replaced", map[string]interface{}{
		"driver_kind": db.Kind,
	})
	return nil
}

// RotateKey issues a fresh API key and tombstones the agent's previous
// keys in the same step. Old keys stop authenticating immediately.
func (r *Registry) RotateKey(ctx context.Context, agentID string) (string, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.Revoked() {
		return "", NewRevokedError(agentID)
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return "", NewInternalError(err)
	}
	keyHash, err := hashAPIKey(apiKey)
	if err != nil {
		return "", NewInternalError(err)
	}

	now := time.Now().UTC()
	key := &APIKey{
		KeyID:     uuid.NewString(),
		AgentID:   agentID,
		KeyHash:   keyHash,
		CreatedAt: now,
	}
	if err := r.store.RotateKeys(ctx, agentID, key, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", NewInternalError(err)
	}

	r.log.Info(agentID, "", "api key rotated", nil)
	return apiKey, nil
}

// Binding returns the stored binding without decrypting it.
func (r *Registry) Binding(ctx context.Context, agentID string) (*DatabaseBinding, error) {
	return r.store.GetBinding(ctx, agentID)
}

// OpenBinding decrypts an agent's database config for the pool. The
// caller must not log or persist the result.
func (r *Registry) OpenBinding(ctx context.Context, agentID string) (*DatabaseConfig, error) {
	binding, err := r.store.GetBinding(ctx, agentID)
	if err != nil {
		return nil, err
	}
	plain, err := r.vault.Decrypt(binding.EncryptedConfig)
	if err != nil {
		return nil, NewInternalError(fmt.Errorf("opening database config for %s: %w", agentID, err))
	}
	var db DatabaseConfig
	if err := json.Unmarshal(plain, &db); err != nil {
		return nil, NewInternalError(fmt.Errorf("decoding database config for %s: %w", agentID, err))
	}
	return &db, nil
}

func (r *Registry) validateDatabase(db *DatabaseConfig) error {
	if db == nil {
		return NewConfigError("database config is required")
	}
	if db.Kind == "" {
		return NewConfigError("database kind is required")
	}
	if !r.kindCheck(db.Kind) {
		return NewConfigError(fmt.Sprintf("driver kind %q is not recognized", db.Kind))
	}
	if len(db.Endpoints) == 0 {
		return NewConfigError("database config needs at least one endpoint")
	}
	return nil
}

// sealDatabase serializes and encrypts a database config. Errors
// deliberately omit the config content.
func (r *Registry) sealDatabase(db *DatabaseConfig) (string, error) {
	plain, err := json.Marshal(db)
	if err != nil {
		return "", NewInternalError(fmt.Errorf("encoding database config: %w", err))
	}
	sealed, err := r.vault.Encrypt(plain)
	if err != nil {
		return "", NewInternalError(fmt.Errorf("sealing database config: %w", err))
	}
	return sealed, nil
}
