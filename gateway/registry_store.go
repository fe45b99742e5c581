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
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Store sentinels. Surfaces map these to HTTP statuses; the pipeline
// classifier treats anything it does not recognize as internal.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// RegistryStore persists agents, API keys, and database bindings. Writes
// the data model calls atomic (registration, rotation, revocation) must
// be atomic in the implementation.
type RegistryStore interface {
	// CreateAgent writes the agent, its binding, and its first key in
	// one step. Returns ErrConflict when the agent_id is taken.
	CreateAgent(ctx context.Context, agent *Agent, binding *DatabaseBinding, key *APIKey) error

	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// RevokeAgent tombstones the agent, its keys, and its binding.
	// Idempotent: an already revoked agent keeps its original timestamps.
	RevokeAgent(ctx context.Context, agentID string, at time.Time) error

	// GetBinding returns the live binding. Tombstoned bindings are
	// ErrNotFound.
	GetBinding(ctx context.Context, agentID string) (*DatabaseBinding, error)

	// ReplaceBinding swaps the agent's binding in one step.
	ReplaceBinding(ctx context.Context, binding *DatabaseBinding) error

	// ListKeys returns every stored key, tombstoned ones included, so
	// authentication can tell a revoked key from an unknown one.
	ListKeys(ctx context.Context) ([]*APIKey, error)

	// RotateKeys tombstones the agent's live keys and inserts the new
	// one in one step.
	RotateKeys(ctx context.Context, agentID string, key *APIKey, at time.Time) error
}

// MemoryRegistryStore keeps registry state in process memory. It backs
// development mode and tests.
type MemoryRegistryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	bindings map[string]*DatabaseBinding
	keys     []*APIKey
}

// NewMemoryRegistryStore creates an empty in-memory store.
func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{
		agents:   make(map[string]*Agent),
		bindings: make(map[string]*DatabaseBinding),
	}
}

func (s *MemoryRegistryStore) CreateAgent(ctx context.Context, agent *Agent, binding *DatabaseBinding, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.AgentID]; ok {
		return fmt.Errorf("agent %q: %w", agent.AgentID, ErrConflict)
	}
	s.agents[agent.AgentID] = cloneAgent(agent)
	s.bindings[agent.AgentID] = cloneBinding(binding)
	s.keys = append(s.keys, cloneKey(key))
	return nil
}

func (s *MemoryRegistryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return cloneAgent(agent), nil
}

func (s *MemoryRegistryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].AgentID < agents[j].AgentID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *MemoryRegistryStore) RevokeAgent(ctx context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if agent.RevokedAt != nil {
		return nil
	}

	stamp := at
	agent.RevokedAt = &stamp
	if binding, ok := s.bindings[agentID]; ok && binding.RevokedAt == nil {
		binding.RevokedAt = &stamp
	}
	for _, key := range s.keys {
		if key.AgentID == agentID && key.RevokedAt == nil {
			key.RevokedAt = &stamp
		}
	}
	return nil
}

func (s *MemoryRegistryStore) GetBinding(ctx context.Context, agentID string) (*DatabaseBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.bindings[agentID]
	if !ok || binding.RevokedAt != nil {
		return nil, fmt.Errorf("binding for agent %q: %w", agentID, ErrNotFound)
	}
	return cloneBinding(binding), nil
}

func (s *MemoryRegistryStore) ReplaceBinding(ctx context.Context, binding *DatabaseBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[binding.AgentID]; !ok {
		return fmt.Errorf("agent %q: %w", binding.AgentID, ErrNotFound)
	}
	s.bindings[binding.AgentID] = cloneBinding(binding)
	return nil
}

func (s *MemoryRegistryStore) ListKeys(ctx context.Context) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*APIKey, len(s.keys))
	for i, key := range s.keys {
		keys[i] = cloneKey(key)
	}
	return keys, nil
}

func (s *MemoryRegistryStore) RotateKeys(ctx context.Context, agentID string, key *APIKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	for _, existing := range s.keys {
		if existing.AgentID == agentID && existing.RevokedAt == nil {
			stamp := at
			existing.RevokedAt = &stamp
		}
	}
	s.keys = append(s.keys, cloneKey(key))
	return nil
}

func cloneAgent(a *Agent) *Agent {
	copied := *a
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		copied.RevokedAt = &t
	}
	return &copied
}

func cloneBinding(b *DatabaseBinding) *DatabaseBinding {
	copied := *b
	if b.RevokedAt != nil {
		t := *b.RevokedAt
		copied.RevokedAt = &t
	}
	return &copied
}

func cloneKey(k *APIKey) *APIKey {
	copied := *k
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		copied.RevokedAt = &t
	}
	return &copied
}

// registrySchema is applied at startup. All statements are idempotent so
// multiple gateway instances can race on first boot.
const registrySchema = `
CREATE TABLE IF NOT EXISTS gateway_agents (
	agent_id     TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	agent_type   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	revoked_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS gateway_api_keys (
	key_id     TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES gateway_agents(agent_id),
	key_hash   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS gateway_api_keys_agent ON gateway_api_keys (agent_id);

CREATE TABLE IF NOT EXISTS gateway_bindings (
	agent_id         TEXT PRIMARY KEY REFERENCES gateway_agents(agent_id),
	driver_kind      TEXT NOT NULL,
	connection_name  TEXT NOT NULL DEFAULT '',
	default_schema   TEXT NOT NULL DEFAULT '',
	encrypted_config TEXT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	revoked_at       TIMESTAMPTZ
);
`

// PostgresRegistryStore persists registry state in PostgreSQL. The
// handle is shared with the other Postgres-backed stores.
type PostgresRegistryStore struct {
	db *sql.DB
}

// NewPostgresRegistryStore adopts a database handle and ensures the
// registry schema exists.
func NewPostgresRegistryStore(ctx context.Context, db *sql.DB) (*PostgresRegistryStore, error) {
	s := &PostgresRegistryStore{db: db}
	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		return nil, fmt.Errorf("preparing registry schema: %w", err)
	}
	return s, nil
}

func (s *PostgresRegistryStore) CreateAgent(ctx context.Context, agent *Agent, binding *DatabaseBinding, key *APIKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting registration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_agents (agent_id, display_name, agent_type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO NOTHING`,
		agent.AgentID, agent.DisplayName, agent.AgentType, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("agent %q: %w", agent.AgentID, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_api_keys (key_id, agent_id, key_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		key.KeyID, key.AgentID, key.KeyHash, key.CreatedAt); err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_bindings (agent_id, driver_kind, connection_name, default_schema, encrypted_config, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		binding.AgentID, binding.DriverKind, binding.ConnectionName,
		binding.DefaultSchema, binding.EncryptedConfig, binding.UpdatedAt); err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresRegistryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, agent_type, created_at, revoked_at
		FROM gateway_agents
		WHERE agent_id = $1`, agentID)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresRegistryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, display_name, agent_type, created_at, revoked_at
		FROM gateway_agents
		ORDER BY created_at, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

func (s *PostgresRegistryStore) RevokeAgent(ctx context.Context, agentID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting revocation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE gateway_agents SET revoked_at = COALESCE(revoked_at, $2)
		WHERE agent_id = $1`, agentID, at)
	if err != nil {
		return fmt.Errorf("revoking agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE gateway_api_keys SET revoked_at = COALESCE(revoked_at, $2)
		WHERE agent_id = $1`, agentID, at); err != nil {
		return fmt.Errorf("revoking api keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE gateway_bindings SET revoked_at = COALESCE(revoked_at, $2)
		WHERE agent_id = $1`, agentID, at); err != nil {
		return fmt.Errorf("revoking binding: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresRegistryStore) GetBinding(ctx context.Context, agentID string) (*DatabaseBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, driver_kind, connection_name, default_schema, encrypted_config, updated_at
		FROM gateway_bindings
		WHERE agent_id = $1 AND revoked_at IS NULL`, agentID)

	var b DatabaseBinding
	if err := row.Scan(&b.AgentID, &b.DriverKind, &b.ConnectionName,
		&b.DefaultSchema, &b.EncryptedConfig, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("binding for agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading binding: %w", err)
	}
	return &b, nil
}

func (s *PostgresRegistryStore) ReplaceBinding(ctx context.Context, binding *DatabaseBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_bindings (agent_id, driver_kind, connection_name, default_schema, encrypted_config, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			driver_kind      = EXCLUDED.driver_kind,
			connection_name  = EXCLUDED.connection_name,
			default_schema   = EXCLUDED.default_schema,
			encrypted_config = EXCLUDED.encrypted_config,
			updated_at       = EXCLUDED.updated_at,
			revoked_at       = NULL`,
		binding.AgentID, binding.DriverKind, binding.ConnectionName,
		binding.DefaultSchema, binding.EncryptedConfig, binding.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("agent %q: %w", binding.AgentID, ErrNotFound)
		}
		return fmt.Errorf("replacing binding: %w", err)
	}
	return nil
}

func (s *PostgresRegistryStore) ListKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, agent_id, key_hash, created_at, revoked_at
		FROM gateway_api_keys
		ORDER BY created_at, key_id`)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		var key APIKey
		var revoked sql.NullTime
		if err := rows.Scan(&key.KeyID, &key.AgentID, &key.KeyHash, &key.CreatedAt, &revoked); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		if revoked.Valid {
			key.RevokedAt = &revoked.Time
		}
		keys = append(keys, &key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresRegistryStore) RotateKeys(ctx context.Context, agentID string, key *APIKey, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting key rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE gateway_api_keys SET revoked_at = $2
		WHERE agent_id = $1 AND revoked_at IS NULL`, agentID, at); err != nil {
		return fmt.Errorf("revoking previous keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateway_api_keys (key_id, agent_id, key_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		key.KeyID, key.AgentID, key.KeyHash, key.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return fmt.Errorf("inserting rotated key: %w", err)
	}

	return tx.Commit()
}

// scanAgent reads one agent row from either a Row or Rows.
func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var agent Agent
	var revoked sql.NullTime
	if err := row.Scan(&agent.AgentID, &agent.DisplayName, &agent.AgentType,
		&agent.CreatedAt, &revoked); err != nil {
		return nil, err
	}
	if revoked.Valid {
		agent.RevokedAt = &revoked.Time
	}
	return &agent, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
