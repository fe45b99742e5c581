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
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"axonflow/gateway/connectors/base"
)

// ResourceKind classifies what a resource name denotes and selects its
// normalization policy.
type ResourceKind string

const (
	ResourceTable      ResourceKind = "table"
	ResourceDataset    ResourceKind = "dataset"
	ResourceCollection ResourceKind = "collection"
)

// resourceNormalizers records the normalization policy per resource kind
// as data. Relational identifiers compare case-insensitively, so table
// and dataset names fold to lower case at both write and check time;
// collection names stay exact because document stores are case-sensitive.
var resourceNormalizers = map[ResourceKind]func(string) string{
	ResourceTable:      strings.ToLower,
	ResourceDataset:    strings.ToLower,
	ResourceCollection: func(s string) string { return s },
}

// NormalizeResource applies the kind's normalization policy. Unknown
// kinds fold to lower case, the safer default for SQL identifiers.
func NormalizeResource(kind ResourceKind, resourceID string) string {
	id := strings.TrimSpace(resourceID)
	if normalize, ok := resourceNormalizers[kind]; ok {
		return normalize(id)
	}
	return strings.ToLower(id)
}

// ResourceKindForDriver maps a driver kind to the resource kind its
// names are checked under.
func ResourceKindForDriver(driverKind string) ResourceKind {
	switch driverKind {
	case base.KindMongo:
		return ResourceCollection
	case base.KindBigQuery:
		return ResourceDataset
	default:
		return ResourceTable
	}
}

// Permission grants an agent capabilities on one resource. ResourceID is
// stored in normalized form.
type Permission struct {
	AgentID      string       `json:"agent_id"`
	ResourceID   string       `json:"resource_id"`
	ResourceKind ResourceKind `json:"resource_kind"`
	Caps         []Capability `json:"caps"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Grants reports whether the permission carries the capability.
func (p *Permission) Grants(want Capability) bool {
	for _, c := range p.Caps {
		if c == want {
			return true
		}
	}
	return false
}

// ResourceCheck is one (resource, capability) probe in a batch check.
type ResourceCheck struct {
	ResourceID string     `json:"resource_id"`
	Capability Capability `json:"capability"`
}

// BatchDecision partitions a batch of probes. Resources appear in their
// normalized form, in probe order, and every denied resource is listed,
// not only the first.
type BatchDecision struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// AllAllowed reports whether nothing was denied.
func (d *BatchDecision) AllAllowed() bool {
	return len(d.Denied) == 0
}

// PermissionStore maps (agent, resource) to capabilities. Absence means
// no access: every check is default deny.
type PermissionStore interface {
	// Set upserts the permission for (agent_id, resource_id).
	Set(ctx context.Context, agentID string, kind ResourceKind, resourceID string, caps []Capability) error

	// Revoke removes one permission. Missing entries are ErrNotFound.
	Revoke(ctx context.Context, agentID string, kind ResourceKind, resourceID string) error

	// RevokeAll removes every permission an agent holds. Used by the
	// revocation cascade; removing nothing is not an error.
	RevokeAll(ctx context.Context, agentID string) error

	// Check reports whether the agent holds the capability on the
	// resource.
	Check(ctx context.Context, agentID string, kind ResourceKind, resourceID string, want Capability) (bool, error)

	// CheckBatch partitions the probes into allowed and denied.
	CheckBatch(ctx context.Context, agentID string, kind ResourceKind, checks []ResourceCheck) (*BatchDecision, error)

	// List returns the agent's permissions ordered by resource id.
	List(ctx context.Context, agentID string) ([]*Permission, error)
}

// normalizePermission validates and normalizes the write arguments shared
// by every store implementation.
func normalizePermission(agentID string, kind ResourceKind, resourceID string, caps []Capability) (string, []Capability, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", nil, NewConfigError("agent_id is required")
	}
	if strings.TrimSpace(resourceID) == "" {
		return "", nil, NewConfigError("resource_id is required")
	}
	if _, ok := resourceNormalizers[kind]; !ok {
		return "", nil, NewConfigError(fmt.Sprintf("resource kind %q is not recognized (table, dataset, collection)", kind))
	}
	normalized, err := normalizeCaps(caps)
	if err != nil {
		return "", nil, err
	}
	return NormalizeResource(kind, resourceID), normalized, nil
}

// normalizeCaps validates and dedupes capabilities into a fixed order.
func normalizeCaps(caps []Capability) ([]Capability, error) {
	if len(caps) == 0 {
		return nil, NewConfigError("caps must name at least one of read, write")
	}
	var read, write bool
	for _, c := range caps {
		switch c {
		case CapabilityRead:
			read = true
		case CapabilityWrite:
			write = true
		default:
			return nil, NewConfigError(fmt.Sprintf("capability %q is not recognized (read, write)", c))
		}
	}
	normalized := make([]Capability, 0, 2)
	if read {
		normalized = append(normalized, CapabilityRead)
	}
	if write {
		normalized = append(normalized, CapabilityWrite)
	}
	return normalized, nil
}

// MemoryPermissionStore keeps permissions in process memory. It backs
// development mode and tests.
type MemoryPermissionStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]*Permission // agent_id -> normalized resource_id
}

// NewMemoryPermissionStore creates an empty in-memory store.
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{grants: make(map[string]map[string]*Permission)}
}

func (s *MemoryPermissionStore) Set(ctx context.Context, agentID string, kind ResourceKind, resourceID string, caps []Capability) error {
	id, normalized, err := normalizePermission(agentID, kind, resourceID, caps)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byResource, ok := s.grants[agentID]
	if !ok {
		byResource = make(map[string]*Permission)
		s.grants[agentID] = byResource
	}
	byResource[id] = &Permission{
		AgentID:      agentID,
		ResourceID:   id,
		ResourceKind: kind,
		Caps:         normalized,
		UpdatedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *MemoryPermissionStore) Revoke(ctx context.Context, agentID string, kind ResourceKind, resourceID string) error {
	id := NormalizeResource(kind, resourceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	byResource := s.grants[agentID]
	if _, ok := byResource[id]; !ok {
		return fmt.Errorf("permission %s on %s: %w", agentID, id, ErrNotFound)
	}
	delete(byResource, id)
	if len(byResource) == 0 {
		delete(s.grants, agentID)
	}
	return nil
}

func (s *MemoryPermissionStore) RevokeAll(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, agentID)
	return nil
}

func (s *MemoryPermissionStore) Check(ctx context.Context, agentID string, kind ResourceKind, resourceID string, want Capability) (bool, error) {
	id := NormalizeResource(kind, resourceID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	perm, ok := s.grants[agentID][id]
	if !ok {
		return false, nil
	}
	return perm.Grants(want), nil
}

func (s *MemoryPermissionStore) CheckBatch(ctx context.Context, agentID string, kind ResourceKind, checks []ResourceCheck) (*BatchDecision, error) {
	decision := &BatchDecision{}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, check := range checks {
		id := NormalizeResource(kind, check.ResourceID)
		perm, ok := s.grants[agentID][id]
		if ok && perm.Grants(check.Capability) {
			decision.Allowed = append(decision.Allowed, id)
		} else {
			decision.Denied = append(decision.Denied, id)
		}
	}
	return decision, nil
}

func (s *MemoryPermissionStore) List(ctx context.Context, agentID string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byResource := s.grants[agentID]
	perms := make([]*Permission, 0, len(byResource))
	for _, perm := range byResource {
		copied := *perm
		copied.Caps = append([]Capability(nil), perm.Caps...)
		perms = append(perms, &copied)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ResourceID < perms[j].ResourceID })
	return perms, nil
}

const permissionSchema = `
CREATE TABLE IF NOT EXISTS gateway_permissions (
	agent_id      TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	resource_kind TEXT NOT NULL,
	can_read      BOOLEAN NOT NULL DEFAULT FALSE,
	can_write     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, resource_id)
);
`

// PostgresPermissionStore persists permissions in PostgreSQL.
type PostgresPermissionStore struct {
	db *sql.DB
}

// NewPostgresPermissionStore adopts a database handle and ensures the
// permission schema exists.
func NewPostgresPermissionStore(ctx context.Context, db *sql.DB) (*PostgresPermissionStore, error) {
	s := &PostgresPermissionStore{db: db}
	if _, err := db.ExecContext(ctx, permissionSchema); err != nil {
		return nil, fmt.Errorf("preparing permission schema: %w", err)
	}
	return s, nil
}

func (s *PostgresPermissionStore) Set(ctx context.Context, agentID string, kind ResourceKind, resourceID string, caps []Capability) error {
	id, normalized, err := normalizePermission(agentID, kind, resourceID, caps)
	if err != nil {
		return err
	}
	read, write := capsToFlags(normalized)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_permissions (agent_id, resource_id, resource_kind, can_read, can_write, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, resource_id) DO UPDATE SET
			resource_kind = EXCLUDED.resource_kind,
			can_read      = EXCLUDED.can_read,
			can_write     = EXCLUDED.can_write,
			updated_at    = EXCLUDED.updated_at`,
		agentID, id, string(kind), read, write, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting permission: %w", err)
	}
	return nil
}

func (s *PostgresPermissionStore) Revoke(ctx context.Context, agentID string, kind ResourceKind, resourceID string) error {
	id := NormalizeResource(kind, resourceID)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM gateway_permissions
		WHERE agent_id = $1 AND resource_id = $2`, agentID, id)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("permission %s on %s: %w", agentID, id, ErrNotFound)
	}
	return nil
}

func (s *PostgresPermissionStore) RevokeAll(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM gateway_permissions WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("revoking permissions: %w", err)
	}
	return nil
}

func (s *PostgresPermissionStore) Check(ctx context.Context, agentID string, kind ResourceKind, resourceID string, want Capability) (bool, error) {
	id := NormalizeResource(kind, resourceID)

	var read, write bool
	err := s.db.QueryRowContext(ctx, `
		SELECT can_read, can_write FROM gateway_permissions
		WHERE agent_id = $1 AND resource_id = $2`, agentID, id).Scan(&read, &write)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking permission: %w", err)
	}
	return grantsFlag(read, write, want), nil
}

func (s *PostgresPermissionStore) CheckBatch(ctx context.Context, agentID string, kind ResourceKind, checks []ResourceCheck) (*BatchDecision, error) {
	decision := &BatchDecision{}
	if len(checks) == 0 {
		return decision, nil
	}

	ids := make([]string, len(checks))
	for i, check := range checks {
		ids[i] = NormalizeResource(kind, check.ResourceID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, can_read, can_write
		FROM gateway_permissions
		WHERE agent_id = $1 AND resource_id = ANY($2)`, agentID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("checking permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type flags struct{ read, write bool }
	held := make(map[string]flags, len(checks))
	for rows.Next() {
		var id string
		var f flags
		if err := rows.Scan(&id, &f.read, &f.write); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		held[id] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checking permissions: %w", err)
	}

	for i, check := range checks {
		f, ok := held[ids[i]]
		if ok && grantsFlag(f.read, f.write, check.Capability) {
			decision.Allowed = append(decision.Allowed, ids[i])
		} else {
			decision.Denied = append(decision.Denied, ids[i])
		}
	}
	return decision, nil
}

func (s *PostgresPermissionStore) List(ctx context.Context, agentID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, resource_id, resource_kind, can_read, can_write, updated_at
		FROM gateway_permissions
		WHERE agent_id = $1
		ORDER BY resource_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*Permission
	for rows.Next() {
		var perm Permission
		var kind string
		var read, write bool
		if err := rows.Scan(&perm.AgentID, &perm.ResourceID, &kind, &read, &write, &perm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perm.ResourceKind = ResourceKind(kind)
		perm.Caps = flagsToCaps(read, write)
		perms = append(perms, &perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	return perms, nil
}

func capsToFlags(caps []Capability) (read, write bool) {
	for _, c := range caps {
		switch c {
		case CapabilityRead:
			read = true
		case CapabilityWrite:
			write = true
		}
	}
	return read, write
}

func flagsToCaps(read, write bool) []Capability {
	caps := make([]Capability, 0, 2)
	if read {
		caps = append(caps, CapabilityRead)
	}
	if write {
		caps = append(caps, CapabilityWrite)
	}
	return caps
}

func grantsFlag(read, write bool, want Capability) bool {
	switch want {
	case CapabilityRead:
		return read
	case CapabilityWrite:
		return write
	default:
		return false
	}
}
