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
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"axonflow/gateway/llm/sdk"
)

// SwitchHook is invoked after a failover group changes its active
// provider, so callers can audit the internal recovery. Hooks must not
// block.
type SwitchHook func(agentID string, rec SwitchRecord)

// Manager owns the provider registry and routes every completion through
// three layers: the provider's rate limiter, its retry policy, and the
// agent's failover group when one exists. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	specs     map[string]*ProviderSpec
	history   map[string][]*ProviderSpec
	providers map[string]Provider
	limiters  map[string]*sdk.Limiter
	groups    map[string]*FailoverGroup

	factory       Factory
	airGapped     bool
	defaultLimits sdk.Limits
	defaultRetry  sdk.Policy
	switchHook    SwitchHook
	logger        *log.Logger
}

// Option configures the manager during creation.
type Option func(*Manager)

// WithAirGapped enables air-gap enforcement at registration and at every
// dispatch.
func WithAirGapped(enabled bool) Option {
	return func(m *Manager) { m.airGapped = enabled }
}

// WithDefaultLimits sets the rate limits used by providers that declare
// none.
func WithDefaultLimits(l sdk.Limits) Option {
	return func(m *Manager) { m.defaultLimits = l }
}

// WithDefaultRetry sets the retry policy used by providers that declare
// none.
func WithDefaultRetry(p sdk.Policy) Option {
	return func(m *Manager) { m.defaultRetry = p }
}

// WithSwitchHook registers the failover notification hook.
func WithSwitchHook(hook SwitchHook) Option {
	return func(m *Manager) { m.switchHook = hook }
}

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager that instantiates adapters through the
// given factory.
func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		specs:        make(map[string]*ProviderSpec),
		history:      make(map[string][]*ProviderSpec),
		providers:    make(map[string]Provider),
		limiters:     make(map[string]*sdk.Limiter),
		groups:       make(map[string]*FailoverGroup),
		factory:      factory,
		defaultRetry: sdk.DefaultPolicy(),
		logger:       log.New(os.Stdout, "[LLM_MANAGER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AirGapped reports whether air-gap enforcement is active.
func (m *Manager) AirGapped() bool {
	return m.airGapped
}

// Register validates and stores a provider spec at version 1 and
// instantiates its adapter. Inadmissible providers under air-gapped mode
// are rejected before anything is stored.
func (m *Manager) Register(ctx context.Context, spec ProviderSpec) error {
	if err := m.admit(&spec); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.specs[spec.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("provider %q already registered", spec.ID)
	}

	provider, err := m.instantiate(ctx, spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.specs[spec.ID]; exists {
		return fmt.Errorf("provider %q already registered", spec.ID)
	}
	m.install(&spec, provider, 1)

	m.logger.Printf("Registered provider %s (kind %s, model %s)", spec.ID, spec.Kind, spec.Model)
	return nil
}

// RegisterProvider stores a pre-instantiated provider under the spec.
// The spec is versioned exactly as with Register; use this for in-process
// providers and tests.
func (m *Manager) RegisterProvider(spec ProviderSpec, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider instance is required")
	}
	if err := m.admit(&spec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.specs[spec.ID]; exists {
		return fmt.Errorf("provider %q already registered", spec.ID)
	}
	m.install(&spec, provider, 1)

	m.logger.Printf("Registered provider instance %s (kind %s)", spec.ID, spec.Kind)
	return nil
}

// Update replaces the current spec with a new version and rebuilds the
// adapter and limiter.
func (m *Manager) Update(ctx context.Context, spec ProviderSpec) error {
	if err := m.admit(&spec); err != nil {
		return err
	}

	m.mu.RLock()
	cur, exists := m.specs[spec.ID]
	var curVersion int
	if exists {
		curVersion = cur.Version
	}
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("provider %q not found", spec.ID)
	}

	provider, err := m.instantiate(ctx, spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists = m.specs[spec.ID]
	if !exists {
		return fmt.Errorf("provider %q not found", spec.ID)
	}
	m.install(&spec, provider, cur.Version+1)

	m.logger.Printf("Updated provider %s (version %d -> %d)", spec.ID, curVersion, spec.Version)
	return nil
}

// Rollback restores the contents of a prior version as a new current
// version. The version history is append-only; rolling back never
// discards versions.
func (m *Manager) Rollback(ctx context.Context, id string, version int) error {
	m.mu.RLock()
	var target *ProviderSpec
	for _, v := range m.history[id] {
		if v.Version == version {
			target = v.clone()
			break
		}
	}
	_, exists := m.specs[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("provider %q not found", id)
	}
	if target == nil {
		return fmt.Errorf("provider %q has no version %d", id, version)
	}

	provider, err := m.instantiate(ctx, *target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.specs[id]
	if !exists {
		return fmt.Errorf("provider %q not found", id)
	}
	m.install(target, provider, cur.Version+1)

	m.logger.Printf("Rolled back provider %s to version %d (now version %d)", id, version, target.Version)
	return nil
}

// Remove deletes a provider, its history, and its limiter. Failover
// groups that reference the provider keep their configuration; dispatch
// to the removed member fails over per group policy.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.specs[id]; !exists {
		return fmt.Errorf("provider %q not found", id)
	}
	delete(m.specs, id)
	delete(m.history, id)
	delete(m.providers, id)
	delete(m.limiters, id)

	for agentID, g := range m.groups {
		for _, member := range g.Members() {
			if member == id {
				m.logger.Printf("Warning: removed provider %s is a member of agent %s's failover group", id, agentID)
			}
		}
	}

	m.logger.Printf("Removed provider %s", id)
	return nil
}

// Get returns a copy of the current spec.
func (m *Manager) Get(id string) (*ProviderSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, exists := m.specs[id]
	if !exists {
		return nil, fmt.Errorf("provider %q not found", id)
	}
	return spec.clone(), nil
}

// History returns copies of every stored version, oldest first.
func (m *Manager) History(id string) ([]*ProviderSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, exists := m.history[id]
	if !exists {
		return nil, fmt.Errorf("provider %q not found", id)
	}
	out := make([]*ProviderSpec, len(versions))
	for i, v := range versions {
		out[i] = v.clone()
	}
	return out, nil
}

// List returns copies of the current specs sorted by id.
func (m *Manager) List() []*ProviderSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ProviderSpec, 0, len(m.specs))
	for _, spec := range m.specs {
		out = append(out, spec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Probe runs the provider's health probe.
func (m *Manager) Probe(ctx context.Context, id string) error {
	provider, _, _, err := m.lookup(id)
	if err != nil {
		return err
	}
	return provider.Probe(ctx)
}

// Complete dispatches one completion to a specific provider through its
// rate limiter and retry policy. Rate-limit refusals return immediately
// with a retry-after hint; retries apply only to retriable provider
// errors.
func (m *Manager) Complete(ctx context.Context, id string, req CompletionRequest) (*CompletionResponse, error) {
	provider, spec, limiter, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if m.airGapped {
		if err := CheckAirGap(spec.ID, spec.Kind, spec.Endpoint); err != nil {
			return nil, err
		}
	}

	if ok, retryAfter := limiter.Acquire(); !ok {
		return nil, &ProviderError{
			Provider:   id,
			Code:       ErrCodeRateLimit,
			Message:    "provider rate limit exceeded",
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}

	policy := m.defaultRetry
	if spec.Retry != nil {
		policy = *spec.Retry
	}
	if req.Model == "" {
		req.Model = spec.Model
	}

	return sdk.Do(ctx, policy, retriableProviderError, func(ctx context.Context) (*CompletionResponse, error) {
		return provider.Complete(ctx, req)
	})
}

// CompleteForAgent dispatches through the agent's failover group when one
// exists, advancing past unhealthy providers transparently. Without a
// group the call goes to defaultProvider. The id of the provider that
// served (or last failed) is returned for cost attribution.
func (m *Manager) CompleteForAgent(ctx context.Context, agentID, defaultProvider string, req CompletionRequest) (*CompletionResponse, string, error) {
	m.mu.RLock()
	group := m.groups[agentID]
	m.mu.RUnlock()

	if group == nil {
		resp, err := m.Complete(ctx, defaultProvider, req)
		return resp, defaultProvider, err
	}

	tried := make(map[string]bool)
	var lastID string
	var lastErr error
	for {
		active := group.Active()
		if tried[active] {
			return nil, lastID, lastErr
		}
		tried[active] = true
		lastID = active

		resp, err := m.Complete(ctx, active, req)
		if err == nil {
			group.RecordSuccess(active)
			return resp, active, nil
		}
		lastErr = err

		if !failoverEligible(err) {
			return nil, active, err
		}
		rec := group.RecordFailure(active)
		if rec == nil {
			return nil, active, err
		}
		m.fireSwitch(agentID, rec)
	}
}

// RegisterGroup creates the failover group for an agent. Every member
// must already be a registered provider.
func (m *Manager) RegisterGroup(spec GroupSpec) error {
	group, err := NewFailoverGroup(spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[spec.AgentID]; exists {
		return fmt.Errorf("failover group for agent %q already exists", spec.AgentID)
	}
	for _, id := range group.Members() {
		if _, exists := m.specs[id]; !exists {
			return fmt.Errorf("failover group for agent %q: provider %q is not registered", spec.AgentID, id)
		}
	}
	m.groups[spec.AgentID] = group

	m.logger.Printf("Registered failover group for agent %s (primary %s, %d backups)",
		spec.AgentID, spec.Primary, len(spec.Backups))
	return nil
}

// RemoveGroup deletes an agent's failover group.
func (m *Manager) RemoveGroup(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[agentID]; !exists {
		return fmt.Errorf("no failover group for agent %q", agentID)
	}
	delete(m.groups, agentID)
	m.logger.Printf("Removed failover group for agent %s", agentID)
	return nil
}

// GroupStatus returns a snapshot of an agent's group for the admin API.
func (m *Manager) GroupStatus(agentID string) (*GroupStatus, error) {
	m.mu.RLock()
	group := m.groups[agentID]
	m.mu.RUnlock()
	if group == nil {
		return nil, fmt.Errorf("no failover group for agent %q", agentID)
	}
	return group.Status(), nil
}

// GroupStatuses returns snapshots of all groups sorted by agent id.
func (m *Manager) GroupStatuses() []*GroupStatus {
	m.mu.RLock()
	groups := make([]*FailoverGroup, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.RUnlock()

	out := make([]*GroupStatus, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// StartHealthChecks probes failover group members periodically until the
// context is cancelled. Probe outcomes drive the same health transitions
// as live traffic, and a recovered primary is restored when the group's
// policy allows.
func (m *Manager) StartHealthChecks(ctx context.Context, interval time.Duration) {
	m.logger.Printf("Starting provider health checks (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Println("Stopping provider health checks")
				return
			case <-ticker.C:
				m.runHealthChecks(ctx)
			}
		}
	}()
}

func (m *Manager) runHealthChecks(ctx context.Context) {
	m.mu.RLock()
	groups := make(map[string]*FailoverGroup, len(m.groups))
	for agentID, g := range m.groups {
		groups[agentID] = g
	}
	m.mu.RUnlock()

	for agentID, group := range groups {
		if !group.spec.HealthCheckEnabled {
			continue
		}
		for _, id := range group.Members() {
			provider, _, _, err := m.lookup(id)
			if err != nil {
				if rec := group.ProbeFailed(id); rec != nil {
					m.fireSwitch(agentID, rec)
				}
				continue
			}

			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = provider.Probe(probeCtx)
			cancel()

			var rec *SwitchRecord
			if err != nil {
				rec = group.ProbeFailed(id)
			} else {
				rec = group.ProbeSucceeded(id)
			}
			if rec != nil {
				m.fireSwitch(agentID, rec)
			}
		}
	}
}

// admit runs validation and, when air-gapped, the admissibility check.
func (m *Manager) admit(spec *ProviderSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if m.airGapped {
		return CheckAirGap(spec.ID, spec.Kind, spec.Endpoint)
	}
	return nil
}

// instantiate builds the adapter for a spec through the factory.
func (m *Manager) instantiate(ctx context.Context, spec ProviderSpec) (Provider, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("provider %q: no factory configured", spec.ID)
	}
	provider, err := m.factory(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", spec.ID, err)
	}
	return provider, nil
}

// install stores a spec as the current version. Callers hold m.mu.
func (m *Manager) install(spec *ProviderSpec, provider Provider, version int) {
	spec.Version = version
	spec.CreatedAt = time.Now().UTC()

	stored := spec.clone()
	m.specs[spec.ID] = stored
	m.history[spec.ID] = append(m.history[spec.ID], stored)
	m.providers[spec.ID] = provider

	limits := spec.RateLimits
	if limits.IsZero() {
		limits = m.defaultLimits
	}
	m.limiters[spec.ID] = sdk.NewLimiter(limits)
}

// lookup resolves the pieces needed for one dispatch.
func (m *Manager) lookup(id string) (Provider, *ProviderSpec, *sdk.Limiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	spec, exists := m.specs[id]
	if !exists {
		return nil, nil, nil, &ProviderError{
			Provider: id,
			Code:     ErrCodeUnavailable,
			Message:  fmt.Sprintf("provider %q is not registered", id),
		}
	}
	return m.providers[id], spec, m.limiters[id], nil
}

func (m *Manager) fireSwitch(agentID string, rec *SwitchRecord) {
	m.logger.Printf("Failover for agent %s: %s -> %s (%s)", agentID, rec.From, rec.To, rec.Reason)
	if m.switchHook != nil {
		m.switchHook(agentID, *rec)
	}
}

// retriableProviderError gates the retry loop: rate-limit refusals and
// policy blocks propagate immediately, as do context errors.
func retriableProviderError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case ErrCodeRateLimit, ErrCodeBlocked:
		return false
	}
	return perr.Retryable
}

// failoverEligible decides whether an error counts against a failover
// group. Rate-limit refusals and policy blocks surface to the caller
// without advancing the group; context errors likewise.
func failoverEligible(err error) bool {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case ErrCodeRateLimit, ErrCodeBlocked:
		return false
	}
	return true
}
