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
	"fmt"
	"sync"
	"time"
)

// DefaultFailureThreshold is the consecutive-failure count at which a
// provider is marked unhealthy when the group does not set one.
const DefaultFailureThreshold = 3

// Switch reasons recorded in a group's history.
const (
	SwitchReasonThreshold = "threshold_reached"
	SwitchReasonRestored  = "primary_restored"
)

// GroupSpec configures a failover group for one agent.
type GroupSpec struct {
	// AgentID is the agent whose provider calls this group covers.
	AgentID string `json:"agent_id"`

	// Primary is the preferred provider id.
	Primary string `json:"primary_provider_id"`

	// Backups are tried in order when higher-precedence providers are
	// unhealthy.
	Backups []string `json:"ordered_backups"`

	// HealthCheckEnabled opts the group into periodic probes.
	HealthCheckEnabled bool `json:"health_check_enabled"`

	// AutoFailoverEnabled allows the group to advance the active
	// provider when the threshold is reached. When false, failures
	// surface to the caller without switching.
	AutoFailoverEnabled bool `json:"auto_failover_enabled"`

	// AutoRestorePrimary switches back to the primary when a probe
	// finds it healthy again after a failover.
	AutoRestorePrimary bool `json:"auto_restore_primary"`

	// ConsecutiveFailureThreshold is the failure count that marks a
	// provider unhealthy. Zero uses DefaultFailureThreshold.
	ConsecutiveFailureThreshold int `json:"consecutive_failure_threshold"`
}

// SwitchRecord is one append-only entry in a group's switch history.
type SwitchRecord struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
}

// MemberStatus reports one provider's health within a group.
type MemberStatus struct {
	ProviderID          string       `json:"provider_id"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// GroupStatus is a point-in-time snapshot of a group for the admin API.
type GroupStatus struct {
	AgentID string         `json:"agent_id"`
	Primary string         `json:"primary_provider_id"`
	Backups []string       `json:"ordered_backups"`
	Active  string         `json:"current_active_provider_id"`
	Members []MemberStatus `json:"members"`
	History []SwitchRecord `json:"switch_history"`
}

type memberState struct {
	status              HealthStatus
	consecutiveFailures int
}

// FailoverGroup tracks provider health for one agent and selects the
// active provider. Transitions are serialized under the group's mutex;
// the active provider is always the primary or one of the backups.
type FailoverGroup struct {
	mu        sync.Mutex
	spec      GroupSpec
	threshold int
	order     []string // precedence: primary first, then backups
	members   map[string]*memberState
	active    string
	history   []SwitchRecord
}

// NewFailoverGroup validates the spec and builds a group with every
// member healthy and the primary active.
func NewFailoverGroup(spec GroupSpec) (*FailoverGroup, error) {
	if spec.AgentID == "" {
		return nil, fmt.Errorf("failover group: agent id is required")
	}
	if spec.Primary == "" {
		return nil, fmt.Errorf("failover group for agent %q: primary provider is required", spec.AgentID)
	}

	threshold := spec.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	order := make([]string, 0, 1+len(spec.Backups))
	members := make(map[string]*memberState, 1+len(spec.Backups))
	for _, id := range append([]string{spec.Primary}, spec.Backups...) {
		if id == "" {
			return nil, fmt.Errorf("failover group for agent %q: empty backup provider id", spec.AgentID)
		}
		if _, dup := members[id]; dup {
			return nil, fmt.Errorf("failover group for agent %q: provider %q listed twice", spec.AgentID, id)
		}
		members[id] = &memberState{status: HealthStatusHealthy}
		order = append(order, id)
	}

	specCopy := spec
	specCopy.Backups = append([]string(nil), spec.Backups...)

	return &FailoverGroup{
		spec:      specCopy,
		threshold: threshold,
		order:     order,
		members:   members,
		active:    spec.Primary,
	}, nil
}

// Active returns the provider currently receiving this agent's calls.
func (g *FailoverGroup) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Members returns the provider ids in precedence order.
func (g *FailoverGroup) Members() []string {
	return append([]string(nil), g.order...)
}

// RecordSuccess resets the provider's failure streak and marks it
// healthy.
func (g *FailoverGroup) RecordSuccess(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.members[id]; ok {
		m.status = HealthStatusHealthy
		m.consecutiveFailures = 0
	}
}

// RecordFailure registers a terminal failure of the provider. When the
// consecutive-failure threshold is reached the provider becomes
// unhealthy and, if it was active and auto failover is enabled, the
// group advances to the best remaining member. The returned record is
// non-nil when a switch happened.
func (g *FailoverGroup) RecordFailure(id string) *SwitchRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[id]
	if !ok {
		return nil
	}

	m.consecutiveFailures++
	if m.consecutiveFailures < g.threshold {
		if m.status == HealthStatusHealthy {
			m.status = HealthStatusDegraded
		}
		return nil
	}

	m.status = HealthStatusUnhealthy
	if id != g.active || !g.spec.AutoFailoverEnabled {
		return nil
	}

	next, ok := g.bestAvailable()
	if !ok {
		return nil
	}
	return g.switchTo(next, SwitchReasonThreshold)
}

// ProbeSucceeded marks the provider healthy. If the primary recovered
// while a backup was active and the group restores automatically, the
// active provider switches back; the returned record is non-nil in that
// case.
func (g *FailoverGroup) ProbeSucceeded(id string) *SwitchRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[id]
	if !ok {
		return nil
	}
	m.status = HealthStatusHealthy
	m.consecutiveFailures = 0

	if id == g.spec.Primary && g.active != g.spec.Primary && g.spec.AutoRestorePrimary {
		return g.switchTo(g.spec.Primary, SwitchReasonRestored)
	}
	return nil
}

// ProbeFailed registers a failed probe; it follows the same transition
// rules as a terminal call failure.
func (g *FailoverGroup) ProbeFailed(id string) *SwitchRecord {
	return g.RecordFailure(id)
}

// StatusOf returns the provider's health within this group.
func (g *FailoverGroup) StatusOf(id string) HealthStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.members[id]; ok {
		return m.status
	}
	return HealthStatusUnknown
}

// History returns a copy of the switch history, oldest first.
func (g *FailoverGroup) History() []SwitchRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SwitchRecord(nil), g.history...)
}

// Status returns a snapshot for the admin API.
func (g *FailoverGroup) Status() *GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]MemberStatus, 0, len(g.order))
	for _, id := range g.order {
		m := g.members[id]
		members = append(members, MemberStatus{
			ProviderID:          id,
			Status:              m.status,
			ConsecutiveFailures: m.consecutiveFailures,
		})
	}
	return &GroupStatus{
		AgentID: g.spec.AgentID,
		Primary: g.spec.Primary,
		Backups: append([]string(nil), g.spec.Backups...),
		Active:  g.active,
		Members: members,
		History: append([]SwitchRecord(nil), g.history...),
	}
}

// bestAvailable picks the highest-precedence member that is not
// unhealthy. Callers hold g.mu.
func (g *FailoverGroup) bestAvailable() (string, bool) {
	for _, id := range g.order {
		if g.members[id].status != HealthStatusUnhealthy {
			return id, true
		}
	}
	return "", false
}

// switchTo moves the active provider and appends the history entry.
// Callers hold g.mu.
func (g *FailoverGroup) switchTo(to, reason string) *SwitchRecord {
	if to == g.active {
		return nil
	}
	rec := SwitchRecord{
		At:     time.Now().UTC(),
		From:   g.active,
		To:     to,
		Reason: reason,
	}
	g.active = to
	g.history = append(g.history, rec)
	return &rec
}
