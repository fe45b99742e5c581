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

// Package audit is the gateway's append-only audit trail. Events are
// written through a Logger, stored behind a Store (memory, Postgres, or
// JSONL file), and optionally shipped to object storage as compressed
// segments. Events are never mutated: a revoked agent's history stays in
// the trail for compliance.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of event outcomes.
type Status string

const (
	StatusOK      Status = "ok"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
	StatusBlocked Status = "blocked"
)

// Action kinds emitted by the gateway. The set is open for callers but
// these cover every pipeline and admin path.
const (
	ActionSQLQuery        = "sql_query"
	ActionNLQuery         = "nl_query"
	ActionAuthFailed      = "auth_failed"
	ActionAgentRegistered = "agent_registered"
	ActionAgentRevoked    = "agent_revoked"
	ActionBindingUpdated  = "binding_updated"
	ActionKeyRotated      = "key_rotated"
	ActionPermissionSet   = "permission_set"
	ActionDBFailover      = "db_failover"
	ActionProviderSwitch  = "provider_switch"
)

// Event is one audit record. Append-only: once written, no field changes.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Action    string                 `json:"action_kind"`
	Status    Status                 `json:"status"`
	Subject   string                 `json:"subject,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp. Callers fill
// the rest.
func NewEvent(agentID, action string, status Status) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Action:    action,
		Status:    status,
	}
}

// WithSubject sets the subject and returns the event for chaining during
// construction. After the event is appended it must not be touched.
func (e *Event) WithSubject(subject string) *Event {
	e.Subject = subject
	return e
}

// WithDetail adds one detail field.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Filter narrows a Search. Zero values match everything.
type Filter struct {
	AgentID string
	Action  string
	Status  Status
	From    time.Time
	To      time.Time
	Limit   int
}

func (f Filter) matches(e *Event) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Logger is what the pipeline writes to. Append is the only mutator.
type Logger interface {
	Append(ctx context.Context, event *Event) error
	Search(ctx context.Context, filter Filter) ([]*Event, error)
}

// Store persists events. AppendBatch exists so the queue can flush many
// events in one round-trip; single appends go through it with a batch of
// one.
type Store interface {
	AppendBatch(ctx context.Context, events []*Event) error
	Search(ctx context.Context, filter Filter) ([]*Event, error)
	Close(ctx context.Context) error
}

// ErrClosed is returned by writes after shutdown.
var ErrClosed = errors.New("audit: logger is closed")
