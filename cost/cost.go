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

// Package cost attributes spend to gateway calls. Every pipeline call
// writes one immutable Record; aggregates are computed on read from the
// records, and budgets are re-evaluated on every write with
// edge-triggered alerts.
package cost

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Operation kinds attributed on records.
const (
	OpSQLQuery   = "sql_query"
	OpNLQuery    = "nl_query"
	OpGeneration = "generation"
)

// Record is one immutable cost attribution. SQL-only calls carry no
// provider fields; NL calls carry both token and execution cost.
type Record struct {
	CallID           string    `json:"call_id"`
	Timestamp        time.Time `json:"timestamp"`
	AgentID          string    `json:"agent_id"`
	ProviderID       string    `json:"provider_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	CostUSD          float64   `json:"cost_usd"`
	Operation        string    `json:"operation_kind"`
}

// NewRecord builds a record for a call with the timestamp set.
func NewRecord(callID, agentID, operation string) *Record {
	if callID == "" {
		callID = uuid.NewString()
	}
	return &Record{
		CallID:    callID,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Operation: operation,
	}
}

// TotalTokens returns prompt plus completion tokens.
func (r *Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Period selects an aggregation window ending now.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodAll     Period = "all"
)

// Start returns the UTC start of the period containing now. PeriodAll
// returns the zero time.
func (p Period) Start(now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Aggregate is the read-side rollup over a set of records.
type Aggregate struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	RecordCount  int                `json:"record_count"`
	ByProvider   map[string]float64 `json:"by_provider"`
	ByOperation  map[string]float64 `json:"by_operation"`
	ByDay        map[string]float64 `json:"by_day"` // keyed YYYY-MM-DD
}

func newAggregate() *Aggregate {
	return &Aggregate{
		ByProvider:  make(map[string]float64),
		ByOperation: make(map[string]float64),
		ByDay:       make(map[string]float64),
	}
}

func (a *Aggregate) add(r *Record) {
	a.TotalCostUSD += r.CostUSD
	a.RecordCount++
	if r.ProviderID != "" {
		a.ByProvider[r.ProviderID] += r.CostUSD
	}
	a.ByOperation[r.Operation] += r.CostUSD
	a.ByDay[r.Timestamp.UTC().Format("2006-01-02")] += r.CostUSD
}

// Store persists records. Records are immutable once saved; the cursor
// returned by StreamSince is a store-assigned monotone sequence for
// asynchronous export.
type Store interface {
	Save(ctx context.Context, record *Record) error

	// StreamSince returns up to limit records with sequence > cursor in
	// sequence order, together with the cursor to resume from.
	StreamSince(ctx context.Context, cursor int64, limit int) ([]*Record, int64, error)

	// Aggregate rolls up records in [since, until). A zero since means
	// all history; empty agentID means all agents.
	Aggregate(ctx context.Context, since, until time.Time, agentID string) (*Aggregate, error)

	// SumSince totals cost_usd since the given time, optionally scoped
	// to one agent.
	SumSince(ctx context.Context, since time.Time, agentID string) (float64, error)

	Close(ctx context.Context) error
}

// ErrInvalidRecord is returned for records missing required fields.
var ErrInvalidRecord = errors.New("cost: invalid record")
