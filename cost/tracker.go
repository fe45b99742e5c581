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

package cost

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Budget scopes.
const (
	ScopeGlobal   = "global"
	ScopePerAgent = "per_agent"
)

// Budget periods. BudgetCustom windows are PeriodDays long, aligned to
// the Unix epoch so every instance computes the same window edges.
const (
	BudgetDaily   = "daily"
	BudgetMonthly = "monthly"
	BudgetCustom  = "custom"
)

// Budget is one spend threshold evaluated on every recorded cost.
type Budget struct {
	Name         string
	ThresholdUSD float64
	Period       string // daily | monthly | custom
	PeriodDays   int    // custom only
	Scope        string // global | per_agent
	Sinks        []Alerter
}

// PeriodStart returns the start of the budget period containing now.
func (b *Budget) PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	switch b.Period {
	case BudgetDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case BudgetCustom:
		days := b.PeriodDays
		if days <= 0 {
			days = 1
		}
		window := time.Duration(days) * 24 * time.Hour
		return time.Unix(0, 0).UTC().Add(now.Sub(time.Unix(0, 0).UTC()) / window * window)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Validate checks the budget configuration.
func (b *Budget) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("budget name is required")
	}
	if b.ThresholdUSD <= 0 {
		return fmt.Errorf("budget %q: threshold must be positive", b.Name)
	}
	switch b.Period {
	case BudgetDaily, BudgetMonthly:
	case BudgetCustom:
		if b.PeriodDays <= 0 {
			return fmt.Errorf("budget %q: custom period requires period_days", b.Name)
		}
	default:
		return fmt.Errorf("budget %q: period %q is not recognized", b.Name, b.Period)
	}
	switch b.Scope {
	case ScopeGlobal, ScopePerAgent:
	default:
		return fmt.Errorf("budget %q: scope %q is not recognized", b.Name, b.Scope)
	}
	return nil
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Store   Store
	Pricing *Pricing
	Budgets []*Budget

	// SQLRatePerSecondUSD prices SQL-only calls by execution time. Zero
	// disables execution-time pricing.
	SQLRatePerSecondUSD float64

	Logger *log.Logger
}

// Tracker records immutable cost attributions and evaluates budgets.
// Alerts are edge-triggered: one notification per (budget, scope,
// period) crossing, re-armed when the period rolls over.
type Tracker struct {
	store   Store
	pricing *Pricing
	sqlRate float64
	logger  *log.Logger

	mu      sync.Mutex
	budgets []*Budget
	alerted map[string]bool      // budget|scope|periodStart → already notified
	periods map[string]time.Time // budget → newest period seen
}

// NewTracker validates the budgets and builds a Tracker. Budgets without
// sinks alert through the log.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cost tracker requires a store")
	}
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[COST] ", log.LstdFlags)
	}
	for _, b := range opts.Budgets {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if len(b.Sinks) == 0 {
			b.Sinks = []Alerter{NewLogAlerter(opts.Logger)}
		}
	}
	return &Tracker{
		store:   opts.Store,
		pricing: opts.Pricing,
		sqlRate: opts.SQLRatePerSecondUSD,
		logger:  opts.Logger,
		budgets: opts.Budgets,
		alerted: make(map[string]bool),
		periods: make(map[string]time.Time),
	}, nil
}

// PriceTokens computes the provider token cost for a record.
func (t *Tracker) PriceTokens(provider, model string, tokensIn, tokensOut int) float64 {
	return t.pricing.CostFor(provider, model, tokensIn, tokensOut)
}

// PriceExecution computes the execution-time cost for a SQL call.
func (t *Tracker) PriceExecution(executionMS int64) float64 {
	if t.sqlRate <= 0 || executionMS <= 0 {
		return 0
	}
	return float64(executionMS) / 1000 * t.sqlRate
}

// Record persists one attribution and re-evaluates matching budgets.
// Cost is derived from tokens when the caller left it zero. Budget
// evaluation failures never fail the record.
func (t *Tracker) Record(ctx context.Context, record *Record) error {
	if record == nil || record.CallID == "" || record.AgentID == "" || record.Operation == "" {
		return ErrInvalidRecord
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.CostUSD == 0 && record.ProviderID != "" {
		record.CostUSD = t.PriceTokens(record.ProviderID, record.Model,
			record.PromptTokens, record.CompletionTokens)
	}

	if err := t.store.Save(ctx, record); err != nil {
		return fmt.Errorf("failed to save cost record: %w", err)
	}

	t.evaluateBudgets(ctx, record)
	return nil
}

// Aggregate rolls up spend for the period, optionally scoped to one
// agent. Aggregation reads the immutable records; there is no write-side
// rollup to contend on.
func (t *Tracker) Aggregate(ctx context.Context, period Period, agentID string) (*Aggregate, error) {
	now := time.Now().UTC()
	return t.store.Aggregate(ctx, period.Start(now), now.Add(time.Second), agentID)
}

// StreamSince pages records for asynchronous export. A zero cursor
// starts from the beginning.
func (t *Tracker) StreamSince(ctx context.Context, cursor int64, limit int) ([]*Record, int64, error) {
	if limit <= 0 {
		limit = 500
	}
	return t.store.StreamSince(ctx, cursor, limit)
}

// Close releases the store.
func (t *Tracker) Close(ctx context.Context) error {
	return t.store.Close(ctx)
}

func (t *Tracker) evaluateBudgets(ctx context.Context, record *Record) {
	t.mu.Lock()
	budgets := t.budgets
	t.mu.Unlock()

	for _, b := range budgets {
		agentID := ""
		if b.Scope == ScopePerAgent {
			agentID = record.AgentID
		}
		periodStart := b.PeriodStart(record.Timestamp)
		t.pruneRolledOff(b.Name, periodStart)

		spent, err := t.store.SumSince(ctx, periodStart, agentID)
		if err != nil {
			t.logger.Printf("budget %q: failed to read spend: %v", b.Name, err)
			continue
		}
		if spent < b.ThresholdUSD {
			continue
		}

		key := alertKey(b.Name, agentID, periodStart)
		t.mu.Lock()
		already := t.alerted[key]
		if !already {
			t.alerted[key] = true
		}
		t.mu.Unlock()
		if already {
			continue
		}

		event := AlertEvent{
			Budget:       b.Name,
			Scope:        b.Scope,
			AgentID:      agentID,
			ThresholdUSD: b.ThresholdUSD,
			SpentUSD:     spent,
			PeriodStart:  periodStart,
			Timestamp:    time.Now().UTC(),
		}
		for _, sink := range b.Sinks {
			if err := sink.Alert(ctx, event); err != nil {
				t.logger.Printf("budget %q: alert delivery failed: %v", b.Name, err)
			}
		}
	}
}

// pruneRolledOff drops edge-trigger state for periods the budget has
// moved past, so the map stays bounded on a long-running process. Keys
// for the newest period are kept; older ones can no longer suppress.
func (t *Tracker) pruneRolledOff(budget string, periodStart time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, seen := t.periods[budget]
	if seen && !periodStart.After(cur) {
		return
	}
	t.periods[budget] = periodStart
	if !seen {
		return
	}
	prefix := budget + "|"
	keep := "|" + periodStart.Format(time.RFC3339)
	for key := range t.alerted {
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, keep) {
			delete(t.alerted, key)
		}
	}
}

func alertKey(budget, agentID string, periodStart time.Time) string {
	return strings.Join([]string{budget, agentID, periodStart.Format(time.RFC3339)}, "|")
}
