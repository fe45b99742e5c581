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
	"sync"
	"time"
)

// MemoryStore keeps records in memory. Sequence numbers start at 1 in
// insertion order, matching the Postgres store's bigserial cursor.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends a copy of the record.
func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	if record == nil {
		return ErrInvalidRecord
	}
	clone := *record
	s.mu.Lock()
	s.records = append(s.records, &clone)
	s.mu.Unlock()
	return nil
}

// StreamSince returns records with sequence > cursor in insertion order.
func (s *MemoryStore) StreamSince(_ context.Context, cursor int64, limit int) ([]*Record, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	next := cursor
	var out []*Record
	for i := int(cursor); i < len(s.records) && len(out) < limit; i++ {
		clone := *s.records[i]
		out = append(out, &clone)
		next = int64(i) + 1
	}
	return out, next, nil
}

// Aggregate rolls up records in [since, until).
func (s *MemoryStore) Aggregate(_ context.Context, since, until time.Time, agentID string) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := newAggregate()
	for _, r := range s.records {
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !r.Timestamp.Before(until) {
			continue
		}
		agg.add(r)
	}
	return agg, nil
}

// SumSince totals cost since the given time.
func (s *MemoryStore) SumSince(_ context.Context, since time.Time, agentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		total += r.CostUSD
	}
	return total, nil
}

// Close is a no-op.
func (s *MemoryStore) Close(_ context.Context) error { return nil }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
