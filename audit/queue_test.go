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

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// failingStore rejects every batch until unblocked.
type failingStore struct {
	mu      sync.Mutex
	failing bool
	batches [][]*Event
}

func (s *failingStore) AppendBatch(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *failingStore) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	return nil, nil
}

func (s *failingStore) Close(ctx context.Context) error { return nil }

func newTestQueue(t *testing.T, store Store, size, workers int) (*Queue, string) {
	t.Helper()
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	q, err := NewQueue(QueueOptions{
		Store:        store,
		QueueSize:    size,
		Workers:      workers,
		FallbackPath: fallback,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q, fallback
}

func TestQueueAppendAndDrain(t *testing.T) {
	store := NewMemoryStore()
	q, _ := newTestQueue(t, store, 64, 2)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ev := NewEvent("analytics", ActionSQLQuery, StatusOK).
			WithSubject(fmt.Sprintf("call-%d", i))
		if err := q.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if store.Len() != 10 {
		t.Fatalf("store has %d events, want 10", store.Len())
	}

	events, err := store.Search(ctx, Filter{AgentID: "analytics", Action: ActionSQLQuery})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("search returned %d events, want 10", len(events))
	}
}

func TestQueueAppendAfterShutdown(t *testing.T) {
	q, _ := newTestQueue(t, NewMemoryStore(), 8, 1)
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := q.Append(context.Background(), NewEvent("a", ActionSQLQuery, StatusOK))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after shutdown = %v, want ErrClosed", err)
	}
}

func TestQueueFallbackOnStoreFailure(t *testing.T) {
	store := &failingStore{failing: true}
	q, fallback := newTestQueue(t, store, 8, 1)

	ev := NewEvent("analytics", ActionNLQuery, StatusError).WithDetail("kind", "execute")
	if err := q.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The event must have landed in the fallback file, not vanished.
	events := readFallback(t, fallback)
	if len(events) != 1 {
		t.Fatalf("fallback has %d events, want 1", len(events))
	}
	if events[0].EventID != ev.EventID {
		t.Fatalf("fallback event id = %q, want %q", events[0].EventID, ev.EventID)
	}
}

func TestQueueOverflowGoesToFallback(t *testing.T) {
	// Zero workers are not allowed, so block the single worker with a
	// failing store and saturate the one-slot buffer.
	store := &failingStore{failing: true}
	q, fallback := newTestQueue(t, store, 1, 1)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	overflowed := false
	for time.Now().Before(deadline) {
		_ = q.Append(ctx, NewEvent("a", ActionSQLQuery, StatusOK))
		if len(readFallback(t, fallback)) > 0 {
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("expected overflow events in the fallback file")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = q.Shutdown(shutdownCtx)
}

func readFallback(t *testing.T, path string) []*Event {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open fallback: %v", err)
	}
	defer func() { _ = file.Close() }()

	var events []*Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad fallback line: %v", err)
		}
		events = append(events, &e)
	}
	return events
}

func TestMemoryStoreFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []*Event{
		{EventID: "1", Timestamp: base, AgentID: "a", Action: ActionSQLQuery, Status: StatusOK},
		{EventID: "2", Timestamp: base.Add(time.Minute), AgentID: "a", Action: ActionSQLQuery, Status: StatusDenied},
		{EventID: "3", Timestamp: base.Add(2 * time.Minute), AgentID: "b", Action: ActionNLQuery, Status: StatusOK},
		{EventID: "4", Timestamp: base.Add(3 * time.Minute), AgentID: "", Action: ActionAuthFailed, Status: StatusError},
	}
	if err := store.AppendBatch(ctx, seed); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by agent", Filter{AgentID: "a"}, []string{"2", "1"}},
		{"by action", Filter{Action: ActionNLQuery}, []string{"3"}},
		{"by status", Filter{Status: StatusDenied}, []string{"2"}},
		{"by range", Filter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)}, []string{"3", "2"}},
		{"limit", Filter{Limit: 2}, []string{"4", "3"}},
		{"no match", Filter{AgentID: "missing"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Search(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].EventID != id {
					t.Errorf("event[%d] = %q, want %q", i, got[i].EventID, id)
				}
			}
		})
	}
}
