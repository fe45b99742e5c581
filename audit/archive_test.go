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
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memArchiver records stored segments, optionally failing first.
type memArchiver struct {
	mu       sync.Mutex
	failLeft int
	objects  map[string][]byte
}

func newMemArchiver() *memArchiver {
	return &memArchiver{objects: make(map[string][]byte)}
}

func (a *memArchiver) Store(ctx context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failLeft > 0 {
		a.failLeft--
		return errors.New("upload failed")
	}
	a.objects[key] = data
	return nil
}

func (a *memArchiver) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for k := range a.objects {
		keys = append(keys, k)
	}
	return keys
}

func decodeSegment(t *testing.T, data []byte) []*Event {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	var events []*Event
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad segment line: %v", err)
		}
		events = append(events, &e)
	}
	return events
}

func TestShipperFlushWritesSegment(t *testing.T) {
	archiver := newMemArchiver()
	shipper := NewShipper(archiver, "audit", 100, nil)

	ts := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	shipper.Add(context.Background(), []*Event{
		{EventID: "e1", Timestamp: ts, AgentID: "a", Action: ActionSQLQuery, Status: StatusOK},
		{EventID: "e2", Timestamp: ts.Add(time.Minute), AgentID: "a", Action: ActionSQLQuery, Status: StatusOK},
	})
	if len(archiver.keys()) != 0 {
		t.Fatal("segment shipped before flush")
	}

	if err := shipper.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	keys := archiver.keys()
	if len(keys) != 1 {
		t.Fatalf("got %d segments, want 1", len(keys))
	}
	if !strings.HasPrefix(keys[0], "audit/2026/03/01/14/") {
		t.Fatalf("segment key %q not hour-bucketed", keys[0])
	}
	if !strings.HasSuffix(keys[0], ".jsonl.gz") {
		t.Fatalf("segment key %q missing suffix", keys[0])
	}

	events := decodeSegment(t, archiver.objects[keys[0]])
	if len(events) != 2 || events[0].EventID != "e1" {
		t.Fatalf("segment decoded to %d events", len(events))
	}
}

func TestShipperRollsOnHourAndSize(t *testing.T) {
	archiver := newMemArchiver()
	shipper := NewShipper(archiver, "audit", 2, nil)

	ts := time.Date(2026, 3, 1, 14, 59, 0, 0, time.UTC)
	shipper.Add(context.Background(), []*Event{
		{EventID: "e1", Timestamp: ts, Action: ActionSQLQuery, Status: StatusOK},
		{EventID: "e2", Timestamp: ts.Add(30 * time.Second), Action: ActionSQLQuery, Status: StatusOK},
		// Crosses into the next hour: forces a second segment.
		{EventID: "e3", Timestamp: ts.Add(2 * time.Minute), Action: ActionSQLQuery, Status: StatusOK},
	})
	_ = shipper.Flush(context.Background())

	keys := archiver.keys()
	if len(keys) != 2 {
		t.Fatalf("got %d segments, want 2", len(keys))
	}
	var hours []string
	for _, k := range keys {
		hours = append(hours, k[:len("audit/2006/01/02/15")])
	}
	if hours[0] == hours[1] {
		t.Fatalf("both segments in hour bucket %q", hours[0])
	}
}

func TestShipperKeepsEventsOnUploadFailure(t *testing.T) {
	archiver := newMemArchiver()
	archiver.failLeft = 1
	shipper := NewShipper(archiver, "audit", 100, nil)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	shipper.Add(context.Background(), []*Event{
		{EventID: "e1", Timestamp: ts, Action: ActionSQLQuery, Status: StatusOK},
	})

	if err := shipper.Flush(context.Background()); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if err := shipper.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	keys := archiver.keys()
	if len(keys) != 1 {
		t.Fatalf("got %d segments, want 1", len(keys))
	}
	if events := decodeSegment(t, archiver.objects[keys[0]]); len(events) != 1 {
		t.Fatalf("segment lost events: %d", len(events))
	}
}
