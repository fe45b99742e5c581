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
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Archiver writes one finished segment to long-term storage. Implemented
// for S3, GCS, and Azure Blob.
type Archiver interface {
	Store(ctx context.Context, key string, data []byte) error
}

const defaultSegmentLimit = 1000

// Shipper batches stored events into compressed JSONL segments and hands
// them to an Archiver. Segments roll on the hour or when full; object
// keys are hour-bucketed so retention jobs can expire whole prefixes.
type Shipper struct {
	archiver Archiver
	prefix   string
	limit    int
	logger   *log.Logger

	mu      sync.Mutex
	pending []*Event
	hour    time.Time
}

// NewShipper creates a Shipper. segmentLimit <= 0 uses the default.
func NewShipper(archiver Archiver, prefix string, segmentLimit int, logger *log.Logger) *Shipper {
	if segmentLimit <= 0 {
		segmentLimit = defaultSegmentLimit
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[AUDIT-ARCHIVE] ", log.LstdFlags)
	}
	return &Shipper{
		archiver: archiver,
		prefix:   prefix,
		limit:    segmentLimit,
		logger:   logger,
	}
}

// Add buffers stored events, shipping a segment whenever the hour rolls
// over or the buffer fills. A failed upload keeps the events buffered
// for the next attempt.
func (s *Shipper) Add(ctx context.Context, events []*Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		hour := e.Timestamp.UTC().Truncate(time.Hour)
		if len(s.pending) > 0 && !hour.Equal(s.hour) {
			s.shipLocked(ctx)
		}
		s.hour = hour
		s.pending = append(s.pending, e)
		if len(s.pending) >= s.limit {
			s.shipLocked(ctx)
		}
	}
}

// Flush ships whatever is buffered.
func (s *Shipper) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipLocked(ctx)
}

// Close flushes and releases the shipper.
func (s *Shipper) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

func (s *Shipper) shipLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	data, err := encodeSegment(s.pending)
	if err != nil {
		s.logger.Printf("failed to encode audit segment: %v", err)
		return err
	}

	key := s.segmentKey(s.hour)
	if err := s.archiver.Store(ctx, key, data); err != nil {
		s.logger.Printf("failed to ship audit segment %s (%d events, retrying with next batch): %v",
			key, len(s.pending), err)
		return err
	}

	s.logger.Printf("shipped audit segment %s (%d events)", key, len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

func (s *Shipper) segmentKey(hour time.Time) string {
	return path.Join(s.prefix, hour.Format("2006/01/02/15"),
		fmt.Sprintf("%s.jsonl.gz", uuid.NewString()))
}

func encodeSegment(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
