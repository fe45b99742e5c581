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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queueWriteRetries = 3
	queueBatchLimit   = 64
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Store receives the events. Required.
	Store Store

	// QueueSize bounds the in-flight buffer. Default 1024.
	QueueSize int

	// Workers drain the buffer concurrently. Default 2.
	Workers int

	// FallbackPath is the JSONL file that catches events when the store
	// stays down or the buffer overflows. Required: the durability
	// contract is that an accepted event is never lost.
	FallbackPath string

	// Shipper, when set, receives every successfully stored event for
	// archival to object storage.
	Shipper *Shipper

	// Logger for operational messages. Defaults to a [AUDIT] prefix
	// logger on stdout.
	Logger *log.Logger
}

// Queue is the asynchronous Logger used in production: Append enqueues,
// workers batch events into the store, and anything that cannot be
// stored lands in the fallback file so no accepted event is ever lost.
type Queue struct {
	store    Store
	queue    chan *Event
	workers  int
	shipper  *Shipper
	logger   *log.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool

	fallbackMu   sync.Mutex
	fallbackFile *os.File

	queued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewQueue opens the fallback file and starts the workers.
func NewQueue(opts QueueOptions) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("audit queue requires a store")
	}
	if opts.FallbackPath == "" {
		return nil, fmt.Errorf("audit queue requires a fallback path")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[AUDIT] ", log.LstdFlags)
	}

	fallbackFile, err := os.OpenFile(opts.FallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file: %w", err)
	}

	q := &Queue{
		store:        opts.Store,
		queue:        make(chan *Event, opts.QueueSize),
		workers:      opts.Workers,
		shipper:      opts.Shipper,
		logger:       opts.Logger,
		fallbackFile: fallbackFile,
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	q.logger.Printf("audit queue started: %d workers, buffer %d, fallback %s",
		opts.Workers, opts.QueueSize, opts.FallbackPath)
	return q, nil
}

// Append enqueues one event. When the buffer is full the event goes
// straight to the fallback file on the calling goroutine rather than
// blocking the pipeline on the sink.
func (q *Queue) Append(ctx context.Context, event *Event) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.queue <- event:
		q.queued.Add(1)
		return nil
	default:
		q.failed.Add(1)
		return q.writeFallback(event)
	}
}

// Search reads through to the store. In-flight events may not be visible
// yet; callers needing read-your-write should search after Shutdown or
// use a synchronous store directly.
func (q *Queue) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	return q.store.Search(ctx, filter)
}

// Shutdown stops accepting events, drains the buffer through the store,
// and flushes the shipper. If ctx expires first, everything still queued
// is written to the fallback file before returning.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.queue)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		// Workers did not finish; save what remains.
		for event := range q.queue {
			if ferr := q.writeFallback(event); ferr != nil {
				q.logger.Printf("failed to save event %s to fallback: %v", event.EventID, ferr)
			}
		}
		err = ctx.Err()
	}

	if q.shipper != nil {
		if serr := q.shipper.Close(ctx); serr != nil && err == nil {
			err = serr
		}
	}

	q.fallbackMu.Lock()
	_ = q.fallbackFile.Close()
	q.fallbackMu.Unlock()

	q.logger.Printf("audit queue shutdown: processed=%d failed=%d",
		q.processed.Load(), q.failed.Load())
	return err
}

// Stats reports queue counters for metrics.
func (q *Queue) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued":    q.queued.Load(),
		"processed": q.processed.Load(),
		"failed":    q.failed.Load(),
		"pending":   len(q.queue),
	}
}

// Depth reports the number of buffered events.
func (q *Queue) Depth() int { return len(q.queue) }

func (q *Queue) worker() {
	defer q.wg.Done()

	for event := range q.queue {
		batch := []*Event{event}
		// Take whatever else is immediately available, up to the batch
		// limit, so bursts flush in one store round-trip.
	drain:
		for len(batch) < queueBatchLimit {
			select {
			case next, ok := <-q.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		q.flush(batch)
	}
}

func (q *Queue) flush(batch []*Event) {
	ctx := context.Background()

	var err error
	for attempt := 0; attempt < queueWriteRetries; attempt++ {
		if err = q.store.AppendBatch(ctx, batch); err == nil {
			q.processed.Add(uint64(len(batch)))
			if q.shipper != nil {
				q.shipper.Add(ctx, batch)
			}
			return
		}
		time.Sleep(time.Millisecond * time.Duration(100*(attempt+1)))
	}

	q.failed.Add(uint64(len(batch)))
	q.logger.Printf("store rejected %d event(s) after %d attempts, writing fallback: %v",
		len(batch), queueWriteRetries, err)
	for _, event := range batch {
		if ferr := q.writeFallback(event); ferr != nil {
			q.logger.Printf("failed to write event %s to fallback: %v", event.EventID, ferr)
		}
	}
}

func (q *Queue) writeFallback(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	q.fallbackMu.Lock()
	defer q.fallbackMu.Unlock()
	if _, err := fmt.Fprintf(q.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write fallback: %w", err)
	}
	return q.fallbackFile.Sync()
}
