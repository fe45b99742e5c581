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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter captures a call that failed terminally at execution or
// provider dispatch, so an operator can replay or inspect it.
type DeadLetter struct {
	Ref       string    `json:"ref"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	RequestID string    `json:"request_id"`
	Kind      ErrorKind `json:"kind"`
	Statement string    `json:"statement,omitempty"`
	Message   string    `json:"message"`
}

// DeadLetterSink persists dead letters and returns the reference handed
// back to the caller in the error report.
type DeadLetterSink interface {
	Write(ctx context.Context, letter *DeadLetter) (string, error)
}

// MemoryDeadLetterSink keeps letters in memory, for tests.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []*DeadLetter
}

func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{}
}

func (s *MemoryDeadLetterSink) Write(_ context.Context, letter *DeadLetter) (string, error) {
	if letter.Ref == "" {
		letter.Ref = uuid.NewString()
	}
	s.mu.Lock()
	s.letters = append(s.letters, letter)
	s.mu.Unlock()
	return letter.Ref, nil
}

// Letters returns a snapshot of everything written.
func (s *MemoryDeadLetterSink) Letters() []*DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DeadLetter(nil), s.letters...)
}

// FileDeadLetterSink appends letters as JSONL, one object per line,
// synced per write so a crash loses at most the line being written.
type FileDeadLetterSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileDeadLetterSink(path string) (*FileDeadLetterSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	return &FileDeadLetterSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileDeadLetterSink) Write(_ context.Context, letter *DeadLetter) (string, error) {
	if letter.Ref == "" {
		letter.Ref = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(letter); err != nil {
		return "", fmt.Errorf("failed to write dead letter: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync dead letters: %w", err)
	}
	return letter.Ref, nil
}

func (s *FileDeadLetterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
