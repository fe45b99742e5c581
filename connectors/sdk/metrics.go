// Copyright 2025 AxonFlow
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

package sdk

import (
	"sync"
	"time"
)

// ConnectorMetrics tracks per-driver operation counts and latencies.
// Snapshot-based; the gateway's Prometheus collectors read these
// counters rather than each driver registering its own metrics.
type ConnectorMetrics struct {
	kind string

	queries        int64
	queryErrors    int64
	queryDuration  time.Duration
	executes       int64
	executeErrors  int64
	executeDuration time.Duration
	connects       int64
	disconnects    int64

	mu sync.Mutex
}

// NewConnectorMetrics creates a metrics recorder for the driver kind.
func NewConnectorMetrics(kind string) *ConnectorMetrics {
	return &ConnectorMetrics{kind: kind}
}

// RecordQuery records one read operation.
func (m *ConnectorMetrics) RecordQuery(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	m.queryDuration += duration
	if err != nil {
		m.queryErrors++
	}
}

// RecordExecute records one write operation.
func (m *ConnectorMetrics) RecordExecute(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executes++
	m.executeDuration += duration
	if err != nil {
		m.executeErrors++
	}
}

// RecordConnect records a successful connect.
func (m *ConnectorMetrics) RecordConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
}

// RecordDisconnect records a close.
func (m *ConnectorMetrics) RecordDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Kind            string        `json:"kind"`
	Queries         int64         `json:"queries"`
	QueryErrors     int64         `json:"query_errors"`
	AvgQueryTime    time.Duration `json:"avg_query_time"`
	Executes        int64         `json:"executes"`
	ExecuteErrors   int64         `json:"execute_errors"`
	AvgExecuteTime  time.Duration `json:"avg_execute_time"`
	Connects        int64         `json:"connects"`
	Disconnects     int64         `json:"disconnects"`
}

// Snapshot returns a copy of the current counters.
func (m *ConnectorMetrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MetricsSnapshot{
		Kind:          m.kind,
		Queries:       m.queries,
		QueryErrors:   m.queryErrors,
		Executes:      m.executes,
		ExecuteErrors: m.executeErrors,
		Connects:      m.connects,
		Disconnects:   m.disconnects,
	}
	if m.queries > 0 {
		snap.AvgQueryTime = m.queryDuration / time.Duration(m.queries)
	}
	if m.executes > 0 {
		snap.AvgExecuteTime = m.executeDuration / time.Duration(m.executes)
	}
	return snap
}

// Reset zeros all counters. Used between test cases.
func (m *ConnectorMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = 0
	m.queryErrors = 0
	m.queryDuration = 0
	m.executes = 0
	m.executeErrors = 0
	m.executeDuration = 0
	m.connects = 0
	m.disconnects = 0
}
