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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"axonflow/gateway/connectors/base"
)

// MockConnector is an in-memory Connector for tests. Responses are
// programmed per statement; unprogrammed statements return an empty
// result. Safe for concurrent use.
type MockConnector struct {
	BaseConnector

	results map[string]*base.QueryResult
	errors  map[string]error
	schema  *base.Schema
	calls   []string
	delay   time.Duration
	mu      sync.Mutex
}

// NewMockConnector creates a mock for the given driver kind.
func NewMockConnector(kind string) *MockConnector {
	m := &MockConnector{
		results: make(map[string]*base.QueryResult),
		errors:  make(map[string]error),
	}
	m.BaseConnector = *NewBaseConnector(kind)
	return m
}

// StubResult programs the result returned for a statement.
func (m *MockConnector) StubResult(statement string, result *base.QueryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[statement] = result
}

// StubError programs an error returned for a statement.
func (m *MockConnector) StubError(statement string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[statement] = err
}

// StubSchema programs the schema snapshot.
func (m *MockConnector) StubSchema(schema *base.Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schema = schema
}

// SetDelay makes every operation sleep, for timeout tests.
func (m *MockConnector) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns the statements seen, in order.
func (m *MockConnector) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Connect marks the mock connected without dialing anything.
func (m *MockConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	return m.BaseConnector.Connect(ctx, config)
}

func (m *MockConnector) run(ctx context.Context, op string, query *base.Query) (*base.QueryResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, query.Statement)
	delay := m.delay
	result, hasResult := m.results[query.Statement]
	err, hasErr := m.errors[query.Statement]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, base.NewConnectorError(m.Name(), op, "cancelled", ctx.Err())
		}
	}

	if hasErr {
		return nil, err
	}
	if hasResult {
		return result, nil
	}
	return &base.QueryResult{Columns: []string{}, Rows: []map[string]interface{}{}, Connector: m.Name()}, nil
}

// Query returns the programmed result for the statement.
func (m *MockConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if err := m.requireConnected("query"); err != nil {
		return nil, err
	}
	return m.run(ctx, "query", query)
}

// Execute returns the programmed result for the statement.
func (m *MockConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if err := m.requireConnected("execute"); err != nil {
		return nil, err
	}
	return m.run(ctx, "execute", query)
}

// DescribeSchema returns the programmed schema.
func (m *MockConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schema == nil {
		return &base.Schema{}, nil
	}
	return m.schema, nil
}

// RunContractTests exercises the lifecycle, metadata, and config
// behavior every driver must honor. Plugin authors call this from
// their own test file.
func RunContractTests(t *testing.T, newConnector func() base.Connector, config *base.ConnectorConfig) {
	t.Helper()

	t.Run("metadata before connect", func(t *testing.T) {
		c := newConnector()
		if c.Kind() == "" {
			t.Error("Kind() must be non-empty")
		}
		if c.Version() == "" {
			t.Error("Version() must be non-empty")
		}
		if len(c.Capabilities()) == 0 {
			t.Error("Capabilities() must be non-empty")
		}
	})

	t.Run("operations before connect fail", func(t *testing.T) {
		c := newConnector()
		ctx := context.Background()
		if _, err := c.Query(ctx, &base.Query{Statement: "SELECT 1"}); err == nil {
			t.Error("Query before Connect must fail")
		}
		if err := c.Ping(ctx); err == nil {
			t.Error("Ping before Connect must fail")
		}
	})

	t.Run("connect validates config", func(t *testing.T) {
		c := newConnector()
		if err := c.Connect(context.Background(), &base.ConnectorConfig{}); err == nil {
			t.Error("Connect with empty config must fail")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		c := newConnector()
		ctx := context.Background()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close before Connect returned %v", err)
		}
		if err := c.Close(ctx); err != nil {
			t.Errorf("second Close returned %v", err)
		}
	})

	if config != nil {
		t.Run("full lifecycle", func(t *testing.T) {
			c := newConnector()
			ctx := context.Background()
			if err := c.Connect(ctx, config); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer func() {
				if err := c.Close(ctx); err != nil {
					t.Errorf("Close failed: %v", err)
				}
			}()
			if err := c.Ping(ctx); err != nil {
				t.Errorf("Ping after Connect failed: %v", err)
			}
			if c.Name() != config.Name {
				t.Errorf("Name() = %q, want %q", c.Name(), config.Name)
			}
		})
	}
}

// TestConfig returns a minimal valid config for contract tests.
func TestConfig(kind string) *base.ConnectorConfig {
	return &base.ConnectorConfig{
		Name:      fmt.Sprintf("%s-test", kind),
		Kind:      kind,
		Endpoints: []string{"localhost:0"},
		Timeout:   5 * time.Second,
	}
}
