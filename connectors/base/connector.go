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

package base

import (
	"context"
	"time"
)

// Driver kind names for the built-in connectors. Plugin drivers register
// under the "plugin:" namespace and must not collide with these.
const (
	KindPostgres  = "postgres"
	KindMySQL     = "mysql"
	KindMongo     = "mongo"
	KindBigQuery  = "bigquery"
	KindSnowflake = "snowflake"

	// PluginPrefix namespaces externally registered driver kinds,
	// e.g. "plugin:cassandra".
	PluginPrefix = "plugin:"
)

// Connector is the contract every database driver implements. The
// gateway never talks to a driver library directly; it goes through a
// Connector obtained from the factory registry and held in an agent's
// pool.
type Connector interface {
	// Lifecycle
	Connect(ctx context.Context, config *ConnectorConfig) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	// Query runs a read statement (select / find).
	Query(ctx context.Context, query *Query) (*QueryResult, error)

	// Execute runs a write statement (insert / update / delete / ddl).
	Execute(ctx context.Context, query *Query) (*QueryResult, error)

	// DescribeSchema returns the tables and columns visible through this
	// connection. The result is unfiltered; permission filtering is the
	// caller's concern.
	DescribeSchema(ctx context.Context) (*Schema, error)

	// DefaultSchema reports the namespace unqualified table names
	// resolve against (e.g. "public" for Postgres, the configured
	// database for MySQL).
	DefaultSchema() string

	// Metadata
	Name() string           // connection name from the agent's binding
	Kind() string           // driver kind (postgres, mysql, mongo, ...)
	Version() string        // driver implementation version
	Capabilities() []string // query, execute, schema, transactions, cancel
}

// ConnectorConfig holds everything a driver needs to open a connection.
// Endpoints is ordered; the factory dials the active endpoint chosen by
// the pool's failover state, which passes it in via ActiveEndpoint.
type ConnectorConfig struct {
	Name           string                 `json:"name"`            // connection name from the binding
	Kind           string                 `json:"kind"`            // driver kind
	Endpoints      []string               `json:"endpoints"`       // ordered endpoint list (host:port or URL)
	ActiveEndpoint int                    `json:"active_endpoint"` // index into Endpoints to dial
	Credentials    map[string]string      `json:"credentials"`     // username, password, keys (already decrypted)
	Database       string                 `json:"database"`        // database / dataset / keyspace name
	DefaultSchema  string                 `json:"default_schema"`  // namespace for unqualified names
	Options        map[string]interface{} `json:"options"`         // driver-specific options
	Timeout        time.Duration          `json:"timeout"`         // dial + statement timeout (default 30s)
	AgentID        string                 `json:"agent_id"`        // owning agent, for isolation and logs
}

// Endpoint returns the endpoint the driver should dial.
func (c *ConnectorConfig) Endpoint() string {
	if len(c.Endpoints) == 0 {
		return ""
	}
	if c.ActiveEndpoint < 0 || c.ActiveEndpoint >= len(c.Endpoints) {
		return c.Endpoints[0]
	}
	return c.Endpoints[c.ActiveEndpoint]
}

// StringOption reads a string from Options with a default.
func (c *ConnectorConfig) StringOption(key, def string) string {
	if v, ok := c.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// IntOption reads an int from Options with a default. JSON-decoded
// options arrive as float64.
func (c *ConnectorConfig) IntOption(key string, def int) int {
	if v, ok := c.Options[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// BoolOption reads a bool from Options with a default.
func (c *ConnectorConfig) BoolOption(key string, def bool) bool {
	if v, ok := c.Options[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Query represents one statement to run against a driver. For SQL
// drivers Statement is SQL text and Args are positional parameters.
// For document drivers Statement is a JSON document (see document.go).
type Query struct {
	Statement string        `json:"statement"`
	Args      []interface{} `json:"args,omitempty"`
	AsDict    bool          `json:"as_dict"` // rows as maps (true) or positional values (false)
	Limit     int           `json:"limit,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"` // overrides the config timeout
}

// QueryResult is the uniform result shape for both reads and writes.
// Rows is populated when AsDict was true, RowValues otherwise; both
// share Columns ordering. For writes RowCount is the affected count.
type QueryResult struct {
	Columns     []string                 `json:"columns"`
	Rows        []map[string]interface{} `json:"rows,omitempty"`
	RowValues   [][]interface{}          `json:"row_values,omitempty"`
	RowCount    int                      `json:"row_count"`
	ExecutionMS int64                    `json:"execution_ms"`
	Connector   string                   `json:"connector"`

	// Filled in by the pipeline, not the driver.
	GeneratedSQL  string   `json:"generated_sql,omitempty"`
	TablesTouched []string `json:"tables_touched,omitempty"`
}

// Schema is the snapshot returned by DescribeSchema.
type Schema struct {
	DefaultSchema string      `json:"default_schema"`
	Tables        []TableInfo `json:"tables"`
}

// TableInfo describes one table, dataset member, or collection.
// Name is fully qualified where the driver has namespaces.
type TableInfo struct {
	Name    string       `json:"name"`
	Kind    string       `json:"kind"` // table, view, collection
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes one column or document field.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table returns the named table info, or nil.
func (s *Schema) Table(name string) *TableInfo {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableNames returns the fully qualified table names in order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i := range s.Tables {
		names[i] = s.Tables[i].Name
	}
	return names
}

// ConnectorError represents a failure inside a driver operation.
// Transient marks errors worth an internal retry or endpoint advance
// (dial failures, dropped connections); execution failures are not
// transient.
type ConnectorError struct {
	ConnectorName string
	Op            string // connect, ping, query, execute, schema, close
	Message       string
	Transient     bool
	Cause         error
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.ConnectorName + "." + e.Op + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.ConnectorName + "." + e.Op + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a non-transient ConnectorError.
func NewConnectorError(connectorName, op, message string, cause error) *ConnectorError {
	return &ConnectorError{
		ConnectorName: connectorName,
		Op:            op,
		Message:       message,
		Cause:         cause,
	}
}

// NewTransientError creates a ConnectorError eligible for internal
// retry and endpoint failover.
func NewTransientError(connectorName, op, message string, cause error) *ConnectorError {
	return &ConnectorError{
		ConnectorName: connectorName,
		Op:            op,
		Message:       message,
		Transient:     true,
		Cause:         cause,
	}
}
