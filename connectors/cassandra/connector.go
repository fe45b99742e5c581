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

// Package cassandra is a plugin connector for Apache Cassandra built on the
// connector SDK. It is the reference implementation for third-party plugins:
// lifecycle, validation, and metrics come from sdk.BaseConnector, and only
// the CQL-specific pieces (session management, query execution, schema
// discovery) are implemented here.
package cassandra

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/connectors/sdk"
)

// Kind is the registry key for this plugin. Plugin connectors always carry
// the "plugin:" prefix so they cannot shadow built-in drivers.
const Kind = base.PluginPrefix + "cassandra"

const (
	// DefaultConsistency is used when the config does not set one.
	DefaultConsistency = "QUORUM"

	// DefaultNumConns is the number of connections per Cassandra host.
	DefaultNumConns = 2
)

// CassandraConnector executes CQL against a Cassandra cluster. All endpoints
// in the config are handed to the gocql cluster, which balances and fails
// over between hosts on its own.
type CassandraConnector struct {
	*sdk.BaseConnector

	cluster *gocql.ClusterConfig
	session *gocql.Session
}

// NewCassandraConnector returns an unconnected Cassandra plugin connector.
func NewCassandraConnector() *CassandraConnector {
	c := &CassandraConnector{
		BaseConnector: sdk.NewBaseConnector(Kind),
	}
	c.SetVersion("1.2.0")
	c.SetCapabilities([]string{"query", "execute", "schema", "consistency_levels"})
	c.SetValidator(sdk.NewDefaultConfigValidator(
		nil,
		map[string]interface{}{
			"consistency": DefaultConsistency,
			"num_conns":   DefaultNumConns,
		},
	))
	c.SetHooks(&sdk.LifecycleHooks{
		OnConnect: c.openSession,
		OnClose:   c.closeSession,
	})
	return c
}

// openSession runs inside BaseConnector.Connect after validation. It must
// not call back into BaseConnector accessors; the config argument is the
// already-validated configuration with defaults applied.
func (c *CassandraConnector) openSession(ctx context.Context, config *base.ConnectorConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	if config.Database == "" {
		return fmt.Errorf("database (keyspace) is required")
	}

	cluster := gocql.NewCluster(config.Endpoints...)
	cluster.Keyspace = config.Database
	cluster.Consistency = parseConsistency(config.StringOption("consistency", DefaultConsistency))
	cluster.Timeout = config.Timeout
	cluster.ConnectTimeout = config.Timeout
	cluster.NumConns = config.IntOption("num_conns", DefaultNumConns)

	username := config.Credentials["username"]
	password := config.Credentials["password"]
	if username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: username,
			Password: password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return base.NewTransientError(config.Name, "connect",
			fmt.Sprintf("failed to reach cluster %v", config.Endpoints), err)
	}

	c.cluster = cluster
	c.session = session
	return nil
}

// closeSession tears down the gocql session. gocql waits for in-flight
// requests, so there is nothing to drain here.
func (c *CassandraConnector) closeSession(_ context.Context) error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.cluster = nil
	return nil
}

// Ping checks liveness with a query against the local system table.
func (c *CassandraConnector) Ping(ctx context.Context) error {
	if c.session == nil {
		return base.NewTransientError(c.errName(), "ping", "not connected", nil)
	}
	var version string
	err := c.session.Query("SELECT release_version FROM system.local").
		WithContext(ctx).Scan(&version)
	if err != nil {
		return base.NewTransientError(c.errName(), "ping", "cluster unreachable", err)
	}
	return nil
}

// Query runs a CQL read and returns the result set. Rows are fetched with
// MapScan; positional results are projected back out in column order when
// the caller did not ask for dictionaries.
func (c *CassandraConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	start := time.Now()
	result, err := c.runQuery(ctx, query)
	c.Metrics().RecordQuery(time.Since(start), err)
	return result, err
}

func (c *CassandraConnector) runQuery(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.session == nil {
		return nil, base.NewTransientError(c.errName(), "query", "not connected", nil)
	}

	qctx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	start := time.Now()
	iter := c.session.Query(query.Statement, query.Args...).WithContext(qctx).Iter()

	columns := make([]string, 0, len(iter.Columns()))
	for _, col := range iter.Columns() {
		columns = append(columns, col.Name)
	}

	result := &base.QueryResult{Columns: columns, Connector: c.Name()}
	for {
		if query.Limit > 0 && result.RowCount >= query.Limit {
			break
		}
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}
		if query.AsDict {
			result.Rows = append(result.Rows, row)
		} else {
			values := make([]interface{}, len(columns))
			for i, name := range columns {
				values[i] = row[name]
			}
			result.RowValues = append(result.RowValues, values)
		}
		result.RowCount++
	}
	if err := iter.Close(); err != nil {
		return nil, base.NewConnectorError(c.errName(), "query", "query failed", err)
	}

	result.ExecutionMS = time.Since(start).Milliseconds()
	return result, nil
}

// Execute runs a CQL write. Cassandra does not report affected row counts;
// a successful write is reported as one row so callers can distinguish it
// from an empty read.
func (c *CassandraConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	start := time.Now()
	result, err := c.runExecute(ctx, query)
	c.Metrics().RecordExecute(time.Since(start), err)
	return result, err
}

func (c *CassandraConnector) runExecute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.session == nil {
		return nil, base.NewTransientError(c.errName(), "execute", "not connected", nil)
	}

	qctx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	start := time.Now()
	if err := c.session.Query(query.Statement, query.Args...).WithContext(qctx).Exec(); err != nil {
		return nil, base.NewConnectorError(c.errName(), "execute", "statement failed", err)
	}

	return &base.QueryResult{
		RowCount:    1,
		ExecutionMS: time.Since(start).Milliseconds(),
		Connector:   c.Name(),
	}, nil
}

// DescribeSchema reads table and column metadata for the configured keyspace
// from system_schema. Partition and clustering key columns are reported as
// non-nullable.
func (c *CassandraConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	if c.session == nil {
		return nil, base.NewTransientError(c.errName(), "schema", "not connected", nil)
	}

	config := c.Config()
	keyspace := config.Database

	qctx, cancel := c.opContext(ctx, 0)
	defer cancel()

	tables := make(map[string]*base.TableInfo)

	iter := c.session.Query(
		"SELECT table_name FROM system_schema.tables WHERE keyspace_name = ?", keyspace,
	).WithContext(qctx).Iter()
	var tableName string
	for iter.Scan(&tableName) {
		tables[tableName] = &base.TableInfo{Name: tableName, Kind: "table"}
	}
	if err := iter.Close(); err != nil {
		return nil, base.NewConnectorError(c.errName(), "schema", "failed to list tables", err)
	}

	iter = c.session.Query(
		"SELECT table_name, column_name, type, kind FROM system_schema.columns WHERE keyspace_name = ?", keyspace,
	).WithContext(qctx).Iter()
	var columnName, columnType, columnKind string
	for iter.Scan(&tableName, &columnName, &columnType, &columnKind) {
		table, ok := tables[tableName]
		if !ok {
			continue
		}
		table.Columns = append(table.Columns, base.ColumnInfo{
			Name:     columnName,
			Type:     columnType,
			Nullable: columnKind == "regular",
		})
	}
	if err := iter.Close(); err != nil {
		return nil, base.NewConnectorError(c.errName(), "schema", "failed to list columns", err)
	}

	schema := &base.Schema{DefaultSchema: c.DefaultSchema()}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schema.Tables = append(schema.Tables, *tables[name])
	}
	return schema, nil
}

// DefaultSchema is the keyspace. Cassandra has no schema level below the
// keyspace, so the config override and the database name are the same thing.
func (c *CassandraConnector) DefaultSchema() string {
	config := c.Config()
	if config == nil {
		return ""
	}
	if config.DefaultSchema != "" {
		return config.DefaultSchema
	}
	return config.Database
}

func (c *CassandraConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		if config := c.Config(); config != nil && config.Timeout > 0 {
			timeout = config.Timeout
		} else {
			timeout = 30 * time.Second
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *CassandraConnector) errName() string {
	if name := c.Name(); name != "" {
		return name
	}
	return "cassandra"
}

// parseConsistency maps a config string to a gocql consistency level.
// Unrecognized values fall back to QUORUM rather than failing the connect.
func parseConsistency(level string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.Quorum
	}
}
