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

package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"axonflow/gateway/connectors/base"
)

const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 2
	DefaultConnMaxLifetime = 30 * time.Minute
	DefaultTimeout         = 60 * time.Second

	defaultSchemaName = "PUBLIC"
)

// keepAlive is pointed at by the driver Params map, which takes string
// pointers as values.
var keepAlive = "true"

// SnowflakeConnector implements the gateway Connector interface for
// Snowflake warehouses through the gosnowflake driver.
type SnowflakeConnector struct {
	config *base.ConnectorConfig
	db     *sql.DB
	logger *log.Logger
}

// NewSnowflakeConnector creates a new Snowflake connector instance.
func NewSnowflakeConnector() *SnowflakeConnector {
	return &SnowflakeConnector{
		logger: log.New(os.Stdout, "[DRIVER_SNOWFLAKE] ", log.LstdFlags),
	}
}

// Connect builds the Snowflake DSN and opens a database/sql pool.
func (c *SnowflakeConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	dsn, err := buildDSN(config)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to build DSN", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to open connection", err)
	}

	db.SetMaxOpenConns(config.IntOption("max_open_conns", DefaultMaxOpenConns))
	db.SetMaxIdleConns(config.IntOption("max_idle_conns", DefaultMaxIdleConns))

	lifetime := DefaultConnMaxLifetime
	if raw := config.StringOption("conn_max_lifetime", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			lifetime = d
		}
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, configTimeout(config))
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return base.NewTransientError(config.Name, "connect",
			fmt.Sprintf("failed to reach account %s", config.StringOption("account", "")), err)
	}

	c.config = config
	c.db = db
	c.logger.Printf("Connected to Snowflake %s (account=%s, database=%s, warehouse=%s)",
		config.Name, config.StringOption("account", ""), config.Database,
		config.StringOption("warehouse", ""))

	return nil
}

// buildDSN maps the connector config onto sf.Config and lets the
// driver assemble the DSN. client_session_keep_alive stays on so the
// session token survives idle periods longer than four hours.
func buildDSN(config *base.ConnectorConfig) (string, error) {
	account := config.StringOption("account", "")
	if account == "" {
		return "", fmt.Errorf("account option is required")
	}
	if config.Database == "" {
		return "", fmt.Errorf("database name is required")
	}

	schema := config.DefaultSchema
	if schema == "" {
		schema = defaultSchemaName
	}

	sfConfig := sf.Config{
		Account:   account,
		User:      config.Credentials["username"],
		Password:  config.Credentials["password"],
		Database:  config.Database,
		Schema:    schema,
		Warehouse: config.StringOption("warehouse", ""),
		Role:      config.StringOption("role", ""),
		Region:    config.StringOption("region", ""),
		Params:    map[string]*string{"client_session_keep_alive": &keepAlive},
	}

	// A configured endpoint overrides the account host, e.g. for
	// PrivateLink deployments.
	if endpoint := config.Endpoint(); endpoint != "" {
		sfConfig.Host = endpoint
	}

	return sf.DSN(&sfConfig)
}

// Close releases the connection pool. Safe to call more than once.
func (c *SnowflakeConnector) Close(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		return base.NewConnectorError(c.name(), "close", "failed to close connection", err)
	}

	c.logger.Printf("Disconnected from Snowflake %s", c.name())
	c.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (c *SnowflakeConnector) Ping(ctx context.Context) error {
	if c.db == nil {
		return base.NewTransientError(c.name(), "ping", "database not connected", nil)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return base.NewTransientError(c.name(), "ping", "ping failed", err)
	}
	return nil
}

// Query executes a read statement and scans the result set.
func (c *SnowflakeConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.db == nil {
		return nil, base.NewConnectorError(c.name(), "query", "database not connected", nil)
	}

	queryCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.db.QueryContext(queryCtx, query.Statement, query.Args...)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "query execution failed", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "failed to get columns", err)
	}

	result := &base.QueryResult{
		Columns:   columns,
		Connector: c.name(),
	}

	for rows.Next() {
		if query.Limit > 0 && result.RowCount >= query.Limit {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, base.NewConnectorError(c.name(), "query", "failed to scan row", err)
		}

		for i, val := range values {
			if b, ok := val.([]byte); ok {
				values[i] = string(b)
			}
		}

		if query.AsDict {
			row := make(map[string]interface{}, len(columns))
			for i, col := range columns {
				row[col] = values[i]
			}
			result.Rows = append(result.Rows, row)
		} else {
			result.RowValues = append(result.RowValues, values)
		}
		result.RowCount++
	}

	if err := rows.Err(); err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "error during row iteration", err)
	}

	result.ExecutionMS = time.Since(start).Milliseconds()
	c.logger.Printf("Query executed: %d rows in %dms", result.RowCount, result.ExecutionMS)

	return result, nil
}

// Execute runs a write statement. RowCount carries the affected count.
func (c *SnowflakeConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.db == nil {
		return nil, base.NewConnectorError(c.name(), "execute", "database not connected", nil)
	}

	execCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.db.ExecContext(execCtx, query.Statement, query.Args...)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "statement execution failed", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		c.logger.Printf("Warning: could not get rows affected: %v", err)
		affected = 0
	}

	elapsed := time.Since(start).Milliseconds()
	c.logger.Printf("Statement executed: %d rows affected in %dms", affected, elapsed)

	return &base.QueryResult{
		RowCount:    int(affected),
		ExecutionMS: elapsed,
		Connector:   c.name(),
	}, nil
}

// DefaultSchema reports the schema unqualified table names resolve
// against. Snowflake folds unquoted identifiers to uppercase, so the
// default default is PUBLIC.
func (c *SnowflakeConnector) DefaultSchema() string {
	if c.config != nil && c.config.DefaultSchema != "" {
		return c.config.DefaultSchema
	}
	return defaultSchemaName
}

// Name returns the connection name from the binding.
func (c *SnowflakeConnector) Name() string {
	return c.name()
}

// Kind returns the driver kind.
func (c *SnowflakeConnector) Kind() string {
	return base.KindSnowflake
}

// Version returns the driver implementation version.
func (c *SnowflakeConnector) Version() string {
	return "1.0.0"
}

// Capabilities returns the list of supported capabilities.
func (c *SnowflakeConnector) Capabilities() []string {
	return []string{
		"query",
		"execute",
		"schema",
		"warehouses",
		"connection_pooling",
	}
}

func (c *SnowflakeConnector) name() string {
	if c.config == nil {
		return "snowflake"
	}
	return c.config.Name
}

func (c *SnowflakeConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 {
		timeout = configTimeout(c.config)
	}
	return context.WithTimeout(ctx, timeout)
}

func configTimeout(config *base.ConnectorConfig) time.Duration {
	if config != nil && config.Timeout > 0 {
		return config.Timeout
	}
	return DefaultTimeout
}
