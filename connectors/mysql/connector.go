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

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"axonflow/gateway/connectors/base"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultConnMaxIdleTime is the default maximum idle time for connections
	DefaultConnMaxIdleTime = 5 * time.Minute
	// DefaultTimeout is the default query timeout
	DefaultTimeout = 30 * time.Second
)

// MySQLConnector implements the gateway Connector interface for MySQL
// 5.7+ and 8.0+ databases using database/sql with go-sql-driver.
type MySQLConnector struct {
	config *base.ConnectorConfig
	db     *sql.DB
	logger *log.Logger
}

// NewMySQLConnector creates a new MySQL connector instance.
func NewMySQLConnector() *MySQLConnector {
	return &MySQLConnector{
		logger: log.New(os.Stdout, "[DRIVER_MYSQL] ", log.LstdFlags),
	}
}

// Connect establishes a pooled connection to MySQL.
func (c *MySQLConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	dsn, err := buildDSN(config)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to build DSN", err)
	}

	db, err := sql.Open("mysql", dsn)
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

	idleTime := DefaultConnMaxIdleTime
	if raw := config.StringOption("conn_max_idle_time", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			idleTime = d
		}
	}
	db.SetConnMaxIdleTime(idleTime)

	pingCtx, cancel := context.WithTimeout(ctx, configTimeout(config))
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return base.NewTransientError(config.Name, "connect",
			fmt.Sprintf("failed to reach %s", config.Endpoint()), err)
	}

	c.config = config
	c.db = db
	c.logger.Printf("Connected to MySQL %s at %s (database=%s)",
		config.Name, config.Endpoint(), config.Database)

	return nil
}

// Close releases the connection pool. Safe to call more than once.
func (c *MySQLConnector) Close(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		return base.NewConnectorError(c.name(), "close", "failed to close connection", err)
	}

	c.logger.Printf("Disconnected from MySQL %s", c.name())
	c.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (c *MySQLConnector) Ping(ctx context.Context) error {
	if c.db == nil {
		return base.NewTransientError(c.name(), "ping", "database not connected", nil)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return base.NewTransientError(c.name(), "ping", "ping failed", err)
	}
	return nil
}

// Query executes a read statement and scans the result set.
func (c *MySQLConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
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

		// go-sql-driver returns text columns as []byte when server-side
		// prepared statements are in use.
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
func (c *MySQLConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
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

// DefaultSchema reports the namespace unqualified names resolve
// against. For MySQL that is the connected database.
func (c *MySQLConnector) DefaultSchema() string {
	if c.config == nil {
		return ""
	}
	if c.config.DefaultSchema != "" {
		return c.config.DefaultSchema
	}
	return c.config.Database
}

// Name returns the connection name from the binding.
func (c *MySQLConnector) Name() string {
	return c.name()
}

// Kind returns the driver kind.
func (c *MySQLConnector) Kind() string {
	return base.KindMySQL
}

// Version returns the driver implementation version.
func (c *MySQLConnector) Version() string {
	return "1.0.0"
}

// Capabilities returns the list of supported capabilities.
func (c *MySQLConnector) Capabilities() []string {
	return []string{
		"query",
		"execute",
		"schema",
		"transactions",
		"prepared_statements",
		"connection_pooling",
	}
}

func (c *MySQLConnector) name() string {
	if c.config == nil {
		return "mysql"
	}
	return c.config.Name
}

func (c *MySQLConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
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

// buildDSN constructs the go-sql-driver DSN
// (username:password@tcp(host:port)/database?params) with production
// defaults. multiStatements stays off so one call is one statement.
func buildDSN(config *base.ConnectorConfig) (string, error) {
	endpoint := config.Endpoint()
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint configured")
	}
	if config.Database == "" {
		return "", fmt.Errorf("database name is required")
	}

	username := config.Credentials["username"]
	password := config.Credentials["password"]

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", username, password, endpoint, config.Database)

	params := []string{
		"parseTime=true", // DATE/DATETIME scan into time.Time
		"loc=UTC",
		"charset=utf8mb4",
		"collation=utf8mb4_unicode_ci",
		"timeout=10s",
		"readTimeout=30s",
		"writeTimeout=30s",
		"multiStatements=false",
		"interpolateParams=false", // server-side prepared statements
	}

	if tls := config.StringOption("tls", ""); tls != "" {
		params = append(params, "tls="+tls)
	}

	if custom, ok := config.Options["params"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(custom))
		for k := range custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			params = append(params, fmt.Sprintf("%s=%v", k, custom[k]))
		}
	}

	return dsn + "?" + strings.Join(params, "&"), nil
}
