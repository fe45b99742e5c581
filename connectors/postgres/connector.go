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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"axonflow/gateway/connectors/base"
)

// Connection pool defaults, overridable through ConnectorConfig.Options.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultSSLMode         = "require"
	DefaultTimeout         = 30 * time.Second

	defaultSchemaName = "public"
)

// PostgresConnector implements the gateway Connector interface for
// PostgreSQL using database/sql with the lib/pq driver.
type PostgresConnector struct {
	config *base.ConnectorConfig
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresConnector creates a new PostgreSQL connector instance.
func NewPostgresConnector() *PostgresConnector {
	return &PostgresConnector{
		logger: log.New(os.Stdout, "[DRIVER_POSTGRES] ", log.LstdFlags),
	}
}

// Connect opens a database/sql pool against the active endpoint and
// verifies it with a ping. A ping failure is transient so the caller
// can advance to the next endpoint.
func (c *PostgresConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	dsn, err := buildDSN(config)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "invalid configuration", err)
	}

	db, err := sql.Open("postgres", dsn)
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
			fmt.Sprintf("failed to reach %s", config.Endpoint()), err)
	}

	c.config = config
	c.db = db
	c.logger.Printf("Connected to PostgreSQL %s at %s (database=%s)",
		config.Name, config.Endpoint(), config.Database)

	return nil
}

// Close releases the connection pool. Safe to call more than once.
func (c *PostgresConnector) Close(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		return base.NewConnectorError(c.name(), "close", "failed to close connection", err)
	}

	c.logger.Printf("Disconnected from PostgreSQL %s", c.name())
	c.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (c *PostgresConnector) Ping(ctx context.Context) error {
	if c.db == nil {
		return base.NewTransientError(c.name(), "ping", "database not connected", nil)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return base.NewTransientError(c.name(), "ping", "ping failed", err)
	}
	return nil
}

// Query executes a read statement and scans the result set. Rows is
// populated when query.AsDict is set, RowValues otherwise; Columns is
// always filled in driver order.
func (c *PostgresConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
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

		// lib/pq returns text and varchar columns as []byte.
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
func (c *PostgresConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
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
// against.
func (c *PostgresConnector) DefaultSchema() string {
	if c.config != nil && c.config.DefaultSchema != "" {
		return c.config.DefaultSchema
	}
	return defaultSchemaName
}

// Name returns the connection name from the binding.
func (c *PostgresConnector) Name() string {
	return c.name()
}

// Kind returns the driver kind.
func (c *PostgresConnector) Kind() string {
	return base.KindPostgres
}

// Version returns the driver implementation version.
func (c *PostgresConnector) Version() string {
	return "1.0.0"
}

// Capabilities returns the list of supported capabilities.
func (c *PostgresConnector) Capabilities() []string {
	return []string{
		"query",
		"execute",
		"schema",
		"transactions",
		"prepared_statements",
		"connection_pooling",
	}
}

func (c *PostgresConnector) name() string {
	if c.config == nil {
		return "postgres"
	}
	return c.config.Name
}

// opContext applies the per-query timeout, falling back to the
// configured connector timeout.
func (c *PostgresConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
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

// buildDSN assembles a postgres:// URL from the connector config. An
// endpoint that is already a full URL is passed through untouched so
// externally managed DSNs keep working.
func buildDSN(config *base.ConnectorConfig) (string, error) {
	endpoint := config.Endpoint()
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint configured")
	}

	if strings.HasPrefix(endpoint, "postgres://") || strings.HasPrefix(endpoint, "postgresql://") {
		return endpoint, nil
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   endpoint,
		Path:   "/" + config.Database,
	}

	// url.UserPassword handles special characters in credentials;
	// query escaping is the wrong encoding for userinfo.
	user := config.Credentials["username"]
	pass := config.Credentials["password"]
	if user != "" {
		if pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}

	q := url.Values{}
	q.Set("sslmode", config.StringOption("sslmode", DefaultSSLMode))
	if config.DefaultSchema != "" && config.DefaultSchema != defaultSchemaName {
		q.Set("search_path", config.DefaultSchema)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
