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

package bigquery

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"axonflow/gateway/connectors/base"
)

// DefaultTimeout is the default query timeout.
const DefaultTimeout = 60 * time.Second

// BigQueryConnector implements the gateway Connector interface for
// Google BigQuery. The binding names one dataset, which acts as the
// default schema for unqualified table names.
type BigQueryConnector struct {
	config  *base.ConnectorConfig
	client  *bigquery.Client
	dataset string
	logger  *log.Logger
}

// NewBigQueryConnector creates a new BigQuery connector instance.
func NewBigQueryConnector() *BigQueryConnector {
	return &BigQueryConnector{
		logger: log.New(os.Stdout, "[DRIVER_BIGQUERY] ", log.LstdFlags),
	}
}

// Connect creates the BigQuery client and verifies the bound dataset
// exists. Credentials may be a service account JSON blob, a file path,
// or application default credentials when neither is set.
func (c *BigQueryConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	projectID := config.StringOption("project_id", "")
	if projectID == "" {
		return base.NewConnectorError(config.Name, "connect", "project_id option is required", nil)
	}
	if config.Database == "" {
		return base.NewConnectorError(config.Name, "connect", "dataset name is required", nil)
	}

	var opts []option.ClientOption
	if credFile := config.Credentials["credentials_file"]; credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	} else if credJSON := config.Credentials["credentials_json"]; credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	// An endpoint is only set for emulators; production traffic goes
	// to the public API.
	if endpoint := config.Endpoint(); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to create BigQuery client", err)
	}
	client.Location = config.StringOption("location", "")

	verifyCtx, cancel := context.WithTimeout(ctx, configTimeout(config))
	defer cancel()

	if _, err := client.Dataset(config.Database).Metadata(verifyCtx); err != nil {
		_ = client.Close()
		return base.NewTransientError(config.Name, "connect",
			fmt.Sprintf("failed to verify dataset %s", config.Database), err)
	}

	c.config = config
	c.client = client
	c.dataset = config.Database

	c.logger.Printf("Connected to BigQuery %s (project=%s, dataset=%s)",
		config.Name, projectID, config.Database)

	return nil
}

// Close releases the BigQuery client. Safe to call more than once.
func (c *BigQueryConnector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Close(); err != nil {
		return base.NewConnectorError(c.name(), "close", "failed to close client", err)
	}

	c.logger.Printf("Disconnected from BigQuery %s", c.name())
	c.client = nil
	return nil
}

// Ping verifies the dataset is still reachable.
func (c *BigQueryConnector) Ping(ctx context.Context) error {
	if c.client == nil {
		return base.NewTransientError(c.name(), "ping", "client not connected", nil)
	}
	if _, err := c.client.Dataset(c.dataset).Metadata(ctx); err != nil {
		return base.NewTransientError(c.name(), "ping", "dataset unreachable", err)
	}
	return nil
}

// Query runs a read statement through a query job and drains the row
// iterator. The bound dataset is the default dataset, so unqualified
// table names resolve against it.
func (c *BigQueryConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "query", "client not connected", nil)
	}

	queryCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	q := c.buildQuery(query)

	start := time.Now()
	it, err := q.Read(queryCtx)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "query execution failed", err)
	}

	result := &base.QueryResult{Connector: c.name()}

	for {
		if query.Limit > 0 && result.RowCount >= query.Limit {
			break
		}

		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, base.NewConnectorError(c.name(), "query", "failed to read row", err)
		}

		// Schema is available once the first page has been fetched.
		if result.Columns == nil {
			result.Columns = schemaColumns(it.Schema)
		}

		values := make([]interface{}, len(row))
		for i, v := range row {
			values[i] = fromBigQueryValue(v)
		}

		if query.AsDict {
			rowMap := make(map[string]interface{}, len(values))
			for i, col := range result.Columns {
				if i < len(values) {
					rowMap[col] = values[i]
				}
			}
			result.Rows = append(result.Rows, rowMap)
		} else {
			result.RowValues = append(result.RowValues, values)
		}
		result.RowCount++
	}

	if result.Columns == nil {
		result.Columns = schemaColumns(it.Schema)
	}

	result.ExecutionMS = time.Since(start).Milliseconds()
	c.logger.Printf("Query executed: %d rows in %dms", result.RowCount, result.ExecutionMS)

	return result, nil
}

// Execute runs a DML statement as a job and waits for completion.
// RowCount carries the affected row count from the job statistics.
func (c *BigQueryConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "execute", "client not connected", nil)
	}

	execCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	q := c.buildQuery(query)

	start := time.Now()
	job, err := q.Run(execCtx)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "failed to start job", err)
	}

	status, err := job.Wait(execCtx)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "job did not complete", err)
	}
	if err := status.Err(); err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "job failed", err)
	}

	affected := 0
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			affected = int(qs.NumDMLAffectedRows)
		}
	}

	elapsed := time.Since(start).Milliseconds()
	c.logger.Printf("Statement executed: %d rows affected in %dms", affected, elapsed)

	return &base.QueryResult{
		RowCount:    affected,
		ExecutionMS: elapsed,
		Connector:   c.name(),
	}, nil
}

// DefaultSchema reports the bound dataset.
func (c *BigQueryConnector) DefaultSchema() string {
	if c.config == nil {
		return ""
	}
	if c.config.DefaultSchema != "" {
		return c.config.DefaultSchema
	}
	return c.config.Database
}

// Name returns the connection name from the binding.
func (c *BigQueryConnector) Name() string {
	return c.name()
}

// Kind returns the driver kind.
func (c *BigQueryConnector) Kind() string {
	return base.KindBigQuery
}

// Version returns the driver implementation version.
func (c *BigQueryConnector) Version() string {
	return "1.0.0"
}

// Capabilities returns the list of supported capabilities.
func (c *BigQueryConnector) Capabilities() []string {
	return []string{
		"query",
		"execute",
		"schema",
		"standard_sql",
	}
}

func (c *BigQueryConnector) name() string {
	if c.config == nil {
		return "bigquery"
	}
	return c.config.Name
}

func (c *BigQueryConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
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

// buildQuery assembles a query job with positional parameters and the
// bound dataset as default.
func (c *BigQueryConnector) buildQuery(query *base.Query) *bigquery.Query {
	q := c.client.Query(query.Statement)
	q.DefaultDatasetID = c.dataset
	for _, arg := range query.Args {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Value: arg})
	}
	return q
}

func schemaColumns(schema bigquery.Schema) []string {
	columns := make([]string, len(schema))
	for i, field := range schema {
		columns[i] = field.Name
	}
	return columns
}

// fromBigQueryValue converts BigQuery values to JSON-serializable Go
// types. NUMERIC comes back as *big.Rat, records as nested value maps,
// and DATE/TIME/DATETIME as civil types that stringify cleanly.
func fromBigQueryValue(v bigquery.Value) interface{} {
	switch val := v.(type) {
	case []bigquery.Value:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = fromBigQueryValue(item)
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = fromBigQueryValue(item)
		}
		return out
	case *big.Rat:
		return val.FloatString(9)
	case time.Time:
		return val
	default:
		if s, ok := v.(fmt.Stringer); ok {
			return s.String()
		}
		return val
	}
}
