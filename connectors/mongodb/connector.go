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

package mongodb

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"axonflow/gateway/connectors/base"
)

const (
	// DefaultTimeout is the default operation timeout
	DefaultTimeout = 30 * time.Second
	// DefaultConnectTimeout is the default connection timeout
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxPoolSize is the default maximum connection pool size
	DefaultMaxPoolSize = 100
	// DefaultMinPoolSize is the default minimum connection pool size
	DefaultMinPoolSize = 10
)

// MongoDBConnector implements the gateway Connector interface for
// MongoDB 4.0+ databases. Statements are JSON document queries (see
// base.ParseDocumentQuery); results are always map rows.
type MongoDBConnector struct {
	config   *base.ConnectorConfig
	client   *mongo.Client
	database *mongo.Database
	logger   *log.Logger
}

// NewMongoDBConnector creates a new MongoDB connector instance.
func NewMongoDBConnector() *MongoDBConnector {
	return &MongoDBConnector{
		logger: log.New(os.Stdout, "[DRIVER_MONGO] ", log.LstdFlags),
	}
}

// Connect establishes a pooled connection to MongoDB.
func (c *MongoDBConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if config.Database == "" {
		return base.NewConnectorError(config.Name, "connect", "database name is required", nil)
	}

	uri, err := buildURI(config)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to build URI", err)
	}

	clientOpts := options.Client().ApplyURI(uri)
	clientOpts.SetMaxPoolSize(uint64(config.IntOption("max_pool_size", DefaultMaxPoolSize)))
	clientOpts.SetMinPoolSize(uint64(config.IntOption("min_pool_size", DefaultMinPoolSize)))
	clientOpts.SetAppName(config.StringOption("app_name", "axonflow-gateway"))
	clientOpts.SetRetryWrites(true)
	clientOpts.SetRetryReads(true)

	connectTimeout := DefaultConnectTimeout
	if raw := config.StringOption("connect_timeout", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			connectTimeout = d
		}
	}
	clientOpts.SetConnectTimeout(connectTimeout)

	switch strings.ToLower(config.StringOption("read_preference", "")) {
	case "primary":
		clientOpts.SetReadPreference(readpref.Primary())
	case "primarypreferred":
		clientOpts.SetReadPreference(readpref.PrimaryPreferred())
	case "secondary":
		clientOpts.SetReadPreference(readpref.Secondary())
	case "secondarypreferred":
		clientOpts.SetReadPreference(readpref.SecondaryPreferred())
	case "nearest":
		clientOpts.SetReadPreference(readpref.Nearest())
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return base.NewConnectorError(config.Name, "connect", "failed to create client", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, connectTimeout)
	defer pingCancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return base.NewTransientError(config.Name, "connect",
			fmt.Sprintf("failed to reach %s", config.Endpoint()), err)
	}

	c.config = config
	c.client = client
	c.database = client.Database(config.Database)

	c.logger.Printf("Connected to MongoDB %s at %s (database=%s)",
		config.Name, config.Endpoint(), config.Database)

	return nil
}

// buildURI constructs the MongoDB connection URI for the active
// endpoint. Failover across endpoints is the pool's job, so only one
// host goes into the URI; replica set discovery still works through
// the replica_set option.
func buildURI(config *base.ConnectorConfig) (string, error) {
	endpoint := config.Endpoint()
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint configured")
	}

	if strings.HasPrefix(endpoint, "mongodb://") || strings.HasPrefix(endpoint, "mongodb+srv://") {
		return endpoint, nil
	}

	var uri string
	username := config.Credentials["username"]
	password := config.Credentials["password"]
	if username != "" && password != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s", username, password, endpoint)
	} else {
		uri = fmt.Sprintf("mongodb://%s", endpoint)
	}

	params := []string{}
	if authDB := config.StringOption("auth_database", ""); authDB != "" {
		params = append(params, "authSource="+authDB)
	}
	if rs := config.StringOption("replica_set", ""); rs != "" {
		params = append(params, "replicaSet="+rs)
	}
	if config.BoolOption("tls", false) {
		params = append(params, "tls=true")
		if config.BoolOption("tls_insecure", false) {
			params = append(params, "tlsInsecure=true")
		}
	}
	if config.BoolOption("direct_connection", false) {
		params = append(params, "directConnection=true")
	}

	if len(params) > 0 {
		uri += "/?" + strings.Join(params, "&")
	}

	return uri, nil
}

// Close disconnects the MongoDB client. Safe to call more than once.
func (c *MongoDBConnector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}

	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.client.Disconnect(disconnectCtx); err != nil {
		return base.NewConnectorError(c.name(), "close", "failed to disconnect", err)
	}

	c.logger.Printf("Disconnected from MongoDB %s", c.name())
	c.client = nil
	c.database = nil
	return nil
}

// Ping verifies the connection is alive.
func (c *MongoDBConnector) Ping(ctx context.Context) error {
	if c.client == nil {
		return base.NewTransientError(c.name(), "ping", "client not connected", nil)
	}
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return base.NewTransientError(c.name(), "ping", "ping failed", err)
	}
	return nil
}

// Query executes a read document query (find or aggregate). The
// statement is the JSON form accepted by base.ParseDocumentQuery.
func (c *MongoDBConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "query", "client not connected", nil)
	}

	dq, err := base.ParseDocumentQuery(query.Statement)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "invalid document query", err)
	}
	if dq.IsWrite() {
		return nil, base.NewConnectorError(c.name(), "query",
			fmt.Sprintf("write operation %q on the query path", dq.Operation), nil)
	}

	queryCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	collection := c.database.Collection(dq.Collection)

	start := time.Now()
	var results []map[string]interface{}

	switch dq.Operation {
	case base.DocOpFind:
		results, err = c.find(queryCtx, collection, dq, query.Limit)
	case base.DocOpAggregate:
		results, err = c.aggregate(queryCtx, collection, dq)
	default:
		return nil, base.NewConnectorError(c.name(), "query",
			fmt.Sprintf("unsupported operation: %s", dq.Operation), nil)
	}
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "query", "query execution failed", err)
	}

	elapsed := time.Since(start).Milliseconds()
	c.logger.Printf("Query executed (%s on %s): %d documents in %dms",
		dq.Operation, dq.Collection, len(results), elapsed)

	return &base.QueryResult{
		Rows:        results,
		RowCount:    len(results),
		ExecutionMS: elapsed,
		Connector:   c.name(),
	}, nil
}

// Execute runs a write document query (insert, update, delete).
// RowCount carries the affected document count.
func (c *MongoDBConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "execute", "client not connected", nil)
	}

	dq, err := base.ParseDocumentQuery(query.Statement)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "invalid document query", err)
	}
	if !dq.IsWrite() {
		return nil, base.NewConnectorError(c.name(), "execute",
			fmt.Sprintf("read operation %q on the execute path", dq.Operation), nil)
	}

	execCtx, cancel := c.opContext(ctx, query.Timeout)
	defer cancel()

	collection := c.database.Collection(dq.Collection)

	start := time.Now()
	var affected int

	switch dq.Operation {
	case base.DocOpInsert:
		affected, err = c.insert(execCtx, collection, dq)
	case base.DocOpUpdate:
		affected, err = c.update(execCtx, collection, dq)
	case base.DocOpDelete:
		affected, err = c.delete(execCtx, collection, dq)
	default:
		return nil, base.NewConnectorError(c.name(), "execute",
			fmt.Sprintf("unsupported operation: %s", dq.Operation), nil)
	}
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "execute", "write execution failed", err)
	}

	elapsed := time.Since(start).Milliseconds()
	c.logger.Printf("Write executed (%s on %s): %d documents in %dms",
		dq.Operation, dq.Collection, affected, elapsed)

	return &base.QueryResult{
		RowCount:    affected,
		ExecutionMS: elapsed,
		Connector:   c.name(),
	}, nil
}

// DefaultSchema is empty for MongoDB; collection names live in a flat
// namespace and are matched exactly.
func (c *MongoDBConnector) DefaultSchema() string {
	return ""
}

// Name returns the connection name from the binding.
func (c *MongoDBConnector) Name() string {
	return c.name()
}

// Kind returns the driver kind.
func (c *MongoDBConnector) Kind() string {
	return base.KindMongo
}

// Version returns the driver implementation version.
func (c *MongoDBConnector) Version() string {
	return "1.0.0"
}

// Capabilities returns the list of supported capabilities.
func (c *MongoDBConnector) Capabilities() []string {
	return []string{
		"query",
		"execute",
		"schema",
		"aggregation",
		"connection_pooling",
	}
}

func (c *MongoDBConnector) name() string {
	if c.config == nil {
		return "mongodb"
	}
	return c.config.Name
}

func (c *MongoDBConnector) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == 0 && c.config != nil {
		timeout = c.config.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *MongoDBConnector) find(ctx context.Context, collection *mongo.Collection, dq *base.DocumentQuery, limit int) ([]map[string]interface{}, error) {
	opts := options.Find()

	if limit <= 0 {
		limit = dq.Limit
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	if len(dq.Sort) > 0 {
		sortDoc := bson.D{}
		for k, v := range dq.Sort {
			order := 1
			switch n := v.(type) {
			case int:
				order = n
			case float64:
				order = int(n)
			}
			sortDoc = append(sortDoc, bson.E{Key: k, Value: order})
		}
		opts.SetSort(sortDoc)
	}

	if len(dq.Projection) > 0 {
		opts.SetProjection(toBSONValue(dq.Projection))
	}

	cursor, err := collection.Find(ctx, filterBSON(dq.Filter), opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	return decodeCursor(ctx, cursor)
}

func (c *MongoDBConnector) aggregate(ctx context.Context, collection *mongo.Collection, dq *base.DocumentQuery) ([]map[string]interface{}, error) {
	if len(dq.Pipeline) == 0 {
		return nil, fmt.Errorf("aggregate requires a pipeline")
	}

	pipeline := make(mongo.Pipeline, 0, len(dq.Pipeline))
	for _, stage := range dq.Pipeline {
		stageDoc := bson.D{}
		for k, v := range stage {
			stageDoc = append(stageDoc, bson.E{Key: k, Value: toBSONValue(v)})
		}
		pipeline = append(pipeline, stageDoc)
	}

	cursor, err := collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	return decodeCursor(ctx, cursor)
}

func (c *MongoDBConnector) insert(ctx context.Context, collection *mongo.Collection, dq *base.DocumentQuery) (int, error) {
	if len(dq.Documents) == 0 {
		return 0, fmt.Errorf("insert requires documents")
	}

	if len(dq.Documents) == 1 {
		if _, err := collection.InsertOne(ctx, toBSONValue(dq.Documents[0])); err != nil {
			return 0, err
		}
		return 1, nil
	}

	docs := make([]interface{}, len(dq.Documents))
	for i, doc := range dq.Documents {
		docs[i] = toBSONValue(doc)
	}

	result, err := collection.InsertMany(ctx, docs)
	if err != nil {
		return 0, err
	}
	return len(result.InsertedIDs), nil
}

func (c *MongoDBConnector) update(ctx context.Context, collection *mongo.Collection, dq *base.DocumentQuery) (int, error) {
	if len(dq.Update) == 0 {
		return 0, fmt.Errorf("update requires an update document")
	}

	update := toBSONValue(dq.Update)
	// Bare field maps become a $set so the driver does not reject them.
	if !hasOperatorKeys(dq.Update) {
		update = bson.M{"$set": update}
	}

	result, err := collection.UpdateMany(ctx, filterBSON(dq.Filter), update)
	if err != nil {
		return 0, err
	}
	return int(result.ModifiedCount + result.UpsertedCount), nil
}

func (c *MongoDBConnector) delete(ctx context.Context, collection *mongo.Collection, dq *base.DocumentQuery) (int, error) {
	result, err := collection.DeleteMany(ctx, filterBSON(dq.Filter))
	if err != nil {
		return 0, err
	}
	return int(result.DeletedCount), nil
}

func filterBSON(filter map[string]interface{}) interface{} {
	if len(filter) == 0 {
		return bson.M{}
	}
	return toBSONValue(filter)
}

func hasOperatorKeys(doc map[string]interface{}) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func decodeCursor(ctx context.Context, cursor *mongo.Cursor) ([]map[string]interface{}, error) {
	var results []map[string]interface{}

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, bsonToMap(doc))
	}

	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
