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
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"axonflow/gateway/connectors/base"
)

// DescribeSchema lists the collections of the connected database and
// infers field names and types by sampling one document per
// collection. Documents are schemaless, so every field is nullable and
// an empty collection reports no fields.
func (c *MongoDBConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "schema", "client not connected", nil)
	}

	schemaCtx, cancel := c.opContext(ctx, 0)
	defer cancel()

	names, err := c.database.ListCollectionNames(schemaCtx, bson.M{})
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "schema", "failed to list collections", err)
	}
	sort.Strings(names)

	schema := &base.Schema{}
	for _, name := range names {
		table := base.TableInfo{Name: name, Kind: "collection"}

		var sample bson.M
		err := c.database.Collection(name).FindOne(schemaCtx, bson.M{}).Decode(&sample)
		switch {
		case err == mongo.ErrNoDocuments:
			// Empty collection, no fields to report.
		case err != nil:
			return nil, base.NewConnectorError(c.name(), "schema", "failed to sample collection "+name, err)
		default:
			fields := make([]string, 0, len(sample))
			for field := range sample {
				fields = append(fields, field)
			}
			sort.Strings(fields)
			for _, field := range fields {
				table.Columns = append(table.Columns, base.ColumnInfo{
					Name:     field,
					Type:     bsonTypeName(sample[field]),
					Nullable: true,
				})
			}
		}

		schema.Tables = append(schema.Tables, table)
	}

	return schema, nil
}
