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
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"axonflow/gateway/connectors/base"
)

// DescribeSchema walks the tables of the bound dataset and reads their
// field schemas. Table names are bare because the dataset is the
// default schema for this connection.
func (c *BigQueryConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	if c.client == nil {
		return nil, base.NewConnectorError(c.name(), "schema", "client not connected", nil)
	}

	schemaCtx, cancel := c.opContext(ctx, 0)
	defer cancel()

	schema := &base.Schema{DefaultSchema: c.DefaultSchema()}

	it := c.client.Dataset(c.dataset).Tables(schemaCtx)
	for {
		table, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, base.NewConnectorError(c.name(), "schema", "failed to list tables", err)
		}

		md, err := table.Metadata(schemaCtx)
		if err != nil {
			return nil, base.NewConnectorError(c.name(), "schema",
				"failed to read metadata for "+table.TableID, err)
		}

		info := base.TableInfo{
			Name: table.TableID,
			Kind: tableKind(md.Type),
		}
		for _, field := range md.Schema {
			info.Columns = append(info.Columns, base.ColumnInfo{
				Name:     field.Name,
				Type:     fieldType(field),
				Nullable: !field.Required,
			})
		}

		schema.Tables = append(schema.Tables, info)
	}

	return schema, nil
}

func tableKind(t bigquery.TableType) string {
	switch t {
	case bigquery.ViewTable, bigquery.MaterializedView:
		return "view"
	default:
		return "table"
	}
}

func fieldType(field *bigquery.FieldSchema) string {
	t := strings.ToLower(string(field.Type))
	if field.Repeated {
		return "array<" + t + ">"
	}
	return t
}
