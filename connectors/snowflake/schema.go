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
	"strings"

	"axonflow/gateway/connectors/base"
)

const schemaTablesQuery = `
SELECT table_schema, table_name, table_type
FROM information_schema.tables
WHERE table_schema <> 'INFORMATION_SCHEMA'
ORDER BY table_schema, table_name`

const schemaColumnsQuery = `
SELECT table_schema, table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema <> 'INFORMATION_SCHEMA'
ORDER BY table_schema, table_name, ordinal_position`

// DescribeSchema snapshots the tables and views of the connected
// database. Snowflake stores unquoted identifiers uppercase, so names
// come back uppercase; tables outside the default schema are reported
// as SCHEMA.TABLE.
func (c *SnowflakeConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	if c.db == nil {
		return nil, base.NewConnectorError(c.name(), "schema", "database not connected", nil)
	}

	schemaCtx, cancel := c.opContext(ctx, 0)
	defer cancel()

	schema := &base.Schema{DefaultSchema: c.DefaultSchema()}
	index := make(map[string]int)

	rows, err := c.db.QueryContext(schemaCtx, schemaTablesQuery)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "schema", "failed to list tables", err)
	}
	for rows.Next() {
		var tableSchema, tableName, tableType string
		if err := rows.Scan(&tableSchema, &tableName, &tableType); err != nil {
			_ = rows.Close()
			return nil, base.NewConnectorError(c.name(), "schema", "failed to scan table row", err)
		}
		name := c.qualify(tableSchema, tableName)
		index[name] = len(schema.Tables)
		schema.Tables = append(schema.Tables, base.TableInfo{
			Name: name,
			Kind: tableKind(tableType),
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, base.NewConnectorError(c.name(), "schema", "error listing tables", err)
	}
	_ = rows.Close()

	cols, err := c.db.QueryContext(schemaCtx, schemaColumnsQuery)
	if err != nil {
		return nil, base.NewConnectorError(c.name(), "schema", "failed to list columns", err)
	}
	defer func() { _ = cols.Close() }()

	for cols.Next() {
		var tableSchema, tableName, columnName, dataType, nullable string
		if err := cols.Scan(&tableSchema, &tableName, &columnName, &dataType, &nullable); err != nil {
			return nil, base.NewConnectorError(c.name(), "schema", "failed to scan column row", err)
		}
		i, ok := index[c.qualify(tableSchema, tableName)]
		if !ok {
			continue
		}
		schema.Tables[i].Columns = append(schema.Tables[i].Columns, base.ColumnInfo{
			Name:     columnName,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := cols.Err(); err != nil {
		return nil, base.NewConnectorError(c.name(), "schema", "error listing columns", err)
	}

	return schema, nil
}

func (c *SnowflakeConnector) qualify(tableSchema, tableName string) string {
	if strings.EqualFold(tableSchema, c.DefaultSchema()) {
		return tableName
	}
	return tableSchema + "." + tableName
}

func tableKind(tableType string) string {
	if strings.Contains(strings.ToUpper(tableType), "VIEW") {
		return "view"
	}
	return "table"
}
