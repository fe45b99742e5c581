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
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"axonflow/gateway/connectors/base"
)

func TestNewMySQLConnector(t *testing.T) {
	conn := NewMySQLConnector()
	if conn == nil {
		t.Fatal("expected non-nil connector")
	}
	if conn.logger == nil {
		t.Error("expected logger to be initialized")
	}
}

func TestMySQLConnector_Kind(t *testing.T) {
	conn := NewMySQLConnector()
	if got := conn.Kind(); got != base.KindMySQL {
		t.Errorf("Kind() = %q, want %q", got, base.KindMySQL)
	}
}

func TestMySQLConnector_DefaultSchema(t *testing.T) {
	conn := NewMySQLConnector()

	if got := conn.DefaultSchema(); got != "" {
		t.Errorf("DefaultSchema() without config = %q, want empty", got)
	}

	conn.config = &base.ConnectorConfig{Database: "orders"}
	if got := conn.DefaultSchema(); got != "orders" {
		t.Errorf("DefaultSchema() = %q, want %q", got, "orders")
	}

	conn.config = &base.ConnectorConfig{Database: "orders", DefaultSchema: "reporting"}
	if got := conn.DefaultSchema(); got != "reporting" {
		t.Errorf("DefaultSchema() override = %q, want %q", got, "reporting")
	}
}

func TestBuildDSN(t *testing.T) {
	config := &base.ConnectorConfig{
		Endpoints:   []string{"db-primary:3306"},
		Credentials: map[string]string{"username": "gateway", "password": "secret"},
		Database:    "orders",
	}

	dsn, err := buildDSN(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(dsn, "gateway:secret@tcp(db-primary:3306)/orders?") {
		t.Errorf("unexpected DSN prefix: %s", dsn)
	}
	for _, param := range []string{"parseTime=true", "multiStatements=false", "interpolateParams=false", "charset=utf8mb4"} {
		if !strings.Contains(dsn, param) {
			t.Errorf("DSN missing %q: %s", param, dsn)
		}
	}
}

func TestBuildDSN_TLSAndCustomParams(t *testing.T) {
	config := &base.ConnectorConfig{
		Endpoints:   []string{"db:3306"},
		Credentials: map[string]string{"username": "u", "password": "p"},
		Database:    "app",
		Options: map[string]interface{}{
			"tls": "skip-verify",
			"params": map[string]interface{}{
				"maxAllowedPacket": 0,
				"allowOldPasswords": true,
			},
		},
	}

	dsn, err := buildDSN(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(dsn, "tls=skip-verify") {
		t.Errorf("DSN missing tls param: %s", dsn)
	}
	// Custom params come out sorted for deterministic DSNs.
	allow := strings.Index(dsn, "allowOldPasswords=true")
	packet := strings.Index(dsn, "maxAllowedPacket=0")
	if allow == -1 || packet == -1 || allow > packet {
		t.Errorf("custom params missing or unsorted: %s", dsn)
	}
}

func TestBuildDSN_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config *base.ConnectorConfig
	}{
		{
			name:   "no endpoint",
			config: &base.ConnectorConfig{Database: "app"},
		},
		{
			name:   "no database",
			config: &base.ConnectorConfig{Endpoints: []string{"db:3306"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildDSN(tc.config); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMySQLConnector_Query_NilDB(t *testing.T) {
	conn := NewMySQLConnector()
	conn.config = &base.ConnectorConfig{Name: "test"}

	_, err := conn.Query(context.Background(), &base.Query{Statement: "SELECT 1"})
	if err == nil {
		t.Error("expected error when querying with nil db")
	}
}

func TestMySQLConnector_Close_NilDB(t *testing.T) {
	conn := NewMySQLConnector()
	if err := conn.Close(context.Background()); err != nil {
		t.Errorf("Close with nil db should not error: %v", err)
	}
}

func TestMySQLConnector_Query_WithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	conn := NewMySQLConnector()
	conn.db = db
	conn.config = &base.ConnectorConfig{Name: "test-mysql", Timeout: 5 * time.Second}

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, []byte("John")).
		AddRow(2, []byte("Jane"))

	mock.ExpectQuery("SELECT id, name FROM users").WillReturnRows(rows)

	result, err := conn.Query(context.Background(), &base.Query{
		Statement: "SELECT id, name FROM users",
		AsDict:    true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RowCount != 2 {
		t.Errorf("expected 2 rows, got %d", result.RowCount)
	}
	// []byte text values come back as strings.
	if result.Rows[0]["name"] != "John" {
		t.Errorf("expected byte value converted to string, got %v", result.Rows[0]["name"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMySQLConnector_Query_WithLimitAndArgs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	conn := NewMySQLConnector()
	conn.db = db
	conn.config = &base.ConnectorConfig{Name: "test-mysql", Timeout: 5 * time.Second}

	rows := sqlmock.NewRows([]string{"id"}).
		AddRow(1).AddRow(2).AddRow(3)

	mock.ExpectQuery("SELECT id FROM orders").WithArgs("open").WillReturnRows(rows)

	result, err := conn.Query(context.Background(), &base.Query{
		Statement: "SELECT id FROM orders WHERE status = ?",
		Args:      []interface{}{"open"},
		AsDict:    true,
		Limit:     2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RowCount != 2 {
		t.Errorf("expected 2 rows (limited), got %d", result.RowCount)
	}
}

func TestMySQLConnector_Execute_WithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	conn := NewMySQLConnector()
	conn.db = db
	conn.config = &base.ConnectorConfig{Name: "test-mysql", Timeout: 5 * time.Second}

	mock.ExpectExec("INSERT INTO logs").
		WithArgs("hello").
		WillReturnResult(sqlmock.NewResult(42, 1))

	result, err := conn.Execute(context.Background(), &base.Query{
		Statement: "INSERT INTO logs (message) VALUES (?)",
		Args:      []interface{}{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RowCount != 1 {
		t.Errorf("expected 1 row affected, got %d", result.RowCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMySQLConnector_DescribeSchema_WithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	conn := NewMySQLConnector()
	conn.db = db
	conn.config = &base.ConnectorConfig{
		Name:     "test-mysql",
		Database: "orders",
		Timeout:  5 * time.Second,
	}

	tableRows := sqlmock.NewRows([]string{"table_name", "table_type"}).
		AddRow("customers", "BASE TABLE").
		AddRow("open_orders", "VIEW")
	mock.ExpectQuery("FROM information_schema.tables").WillReturnRows(tableRows)

	columnRows := sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
		AddRow("customers", "id", "bigint", "NO").
		AddRow("customers", "email", "varchar", "YES")
	mock.ExpectQuery("FROM information_schema.columns").WillReturnRows(columnRows)

	schema, err := conn.DescribeSchema(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if schema.DefaultSchema != "orders" {
		t.Errorf("expected default schema orders, got %q", schema.DefaultSchema)
	}
	if len(schema.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(schema.Tables))
	}

	customers := schema.Table("customers")
	if customers == nil || len(customers.Columns) != 2 {
		t.Fatalf("customers table incomplete: %+v", customers)
	}
	if customers.Columns[0].Nullable {
		t.Error("expected id column to be not nullable")
	}
	if view := schema.Table("open_orders"); view == nil || view.Kind != "view" {
		t.Errorf("expected open_orders to be a view, got %+v", view)
	}
}
