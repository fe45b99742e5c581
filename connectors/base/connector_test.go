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

package base

import (
	"errors"
	"testing"
)

func TestConnectorConfigEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		config ConnectorConfig
		want   string
	}{
		{
			name:   "no endpoints",
			config: ConnectorConfig{},
			want:   "",
		},
		{
			name:   "first endpoint by default",
			config: ConnectorConfig{Endpoints: []string{"db-a:5432", "db-b:5432"}},
			want:   "db-a:5432",
		},
		{
			name:   "active endpoint selected",
			config: ConnectorConfig{Endpoints: []string{"db-a:5432", "db-b:5432"}, ActiveEndpoint: 1},
			want:   "db-b:5432",
		},
		{
			name:   "out of range falls back to first",
			config: ConnectorConfig{Endpoints: []string{"db-a:5432"}, ActiveEndpoint: 7},
			want:   "db-a:5432",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.Endpoint(); got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := &ConnectorConfig{
		Options: map[string]interface{}{
			"sslmode":   "disable",
			"max_open":  float64(10), // JSON numbers decode as float64
			"min_idle":  2,
			"read_only": true,
		},
	}

	if got := cfg.StringOption("sslmode", "require"); got != "disable" {
		t.Errorf("StringOption = %q, want disable", got)
	}
	if got := cfg.StringOption("missing", "require"); got != "require" {
		t.Errorf("StringOption default = %q, want require", got)
	}
	if got := cfg.IntOption("max_open", 25); got != 10 {
		t.Errorf("IntOption float64 = %d, want 10", got)
	}
	if got := cfg.IntOption("min_idle", 0); got != 2 {
		t.Errorf("IntOption int = %d, want 2", got)
	}
	if got := cfg.IntOption("missing", 25); got != 25 {
		t.Errorf("IntOption default = %d, want 25", got)
	}
	if !cfg.BoolOption("read_only", false) {
		t.Error("BoolOption = false, want true")
	}
}

func TestConnectorError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("orders-db", "connect", "dial failed", cause)

	if !err.Transient {
		t.Error("expected transient error")
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to reach cause")
	}

	msg := err.Error()
	if msg != "orders-db.connect: dial failed (cause: connection refused)" {
		t.Errorf("unexpected message: %q", msg)
	}

	plain := NewConnectorError("orders-db", "execute", "syntax error", nil)
	if plain.Transient {
		t.Error("execution errors must not be transient")
	}
	if plain.Error() != "orders-db.execute: syntax error" {
		t.Errorf("unexpected message: %q", plain.Error())
	}
}

func TestParseDocumentQuery(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		write   bool
		colls   []string
	}{
		{
			name:  "find defaults",
			input: `{"collection": "users", "filter": {"active": true}}`,
			colls: []string{"users"},
		},
		{
			name:  "explicit delete",
			input: `{"collection": "sessions", "operation": "delete", "filter": {"expired": true}}`,
			write: true,
			colls: []string{"sessions"},
		},
		{
			name: "aggregate with lookup",
			input: `{"collection": "orders", "operation": "aggregate",
				"pipeline": [{"$lookup": {"from": "customers", "localField": "cid", "foreignField": "_id", "as": "c"}}]}`,
			colls: []string{"orders", "customers"},
		},
		{
			name:    "missing collection",
			input:   `{"operation": "find"}`,
			wantErr: true,
		},
		{
			name:    "unknown operation",
			input:   `{"collection": "users", "operation": "upsert"}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			input:   `{"collection": "users", "filtr": {}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `SELECT * FROM users`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseDocumentQuery(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.IsWrite() != tt.write {
				t.Errorf("IsWrite() = %v, want %v", q.IsWrite(), tt.write)
			}
			got := q.Collections()
			if len(got) != len(tt.colls) {
				t.Fatalf("Collections() = %v, want %v", got, tt.colls)
			}
			for i := range got {
				if got[i] != tt.colls[i] {
					t.Errorf("Collections()[%d] = %q, want %q", i, got[i], tt.colls[i])
				}
			}
		})
	}
}

func TestSchemaLookup(t *testing.T) {
	schema := &Schema{
		DefaultSchema: "public",
		Tables: []TableInfo{
			{Name: "public.sales", Columns: []ColumnInfo{{Name: "id", Type: "bigint"}}},
			{Name: "public.customers"},
		},
	}

	if schema.Table("public.sales") == nil {
		t.Error("expected to find public.sales")
	}
	if schema.Table("public.orders") != nil {
		t.Error("did not expect public.orders")
	}

	names := schema.TableNames()
	if len(names) != 2 || names[0] != "public.sales" || names[1] != "public.customers" {
		t.Errorf("TableNames() = %v", names)
	}
}
