// Copyright 2025 AxonFlow
//
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

package gateway

import (
	"strings"
	"testing"

	"axonflow/gateway/connectors/base"
)

func mustInspect(t *testing.T, sql, driverKind, defaultSchema string) *Inspection {
	t.Helper()
	insp, err := Inspect(sql, driverKind, defaultSchema)
	if err != nil {
		t.Fatalf("Inspect(%q) failed: %v", sql, err)
	}
	return insp
}

func wantTables(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("tables = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("tables[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInspectStatementKinds(t *testing.T) {
	tests := []struct {
		sql  string
		want StatementKind
	}{
		{"SELECT 1", StatementSelect},
		{"select * from users", StatementSelect},
		{"(SELECT 1) UNION (SELECT 2)", StatementSelect},
		{"WITH a AS (SELECT 1) SELECT * FROM a", StatementSelect},
		{"SELECT * FROM jobs WHERE id = 1 FOR UPDATE", StatementSelect},
		{"INSERT INTO users (id) VALUES (1)", StatementInsert},
		{"REPLACE INTO users VALUES (1)", StatementInsert},
		{"WITH src AS (SELECT 1) INSERT INTO t SELECT * FROM src", StatementInsert},
		{"UPDATE users SET active = false", StatementUpdate},
		{"DELETE FROM users WHERE id = 1", StatementDelete},
		{"CREATE TABLE t (id int)", StatementDDL},
		{"ALTER TABLE t ADD COLUMN c int", StatementDDL},
		{"DROP TABLE t", StatementDDL},
		{"TRUNCATE users", StatementDDL},
		{"GRANT ALL ON users TO bob", StatementOther},
		{"EXPLAIN SELECT 1", StatementOther},
		{"SHOW TABLES", StatementOther},
		{"MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN DELETE", StatementOther},
		{"VALUES (1)", StatementOther},
	}

	for _, tt := range tests {
		insp := mustInspect(t, tt.sql, base.KindPostgres, "public")
		if insp.StatementKind != tt.want {
			t.Errorf("kind(%q) = %q, want %q", tt.sql, insp.StatementKind, tt.want)
		}
	}
}

func TestInspectTables(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		driver   string
		schema   string
		want     []string
		wantBare bool
	}{
		{
			name:     "simple from",
			sql:      "SELECT * FROM users",
			schema:   "public",
			want:     []string{"public.users"},
			wantBare: true,
		},
		{
			name:   "qualified name untouched",
			sql:    "SELECT * FROM analytics.events",
			schema: "public",
			want:   []string{"analytics.events"},
		},
		{
			name:     "no default schema leaves bare",
			sql:      "SELECT * FROM users",
			driver:   base.KindMySQL,
			want:     []string{"users"},
			wantBare: true,
		},
		{
			name:     "joins in order",
			sql:      "SELECT * FROM orders o JOIN order_items oi ON o.id = oi.order_id LEFT JOIN users u ON u.id = o.user_id",
			schema:   "public",
			want:     []string{"public.orders", "public.order_items", "public.users"},
			wantBare: true,
		},
		{
			name:     "comma list with aliases",
			sql:      "SELECT * FROM users u, orders o WHERE u.id = o.user_id",
			schema:   "public",
			want:     []string{"public.users", "public.orders"},
			wantBare: true,
		},
		{
			name:     "dedupe is case insensitive",
			sql:      "SELECT * FROM Users JOIN users ON 1 = 1",
			schema:   "public",
			want:     []string{"public.Users"},
			wantBare: true,
		},
		{
			name:     "insert select",
			sql:      "INSERT INTO audit_log (entry) SELECT payload FROM events",
			schema:   "public",
			want:     []string{"public.audit_log", "public.events"},
			wantBare: true,
		},
		{
			name:     "update",
			sql:      "UPDATE users SET name = 'x' WHERE id = 1",
			schema:   "public",
			want:     []string{"public.users"},
			wantBare: true,
		},
		{
			name:     "delete using",
			sql:      "DELETE FROM sessions USING users WHERE sessions.user_id = users.id AND users.banned",
			schema:   "public",
			want:     []string{"public.sessions", "public.users"},
			wantBare: true,
		},
		{
			name:     "create if not exists",
			sql:      "CREATE TABLE IF NOT EXISTS reports (id int)",
			schema:   "public",
			want:     []string{"public.reports"},
			wantBare: true,
		},
		{
			name:     "drop list",
			sql:      "DROP TABLE IF EXISTS temp_a, temp_b",
			schema:   "public",
			want:     []string{"public.temp_a", "public.temp_b"},
			wantBare: true,
		},
		{
			name:     "truncate without table keyword",
			sql:      "TRUNCATE logs",
			schema:   "public",
			want:     []string{"public.logs"},
			wantBare: true,
		},
		{
			name:     "derived table",
			sql:      "SELECT * FROM (SELECT id FROM users) AS u JOIN events e ON e.user_id = u.id",
			schema:   "public",
			want:     []string{"public.users", "public.events"},
			wantBare: true,
		},
		{
			name:     "extract call does not introduce a table",
			sql:      "SELECT EXTRACT(YEAR FROM created_at) FROM orders",
			schema:   "public",
			want:     []string{"public.orders"},
			wantBare: true,
		},
		{
			name:     "on conflict do update",
			sql:      "INSERT INTO counters (id) VALUES (1) ON CONFLICT (id) DO UPDATE SET n = counters.n + 1",
			schema:   "public",
			want:     []string{"public.counters"},
			wantBare: true,
		},
		{
			name:     "on duplicate key update",
			sql:      "INSERT INTO counters (id) VALUES (1) ON DUPLICATE KEY UPDATE n = n + 1",
			driver:   base.KindMySQL,
			want:     []string{"counters"},
			wantBare: true,
		},
		{
			name:   "table function ignored",
			sql:    "SELECT * FROM generate_series(1, 10) g",
			schema: "public",
			want:   nil,
		},
		{
			name:   "dual ignored",
			sql:    "SELECT 1 + 1 FROM dual",
			driver: base.KindMySQL,
			want:   nil,
		},
		{
			name:     "quoted identifier with space",
			sql:      `SELECT * FROM "Order Details"`,
			schema:   "public",
			want:     []string{"public.Order Details"},
			wantBare: true,
		},
		{
			name:   "bracket quoting",
			sql:    "SELECT * FROM [dbo].[Users]",
			schema: "public",
			want:   []string{"dbo.Users"},
		},
		{
			name:   "backtick path counts as qualified",
			sql:    "SELECT * FROM `my-project.sales.orders`",
			driver: base.KindBigQuery,
			schema: "sales",
			want:   []string{"my-project.sales.orders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := tt.driver
			if driver == "" {
				driver = base.KindPostgres
			}
			insp := mustInspect(t, tt.sql, driver, tt.schema)
			wantTables(t, insp.Tables, tt.want)
			if insp.HasUnqualifiedRefs != tt.wantBare {
				t.Errorf("HasUnqualifiedRefs = %v, want %v", insp.HasUnqualifiedRefs, tt.wantBare)
			}
		})
	}
}

func TestInspectCTEs(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "cte excluded, body tables kept",
			sql:  "WITH active AS (SELECT * FROM users WHERE active) SELECT * FROM active JOIN orders o ON o.user_id = active.id",
			want: []string{"public.users", "public.orders"},
		},
		{
			name: "recursive",
			sql:  "WITH RECURSIVE tree AS (SELECT * FROM nodes UNION ALL SELECT n.* FROM nodes n JOIN tree t ON n.parent_id = t.id) SELECT * FROM tree",
			want: []string{"public.nodes"},
		},
		{
			name: "multiple ctes",
			sql:  "WITH a AS (SELECT 1 FROM x), b AS (SELECT 2 FROM y) SELECT * FROM a, b, z",
			want: []string{"public.x", "public.y", "public.z"},
		},
		{
			name: "cte with column list",
			sql:  "WITH t (a, b) AS (SELECT id, name FROM users) SELECT * FROM t",
			want: []string{"public.users"},
		},
		{
			name: "materialized",
			sql:  "WITH c AS MATERIALIZED (SELECT * FROM big_table) SELECT * FROM c",
			want: []string{"public.big_table"},
		},
		{
			name: "qualified name beats cte shadow",
			sql:  "WITH users AS (SELECT 1) SELECT * FROM users u JOIN public.users pu ON 1 = 1",
			want: []string{"public.users"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := mustInspect(t, tt.sql, base.KindPostgres, "public")
			wantTables(t, insp.Tables, tt.want)
		})
	}
}

// Statements whose leading keyword is SELECT but which carry a write are
// refused rather than run with read capability.
func TestInspectHiddenWrites(t *testing.T) {
	tests := []string{
		"WITH moved AS (DELETE FROM old_rows RETURNING *) SELECT * FROM moved",
		"WITH ins AS (INSERT INTO t VALUES (1) RETURNING id) SELECT * FROM ins",
		"SELECT * INTO backup_users FROM users",
	}

	for _, sql := range tests {
		insp := mustInspect(t, sql, base.KindPostgres, "public")
		if insp.StatementKind != StatementOther {
			t.Errorf("kind(%q) = %q, want other", sql, insp.StatementKind)
		}
	}
}

func TestInspectDialects(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		driver string
		want   []string
	}{
		{
			name:   "mysql hash comment",
			sql:    "SELECT * FROM users # FROM ghost",
			driver: base.KindMySQL,
			want:   []string{"users"},
		},
		{
			name:   "line comment",
			sql:    "SELECT * -- FROM ghost\nFROM t",
			driver: base.KindPostgres,
			want:   []string{"t"},
		},
		{
			name:   "block comment",
			sql:    "SELECT /* FROM ghost */ * FROM visible",
			driver: base.KindPostgres,
			want:   []string{"visible"},
		},
		{
			name:   "nested block comment",
			sql:    "SELECT /* a /* b */ c */ * FROM t",
			driver: base.KindPostgres,
			want:   []string{"t"},
		},
		{
			name:   "string literal stripped",
			sql:    "SELECT 'it''s not FROM users' FROM t",
			driver: base.KindPostgres,
			want:   []string{"t"},
		},
		{
			name:   "backslash escape",
			sql:    `SELECT 'it\'s' FROM t`,
			driver: base.KindMySQL,
			want:   []string{"t"},
		},
		{
			name:   "dollar quoted string",
			sql:    "SELECT $$quoted FROM ghost$$ FROM real_table",
			driver: base.KindPostgres,
			want:   []string{"real_table"},
		},
		{
			name:   "tagged dollar string",
			sql:    "SELECT $fn$ FROM ghost $fn$ FROM t2",
			driver: base.KindPostgres,
			want:   []string{"t2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := mustInspect(t, tt.sql, tt.driver, "")
			wantTables(t, insp.Tables, tt.want)
		})
	}
}

func TestInspectParseErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"comment only", "-- nothing here"},
		{"lone semicolon", ";"},
		{"unterminated block comment", "SELECT 1 /* never closed"},
		{"unterminated string", "SELECT 'oops"},
		{"unterminated quoted identifier", `SELECT * FROM "oops`},
		{"second statement", "SELECT 1; DROP TABLE users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(tt.sql, base.KindPostgres, "public")
			if err == nil {
				t.Fatalf("Inspect(%q) should fail", tt.sql)
			}
			if KindOf(err) != KindParse {
				t.Errorf("error kind = %q, want parse", KindOf(err))
			}
		})
	}

	// A trailing semicolon is not a second statement.
	insp := mustInspect(t, "SELECT * FROM users;", base.KindPostgres, "public")
	wantTables(t, insp.Tables, []string{"public.users"})
}

func TestRequiredCapability(t *testing.T) {
	tests := []struct {
		kind    StatementKind
		want    Capability
		wantErr bool
	}{
		{StatementSelect, CapabilityRead, false},
		{StatementInsert, CapabilityWrite, false},
		{StatementUpdate, CapabilityWrite, false},
		{StatementDelete, CapabilityWrite, false},
		{StatementDDL, CapabilityWrite, false},
		{StatementOther, "", true},
	}

	for _, tt := range tests {
		cap, err := tt.kind.RequiredCapability()
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.kind)
			} else if KindOf(err) != KindParse {
				t.Errorf("%s: error kind = %q, want parse", tt.kind, KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.kind, err)
			continue
		}
		if cap != tt.want {
			t.Errorf("%s: capability = %q, want %q", tt.kind, cap, tt.want)
		}
	}
}

func TestInspectDocument(t *testing.T) {
	insp, err := InspectDocument(`{"collection": "orders"}`)
	if err != nil {
		t.Fatalf("InspectDocument failed: %v", err)
	}
	if insp.StatementKind != StatementSelect {
		t.Errorf("default operation kind = %q, want select", insp.StatementKind)
	}
	wantTables(t, insp.Tables, []string{"orders"})

	insp, err = InspectDocument(`{"collection": "users", "operation": "insert", "documents": [{"name": "a"}]}`)
	if err != nil {
		t.Fatalf("insert inspect failed: %v", err)
	}
	if insp.StatementKind != StatementInsert {
		t.Errorf("insert kind = %q", insp.StatementKind)
	}

	insp, err = InspectDocument(`{
		"collection": "orders",
		"operation": "aggregate",
		"pipeline": [{"$lookup": {"from": "customers", "localField": "cid", "foreignField": "_id", "as": "c"}}]
	}`)
	if err != nil {
		t.Fatalf("aggregate inspect failed: %v", err)
	}
	wantTables(t, insp.Tables, []string{"orders", "customers"})
}

func TestInspectDocumentErrors(t *testing.T) {
	for _, statement := range []string{
		"not json at all",
		`{"operation": "find"}`,
		`{"collection": "c", "operation": "upsert"}`,
	} {
		_, err := InspectDocument(statement)
		if err == nil {
			t.Errorf("InspectDocument(%q) should fail", statement)
			continue
		}
		if KindOf(err) != KindParse {
			t.Errorf("error kind = %q, want parse", KindOf(err))
		}
	}
}

func TestInspectFragmentInParseError(t *testing.T) {
	_, err := Inspect("SELECT 1; DELETE FROM users", base.KindPostgres, "public")
	if err == nil {
		t.Fatal("expected parse error")
	}
	gerr := AsError(err)
	frag, _ := gerr.Details["fragment"].(string)
	if !strings.Contains(strings.ToUpper(frag), "DELETE") {
		t.Errorf("fragment = %q, want the offending token", frag)
	}
}
