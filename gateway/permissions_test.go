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
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"axonflow/gateway/connectors/base"
)

func TestPermissionDefaultDeny(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	ok, err := store.Check(ctx, "bot", ResourceTable, "orders", CapabilityRead)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("empty store allowed access")
	}
}

func TestPermissionSetAndCheck(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	if err := store.Set(ctx, "bot", ResourceTable, "Orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Table names are checked case-insensitively: the grant on "Orders"
	// covers "orders" and "ORDERS" alike.
	for _, id := range []string{"orders", "Orders", "ORDERS", "  orders  "} {
		ok, err := store.Check(ctx, "bot", ResourceTable, id, CapabilityRead)
		if err != nil {
			t.Fatalf("Check(%q): %v", id, err)
		}
		if !ok {
			t.Errorf("Check(%q) read = false", id)
		}
	}

	ok, err := store.Check(ctx, "bot", ResourceTable, "orders", CapabilityWrite)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("write allowed on a read-only grant")
	}

	// Another agent holds nothing.
	ok, err = store.Check(ctx, "other", ResourceTable, "orders", CapabilityRead)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("grant leaked to another agent")
	}
}

func TestPermissionCollectionCaseSensitive(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	if err := store.Set(ctx, "bot", ResourceCollection, "Orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, _ := store.Check(ctx, "bot", ResourceCollection, "Orders", CapabilityRead)
	if !ok {
		t.Error("exact collection name denied")
	}
	ok, _ = store.Check(ctx, "bot", ResourceCollection, "orders", CapabilityRead)
	if ok {
		t.Error("collection names must compare exactly")
	}
}

func TestNormalizeResource(t *testing.T) {
	tests := []struct {
		kind ResourceKind
		in   string
		want string
	}{
		{ResourceTable, "Orders", "orders"},
		{ResourceTable, "  Orders  ", "orders"},
		{ResourceDataset, "Sales.Q3", "sales.q3"},
		{ResourceCollection, "Orders", "Orders"},
		{ResourceCollection, " Orders ", "Orders"},
		{ResourceKind("bogus"), "Orders", "orders"},
	}
	for _, tt := range tests {
		if got := NormalizeResource(tt.kind, tt.in); got != tt.want {
			t.Errorf("NormalizeResource(%s, %q) = %q, want %q", tt.kind, tt.in, got, tt.want)
		}
	}
}

func TestResourceKindForDriver(t *testing.T) {
	tests := []struct {
		driver string
		want   ResourceKind
	}{
		{base.KindPostgres, ResourceTable},
		{base.KindMySQL, ResourceTable},
		{base.KindSnowflake, ResourceTable},
		{base.KindMongo, ResourceCollection},
		{base.KindBigQuery, ResourceDataset},
		{"plugin:cassandra", ResourceTable},
	}
	for _, tt := range tests {
		if got := ResourceKindForDriver(tt.driver); got != tt.want {
			t.Errorf("ResourceKindForDriver(%q) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestPermissionCapsValidation(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	if err := store.Set(ctx, "bot", ResourceTable, "orders", nil); KindOf(err) != KindConfig {
		t.Errorf("Set with no caps = %v, want config error", err)
	}
	if err := store.Set(ctx, "bot", ResourceTable, "orders", []Capability{"admin"}); KindOf(err) != KindConfig {
		t.Errorf("Set with bogus cap = %v, want config error", err)
	}
	if err := store.Set(ctx, "", ResourceTable, "orders", []Capability{CapabilityRead}); KindOf(err) != KindConfig {
		t.Errorf("Set with empty agent = %v, want config error", err)
	}
	if err := store.Set(ctx, "bot", ResourceTable, "  ", []Capability{CapabilityRead}); KindOf(err) != KindConfig {
		t.Errorf("Set with blank resource = %v, want config error", err)
	}
	if err := store.Set(ctx, "bot", ResourceKind("shard"), "orders", []Capability{CapabilityRead}); KindOf(err) != KindConfig {
		t.Errorf("Set with unknown kind = %v, want config error", err)
	}

	// Duplicates collapse and the stored order is fixed.
	caps := []Capability{CapabilityWrite, CapabilityRead, CapabilityRead}
	if err := store.Set(ctx, "bot", ResourceTable, "orders", caps); err != nil {
		t.Fatalf("Set: %v", err)
	}
	perms, err := store.List(ctx, "bot")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("permissions = %d, want 1", len(perms))
	}
	want := []Capability{CapabilityRead, CapabilityWrite}
	if !reflect.DeepEqual(perms[0].Caps, want) {
		t.Errorf("Caps = %v, want %v", perms[0].Caps, want)
	}
}

func TestPermissionRevoke(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	if err := store.Set(ctx, "bot", ResourceTable, "orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Revoke normalizes too, so the grant written as "orders" is
	// revocable as "Orders".
	if err := store.Revoke(ctx, "bot", ResourceTable, "Orders"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	ok, _ := store.Check(ctx, "bot", ResourceTable, "orders", CapabilityRead)
	if ok {
		t.Error("revoked grant still allows access")
	}

	if err := store.Revoke(ctx, "bot", ResourceTable, "orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke of absent grant = %v, want ErrNotFound", err)
	}
}

func TestPermissionRevokeAll(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	for _, id := range []string{"orders", "users"} {
		if err := store.Set(ctx, "bot", ResourceTable, id, []Capability{CapabilityRead}); err != nil {
			t.Fatalf("Set(%s): %v", id, err)
		}
	}

	if err := store.RevokeAll(ctx, "bot"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	perms, err := store.List(ctx, "bot")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(perms) != 0 {
		t.Errorf("permissions after RevokeAll = %v", perms)
	}

	// Part of the revocation cascade; running it again must not fail.
	if err := store.RevokeAll(ctx, "bot"); err != nil {
		t.Errorf("second RevokeAll = %v", err)
	}
}

func TestCheckBatch(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	if err := store.Set(ctx, "bot", ResourceTable, "orders", []Capability{CapabilityRead}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "bot", ResourceTable, "users", []Capability{CapabilityRead, CapabilityWrite}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	decision, err := store.CheckBatch(ctx, "bot", ResourceTable, []ResourceCheck{
		{ResourceID: "Orders", Capability: CapabilityRead},
		{ResourceID: "users", Capability: CapabilityWrite},
		{ResourceID: "invoices", Capability: CapabilityRead},
		{ResourceID: "orders", Capability: CapabilityWrite},
	})
	if err != nil {
		t.Fatalf("CheckBatch: %v", err)
	}

	// Every denied resource is reported, in probe order, normalized.
	if !reflect.DeepEqual(decision.Allowed, []string{"orders", "users"}) {
		t.Errorf("Allowed = %v", decision.Allowed)
	}
	if !reflect.DeepEqual(decision.Denied, []string{"invoices", "orders"}) {
		t.Errorf("Denied = %v", decision.Denied)
	}
	if decision.AllAllowed() {
		t.Error("AllAllowed with denials present")
	}

	empty, err := store.CheckBatch(ctx, "bot", ResourceTable, nil)
	if err != nil {
		t.Fatalf("CheckBatch: %v", err)
	}
	if !empty.AllAllowed() {
		t.Error("empty batch should be all allowed")
	}
}

func TestPermissionList(t *testing.T) {
	store := NewMemoryPermissionStore()
	ctx := context.Background()

	for _, id := range []string{"users", "invoices", "orders"} {
		if err := store.Set(ctx, "bot", ResourceTable, id, []Capability{CapabilityRead}); err != nil {
			t.Fatalf("Set(%s): %v", id, err)
		}
	}

	perms, err := store.List(ctx, "bot")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, p := range perms {
		ids = append(ids, p.ResourceID)
	}
	if !reflect.DeepEqual(ids, []string{"invoices", "orders", "users"}) {
		t.Errorf("List order = %v", ids)
	}
}

func mockPermissionStore(t *testing.T) (*PostgresPermissionStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS gateway_permissions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresPermissionStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgresPermissionStore: %v", err)
	}
	return store, mock, func() { _ = db.Close() }
}

func TestPostgresPermissionSet(t *testing.T) {
	store, mock, done := mockPermissionStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO gateway_permissions").
		WithArgs("bot", "orders", "table", true, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Set(context.Background(), "bot", ResourceTable, "Orders", []Capability{CapabilityRead})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresPermissionCheckBatch(t *testing.T) {
	store, mock, done := mockPermissionStore(t)
	defer done()

	mock.ExpectQuery("SELECT resource_id, can_read, can_write").
		WithArgs("bot", pq.Array([]string{"orders", "users"})).
		WillReturnRows(sqlmock.NewRows([]string{"resource_id", "can_read", "can_write"}).
			AddRow("orders", true, false))

	decision, err := store.CheckBatch(context.Background(), "bot", ResourceTable, []ResourceCheck{
		{ResourceID: "Orders", Capability: CapabilityRead},
		{ResourceID: "users", Capability: CapabilityRead},
	})
	if err != nil {
		t.Fatalf("CheckBatch: %v", err)
	}
	if !reflect.DeepEqual(decision.Allowed, []string{"orders"}) {
		t.Errorf("Allowed = %v", decision.Allowed)
	}
	if !reflect.DeepEqual(decision.Denied, []string{"users"}) {
		t.Errorf("Denied = %v", decision.Denied)
	}
}

func TestPostgresPermissionRevokeNotFound(t *testing.T) {
	store, mock, done := mockPermissionStore(t)
	defer done()

	mock.ExpectExec("DELETE FROM gateway_permissions").
		WithArgs("bot", "orders").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Revoke(context.Background(), "bot", ResourceTable, "orders")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke = %v, want ErrNotFound", err)
	}
}

func TestPostgresPermissionList(t *testing.T) {
	store, mock, done := mockPermissionStore(t)
	defer done()

	updated := time.Now().UTC()
	mock.ExpectQuery("SELECT agent_id, resource_id, resource_kind").
		WithArgs("bot").
		WillReturnRows(sqlmock.NewRows(
			[]string{"agent_id", "resource_id", "resource_kind", "can_read", "can_write", "updated_at"}).
			AddRow("bot", "orders", "table", true, true, updated))

	perms, err := store.List(context.Background(), "bot")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("permissions = %d, want 1", len(perms))
	}
	want := []Capability{CapabilityRead, CapabilityWrite}
	if !reflect.DeepEqual(perms[0].Caps, want) {
		t.Errorf("Caps = %v, want %v", perms[0].Caps, want)
	}
}
