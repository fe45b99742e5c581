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

package registry

import (
	"reflect"
	"strings"
	"testing"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/connectors/sdk"
)

func newMock(kind string) Creator {
	return func() base.Connector {
		return sdk.NewMockConnector(kind)
	}
}

func TestRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("postgres", newMock("postgres")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !r.IsRegistered("postgres") {
		t.Error("IsRegistered(postgres) = false after Register")
	}

	err := r.Register("postgres", newMock("postgres"))
	if err == nil {
		t.Fatal("duplicate Register() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate error = %q, want 'already registered'", err)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", newMock("x")); err == nil {
		t.Error("Register with empty kind succeeded, want error")
	}
	if err := r.Register("postgres", nil); err == nil {
		t.Error("Register with nil creator succeeded, want error")
	}
	err := r.Register("plugin:cassandra", newMock("plugin:cassandra"))
	if err == nil {
		t.Fatal("Register with plugin prefix succeeded, want error")
	}
	if !strings.Contains(err.Error(), "RegisterPlugin") {
		t.Errorf("error = %q, want pointer to RegisterPlugin", err)
	}
}

func TestRegisterPlugin(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterPlugin("cassandra", newMock("plugin:cassandra")); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}
	if !r.IsRegistered("plugin:cassandra") {
		t.Error("plugin not stored under prefixed kind")
	}
	if r.IsRegistered("cassandra") {
		t.Error("plugin leaked into the bare namespace")
	}

	// Prefixed and bare spellings name the same plugin.
	if err := r.RegisterPlugin("plugin:cassandra", newMock("plugin:cassandra")); err == nil {
		t.Error("duplicate RegisterPlugin() succeeded, want error")
	}

	if err := r.RegisterPlugin("", newMock("x")); err == nil {
		t.Error("RegisterPlugin with empty name succeeded, want error")
	}
	if err := r.RegisterPlugin("plugin:", newMock("x")); err == nil {
		t.Error("RegisterPlugin with bare prefix succeeded, want error")
	}
}

func TestPluginCannotShadowBuiltin(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("postgres", newMock("postgres")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.RegisterPlugin("postgres", newMock("plugin:postgres")); err != nil {
		t.Fatalf("RegisterPlugin(postgres) error = %v", err)
	}

	// The two registrations resolve to distinct connectors.
	builtin, err := r.Create("postgres")
	if err != nil {
		t.Fatalf("Create(postgres) error = %v", err)
	}
	plugin, err := r.Create("plugin:postgres")
	if err != nil {
		t.Fatalf("Create(plugin:postgres) error = %v", err)
	}
	if builtin.Kind() == plugin.Kind() {
		t.Errorf("builtin and plugin share kind %q", builtin.Kind())
	}
}

func TestCreate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("mysql", newMock("mysql")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	first, err := r.Create("mysql")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := r.Create("mysql")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first == second {
		t.Error("Create() returned the same instance twice")
	}

	_, err = r.Create("oracle")
	if err == nil {
		t.Fatal("Create(oracle) succeeded, want error")
	}
	if !strings.Contains(err.Error(), "unknown connector kind") {
		t.Errorf("error = %q, want 'unknown connector kind'", err)
	}
}

func TestKinds_Sorted(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []string{"snowflake", "bigquery", "mysql"} {
		if err := r.Register(kind, newMock(kind)); err != nil {
			t.Fatalf("Register(%s) error = %v", kind, err)
		}
	}
	if err := r.RegisterPlugin("cassandra", newMock("plugin:cassandra")); err != nil {
		t.Fatalf("RegisterPlugin() error = %v", err)
	}

	want := []string{"bigquery", "mysql", "plugin:cassandra", "snowflake"}
	if got := r.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
	if r.Count() != 4 {
		t.Errorf("Count() = %d, want 4", r.Count())
	}
}

func TestDefault_Builtins(t *testing.T) {
	r := Default()

	for _, kind := range []string{
		base.KindPostgres,
		base.KindMySQL,
		base.KindMongo,
		base.KindBigQuery,
		base.KindSnowflake,
		"plugin:cassandra",
	} {
		if !r.IsRegistered(kind) {
			t.Errorf("Default() missing kind %q", kind)
		}
		conn, err := r.Create(kind)
		if err != nil {
			t.Errorf("Create(%s) error = %v", kind, err)
			continue
		}
		if conn.Kind() != kind {
			t.Errorf("Create(%s).Kind() = %q", kind, conn.Kind())
		}
	}

	if Default() != r {
		t.Error("Default() returned a different instance on second call")
	}
}

func TestFactoryFunc(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("mongodb", newMock("mongodb")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	factory := r.FactoryFunc()
	conn, err := factory("mongodb")
	if err != nil {
		t.Fatalf("factory(mongodb) error = %v", err)
	}
	if conn.Kind() != "mongodb" {
		t.Errorf("Kind() = %q, want %q", conn.Kind(), "mongodb")
	}
	if _, err := factory("nope"); err == nil {
		t.Error("factory(nope) succeeded, want error")
	}
}
