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

package cassandra

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"

	"axonflow/gateway/connectors/base"
)

func TestNewCassandraConnector_Metadata(t *testing.T) {
	c := NewCassandraConnector()

	if c.Kind() != "plugin:cassandra" {
		t.Errorf("Kind() = %q, want %q", c.Kind(), "plugin:cassandra")
	}
	if c.Version() == "" {
		t.Error("Version() is empty")
	}

	caps := strings.Join(c.Capabilities(), ",")
	for _, want := range []string{"query", "execute", "schema"} {
		if !strings.Contains(caps, want) {
			t.Errorf("Capabilities() = %v, missing %q", c.Capabilities(), want)
		}
	}
}

func TestOpenSession_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *base.ConnectorConfig
		wantErr string
	}{
		{
			name: "missing endpoints",
			config: &base.ConnectorConfig{
				Name:     "events",
				Kind:     Kind,
				Database: "events_ks",
			},
			wantErr: "endpoint",
		},
		{
			name: "missing keyspace",
			config: &base.ConnectorConfig{
				Name:      "events",
				Kind:      Kind,
				Endpoints: []string{"cass-1:9042"},
			},
			wantErr: "keyspace",
		},
	}

	c := NewCassandraConnector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.openSession(context.Background(), tt.config)
			if err == nil {
				t.Fatal("openSession() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNotConnected(t *testing.T) {
	c := NewCassandraConnector()
	ctx := context.Background()
	query := &base.Query{Statement: "SELECT * FROM users"}

	if _, err := c.Query(ctx, query); !isTransient(err) {
		t.Errorf("Query() error = %v, want transient connector error", err)
	}
	if _, err := c.Execute(ctx, query); !isTransient(err) {
		t.Errorf("Execute() error = %v, want transient connector error", err)
	}
	if err := c.Ping(ctx); !isTransient(err) {
		t.Errorf("Ping() error = %v, want transient connector error", err)
	}
	if _, err := c.DescribeSchema(ctx); !isTransient(err) {
		t.Errorf("DescribeSchema() error = %v, want transient connector error", err)
	}
}

func isTransient(err error) bool {
	var cerr *base.ConnectorError
	return errors.As(err, &cerr) && cerr.Transient
}

func TestParseConsistency(t *testing.T) {
	tests := []struct {
		in   string
		want gocql.Consistency
	}{
		{"ANY", gocql.Any},
		{"ONE", gocql.One},
		{"TWO", gocql.Two},
		{"THREE", gocql.Three},
		{"QUORUM", gocql.Quorum},
		{"ALL", gocql.All},
		{"LOCAL_QUORUM", gocql.LocalQuorum},
		{"EACH_QUORUM", gocql.EachQuorum},
		{"LOCAL_ONE", gocql.LocalOne},
		{"local_quorum", gocql.LocalQuorum},
		{" quorum ", gocql.Quorum},
		{"bogus", gocql.Quorum},
		{"", gocql.Quorum},
	}

	for _, tt := range tests {
		if got := parseConsistency(tt.in); got != tt.want {
			t.Errorf("parseConsistency(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// Connecting with hooks disabled exercises the SDK lifecycle without a live
// cluster.
func TestLifecycleWithoutSession(t *testing.T) {
	c := NewCassandraConnector()
	c.SetHooks(nil)

	config := &base.ConnectorConfig{
		Name:      "events",
		Kind:      Kind,
		Endpoints: []string{"cass-1:9042", "cass-2:9042"},
		Database:  "events_ks",
		Timeout:   5 * time.Second,
	}
	if err := c.Connect(context.Background(), config); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after Connect")
	}
	if got := c.Name(); got != "events" {
		t.Errorf("Name() = %q, want %q", got, "events")
	}
	if got := c.DefaultSchema(); got != "events_ks" {
		t.Errorf("DefaultSchema() = %q, want keyspace %q", got, "events_ks")
	}

	config.DefaultSchema = "analytics_ks"
	if got := c.DefaultSchema(); got != "analytics_ks" {
		t.Errorf("DefaultSchema() = %q, want override %q", got, "analytics_ks")
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
}

func TestDefaultSchema_Unconfigured(t *testing.T) {
	c := NewCassandraConnector()
	if got := c.DefaultSchema(); got != "" {
		t.Errorf("DefaultSchema() = %q, want empty before Connect", got)
	}
}
