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

// Package registry maps connector kinds to constructors. Built-in database
// drivers are registered under their bare kind ("postgres", "mysql", ...);
// plugin connectors live under the "plugin:" namespace so they can never
// shadow a built-in.
package registry

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/connectors/bigquery"
	"axonflow/gateway/connectors/cassandra"
	"axonflow/gateway/connectors/mongodb"
	"axonflow/gateway/connectors/mysql"
	"axonflow/gateway/connectors/postgres"
	"axonflow/gateway/connectors/snowflake"
)

// Creator builds a new, unconnected connector instance. Every call must
// return a fresh value; the pool connects and owns each instance.
type Creator func() base.Connector

// Factory is the function form of Create, for callers that should not hold
// a full registry.
type Factory func(kind string) (base.Connector, error)

// Registry holds connector creators keyed by kind.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
	logger   *log.Logger
}

var defaultRegistry *Registry
var defaultRegistryOnce sync.Once

// Default returns the process-wide registry with all built-in drivers and
// bundled plugins registered.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.registerBuiltins()
	})
	return defaultRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		creators: make(map[string]Creator),
		logger:   log.New(log.Writer(), "[CONNECTOR_REGISTRY] ", log.LstdFlags),
	}
}

// Register adds a built-in connector creator. Kinds carrying the plugin
// prefix must go through RegisterPlugin instead. Registering a kind twice
// is an error.
func (r *Registry) Register(kind string, creator Creator) error {
	if kind == "" {
		return fmt.Errorf("connector kind is required")
	}
	if strings.HasPrefix(kind, base.PluginPrefix) {
		return fmt.Errorf("kind %q carries the plugin prefix, use RegisterPlugin", kind)
	}
	return r.register(kind, creator)
}

// RegisterPlugin adds a plugin connector creator under the plugin namespace.
// The name may be given with or without the "plugin:" prefix; it is stored
// prefixed either way. Registering a name twice is an error.
func (r *Registry) RegisterPlugin(name string, creator Creator) error {
	name = strings.TrimPrefix(name, base.PluginPrefix)
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	return r.register(base.PluginPrefix+name, creator)
}

func (r *Registry) register(kind string, creator Creator) error {
	if creator == nil {
		return fmt.Errorf("creator for kind %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.creators[kind]; exists {
		return fmt.Errorf("connector kind %q already registered", kind)
	}
	r.creators[kind] = creator
	r.logger.Printf("Registered connector kind: %s", kind)
	return nil
}

// Replace adds or overwrites a creator without the duplicate check. Tests
// use this to swap in mocks.
func (r *Registry) Replace(kind string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[kind] = creator
}

// Create instantiates a new unconnected connector of the given kind.
func (r *Registry) Create(kind string) (base.Connector, error) {
	r.mu.RLock()
	creator, exists := r.creators[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown connector kind: %s", kind)
	}
	return creator(), nil
}

// IsRegistered reports whether a creator exists for the kind.
func (r *Registry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.creators[kind]
	return exists
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.creators))
	for kind := range r.creators {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Count returns the number of registered kinds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creators)
}

// FactoryFunc adapts the registry to the Factory function type.
func (r *Registry) FactoryFunc() Factory {
	return r.Create
}

// registerBuiltins wires up the database drivers shipped with the gateway
// plus the bundled Cassandra plugin. Registration happens once per process,
// so errors here would be programming mistakes; they panic.
func (r *Registry) registerBuiltins() {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("registry: %v", err))
		}
	}

	must(r.Register(base.KindPostgres, func() base.Connector {
		return postgres.NewPostgresConnector()
	}))
	must(r.Register(base.KindMySQL, func() base.Connector {
		return mysql.NewMySQLConnector()
	}))
	must(r.Register(base.KindMongo, func() base.Connector {
		return mongodb.NewMongoDBConnector()
	}))
	must(r.Register(base.KindBigQuery, func() base.Connector {
		return bigquery.NewBigQueryConnector()
	}))
	must(r.Register(base.KindSnowflake, func() base.Connector {
		return snowflake.NewSnowflakeConnector()
	}))

	must(r.RegisterPlugin("cassandra", func() base.Connector {
		return cassandra.NewCassandraConnector()
	}))

	r.logger.Printf("Registered %d built-in connector kinds", r.Count())
}
