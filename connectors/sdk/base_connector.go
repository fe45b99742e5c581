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

package sdk

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"axonflow/gateway/connectors/base"
)

// BaseConnector provides a foundation for building plugin drivers.
// Embed this struct and override Connect, Close, Ping, Query, Execute,
// and DescribeSchema as needed. The embedding handles config storage,
// validation, lifecycle hooks, metrics, and logging.
type BaseConnector struct {
	name         string
	kind         string
	version      string
	capabilities []string
	config       *base.ConnectorConfig
	connected    bool
	logger       *log.Logger
	validator    ConfigValidator
	hooks        *LifecycleHooks
	metrics      *ConnectorMetrics
	mu           sync.RWMutex
}

// NewBaseConnector creates a base connector for the given driver kind.
func NewBaseConnector(kind string) *BaseConnector {
	return &BaseConnector{
		kind:         kind,
		version:      "1.0.0",
		capabilities: []string{"query", "execute"},
		logger:       log.New(os.Stdout, fmt.Sprintf("[DRIVER_%s] ", kind), log.LstdFlags),
		metrics:      NewConnectorMetrics(kind),
	}
}

// Connect validates and stores the configuration. Override in your
// driver and call this first.
func (c *BaseConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validator != nil {
		if err := c.validator.Validate(config); err != nil {
			return base.NewConnectorError(config.Name, "connect", "configuration validation failed", err)
		}
		if dv, ok := c.validator.(*DefaultConfigValidator); ok {
			dv.ApplyDefaults(config)
		}
	}

	c.config = config
	c.name = config.Name

	if c.config.Timeout == 0 {
		c.config.Timeout = 30 * time.Second
	}

	if c.hooks != nil && c.hooks.OnConnect != nil {
		if err := c.hooks.OnConnect(ctx, config); err != nil {
			return base.NewConnectorError(config.Name, "connect", "hook failed", err)
		}
	}

	c.connected = true
	c.metrics.RecordConnect()
	c.logger.Printf("Driver initialized: %s (kind: %s)", config.Name, c.kind)

	return nil
}

// Close tears down the connection. Override in your driver.
func (c *BaseConnector) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.hooks != nil && c.hooks.OnClose != nil {
		if err := c.hooks.OnClose(ctx); err != nil {
			c.logger.Printf("Warning: close hook failed: %v", err)
		}
	}

	c.connected = false
	c.metrics.RecordDisconnect()

	if c.config != nil {
		c.logger.Printf("Closed: %s", c.config.Name)
	}

	return nil
}

// Ping reports whether the connector considers itself connected.
// Drivers with a real transport should override this with a round trip.
func (c *BaseConnector) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return base.NewTransientError(c.name, "ping", "not connected", nil)
	}
	return nil
}

// Query is a placeholder; drivers must override.
func (c *BaseConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if err := c.requireConnected("query"); err != nil {
		return nil, err
	}
	return nil, base.NewConnectorError(c.name, "query", "driver does not implement Query", nil)
}

// Execute is a placeholder; drivers must override.
func (c *BaseConnector) Execute(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if err := c.requireConnected("execute"); err != nil {
		return nil, err
	}
	return nil, base.NewConnectorError(c.name, "execute", "driver does not implement Execute", nil)
}

// DescribeSchema is a placeholder; drivers that support natural-language
// calls must override.
func (c *BaseConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	if err := c.requireConnected("schema"); err != nil {
		return nil, err
	}
	return nil, base.NewConnectorError(c.name, "schema", "driver does not implement DescribeSchema", nil)
}

// DefaultSchema returns the configured default namespace.
func (c *BaseConnector) DefaultSchema() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config == nil {
		return ""
	}
	return c.config.DefaultSchema
}

func (c *BaseConnector) requireConnected(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return base.NewConnectorError(c.name, op, "not connected", nil)
	}
	return nil
}

// Name returns the connection name from the agent's binding.
func (c *BaseConnector) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Kind returns the driver kind.
func (c *BaseConnector) Kind() string {
	return c.kind
}

// Version returns the driver implementation version.
func (c *BaseConnector) Version() string {
	return c.version
}

// Capabilities returns the declared capability list.
func (c *BaseConnector) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]string, len(c.capabilities))
	copy(caps, c.capabilities)
	return caps
}

// Config returns the stored configuration. Nil before Connect.
func (c *BaseConnector) Config() *base.ConnectorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Connected reports the lifecycle state.
func (c *BaseConnector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Metrics returns the connector's metrics recorder.
func (c *BaseConnector) Metrics() *ConnectorMetrics {
	return c.metrics
}

// Logger returns the connector's prefix logger.
func (c *BaseConnector) Logger() *log.Logger {
	return c.logger
}

// SetVersion overrides the driver version string.
func (c *BaseConnector) SetVersion(version string) {
	c.version = version
}

// SetCapabilities overrides the declared capabilities.
func (c *BaseConnector) SetCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
}

// SetValidator installs a configuration validator run during Connect.
func (c *BaseConnector) SetValidator(v ConfigValidator) {
	c.validator = v
}

// SetHooks installs lifecycle hooks.
func (c *BaseConnector) SetHooks(h *LifecycleHooks) {
	c.hooks = h
}

// SetLogger replaces the prefix logger.
func (c *BaseConnector) SetLogger(l *log.Logger) {
	if l != nil {
		c.logger = l
	}
}

// MarkConnected flips the lifecycle state without running hooks. For
// drivers that manage their own transport inside an overridden Connect.
func (c *BaseConnector) MarkConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}
