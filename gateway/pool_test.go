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
	"fmt"
	"sync"
	"testing"
	"time"

	"axonflow/gateway/connectors/base"
)

// fakeDriver hands out fakeConnectors and counts lifecycle events across
// all of them.
type fakeDriver struct {
	mu     sync.Mutex
	fail   map[string]bool // endpoints that refuse connections
	dials  int
	closes int
}

func (d *fakeDriver) factory(kind string) (base.Connector, error) {
	return &fakeConnector{driver: d}, nil
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDriver) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

type fakeConnector struct {
	driver   *fakeDriver
	endpoint string

	mu          sync.Mutex
	queries     int
	execs       int
	sawDeadline bool
}

func (c *fakeConnector) Connect(ctx context.Context, cfg *base.ConnectorConfig) error {
	c.endpoint = cfg.Endpoint()
	c.driver.mu.Lock()
	c.driver.dials++
	refused := c.driver.fail[c.endpoint]
	c.driver.mu.Unlock()
	if refused {
		return base.NewTransientError("fake", "connect", "connection refused", nil)
	}
	return nil
}

func (c *fakeConnector) Close(ctx context.Context) error {
	c.driver.mu.Lock()
	c.driver.closes++
	c.driver.mu.Unlock()
	return nil
}

func (c *fakeConnector) Ping(ctx context.Context) error { return nil }

func (c *fakeConnector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	c.mu.Lock()
	c.queries++
	_, c.sawDeadline = ctx.Deadline()
	c.mu.Unlock()
	return &base.QueryResult{Connector: "fake"}, nil
}

func (c *fakeConnector) Execute(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	c.mu.Lock()
	c.execs++
	_, c.sawDeadline = ctx.Deadline()
	c.mu.Unlock()
	return &base.QueryResult{Connector: "fake", RowCount: 1}, nil
}

func (c *fakeConnector) DescribeSchema(ctx context.Context) (*base.Schema, error) {
	return &base.Schema{}, nil
}

func (c *fakeConnector) DefaultSchema() string { return "public" }

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Kind() string { return "plugin:fake" }

func (c *fakeConnector) Version() string { return "0.0.1" }

func (c *fakeConnector) Capabilities() []string { return []string{"query", "execute"} }

type fakeOpener struct {
	mu    sync.Mutex
	db    *DatabaseConfig
	err   error
	opens int
}

func (o *fakeOpener) OpenBinding(ctx context.Context, agentID string) (*DatabaseConfig, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return o.db, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func testPoolManager(t *testing.T, driver *fakeDriver, settings PoolSettings, hook FailoverFunc) (*PoolManager, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{db: &DatabaseConfig{
		Kind:      "plugin:fake",
		Endpoints: []string{"a:1", "b:1"},
	}}
	m := NewPoolManager(PoolManagerOptions{
		Opener:     opener,
		Factory:    driver.factory,
		Settings:   settings,
		OnFailover: hook,
	})
	return m, opener
}

func TestPoolReuse(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 2, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(conn, false)

	again, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if again != conn {
		t.Error("released connection was not reused")
	}
	if driver.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", driver.dialCount())
	}
	m.Release(again, false)
}

func TestPoolSaturationTimesOut(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = m.Acquire(ctx, "bot")
	if KindOf(err) != KindPoolTimeout {
		t.Errorf("saturated Acquire = %v, want pool_timeout", err)
	}

	m.Release(conn, false)
	conn2, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	m.Release(conn2, false)
}

func TestPoolWaiterHandoff(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: 2 * time.Second}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type result struct {
		conn *PooledConn
		err  error
	}
	got := make(chan result, 1)
	go func() {
		c, err := m.Acquire(ctx, "bot")
		got <- result{c, err}
	}()

	time.Sleep(20 * time.Millisecond)
	stats := m.Stats()["bot"]
	if stats.Open != 1 || stats.Waiters != 1 {
		t.Errorf("stats while saturated = %+v", stats)
	}

	m.Release(conn, false)
	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("waiting Acquire: %v", r.err)
		}
		if r.conn != conn {
			t.Error("waiter did not receive the released connection")
		}
		m.Release(r.conn, false)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestPoolMaxOpenZero(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 0, AcquireTimeout: 5 * time.Second}, nil)

	started := time.Now()
	_, err := m.Acquire(context.Background(), "bot")
	if KindOf(err) != KindPoolTimeout {
		t.Errorf("Acquire = %v, want pool_timeout", err)
	}
	if time.Since(started) > time.Second {
		t.Error("a zero-size pool must fail immediately, not wait out the timeout")
	}
}

func TestPoolFatalReleaseDiscards(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(conn, true)
	if driver.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", driver.closeCount())
	}

	fresh, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire after fatal release: %v", err)
	}
	if fresh == conn {
		t.Error("discarded connection came back")
	}
	if driver.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", driver.dialCount())
	}
	m.Release(fresh, false)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: 2 * time.Second}, nil)

	conn, err := m.Acquire(context.Background(), "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(conn, false)

	deadlined, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(deadlined, "bot"); KindOf(err) != KindTimeout {
		t.Errorf("Acquire past caller deadline = %v, want timeout", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := m.Acquire(cancelled, "bot"); KindOf(err) != KindCancelled {
		t.Errorf("Acquire on cancelled context = %v, want cancelled", err)
	}
}

func TestPoolEndpointFailover(t *testing.T) {
	driver := &fakeDriver{fail: map[string]bool{"a:1": true}}

	var mu sync.Mutex
	var events []FailoverEvent
	hook := func(ctx context.Context, ev FailoverEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	m, _ := testPoolManager(t, driver, PoolSettings{
		MaxOpen:           2,
		AcquireTimeout:    time.Second,
		FailoverThreshold: 2,
	}, hook)
	ctx := context.Background()

	// The primary refuses twice before the pool advances.
	for i := 0; i < 2; i++ {
		if _, err := m.Acquire(ctx, "bot"); KindOf(err) != KindConnect {
			t.Fatalf("Acquire %d = %v, want connect error", i, err)
		}
	}

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire after failover: %v", err)
	}
	if conn.Endpoint() != "b:1" {
		t.Errorf("Endpoint = %q, want the secondary", conn.Endpoint())
	}
	m.Release(conn, false)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("failover events = %d, want 1", len(events))
	}
	if events[0].From != "a:1" || events[0].To != "b:1" || events[0].AgentID != "bot" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestPoolSweeperExpiresIdle(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{
		MaxOpen:        2,
		MaxIdleAge:     20 * time.Millisecond,
		AcquireTimeout: time.Second,
	}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(conn, false)

	time.Sleep(50 * time.Millisecond)
	m.sweep(ctx)

	if driver.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", driver.closeCount())
	}
	stats := m.Stats()["bot"]
	if stats.Open != 0 || stats.Idle != 0 {
		t.Errorf("stats after sweep = %+v", stats)
	}
}

func TestPoolSweeperKeepsWarm(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{
		MaxOpen:        3,
		MinIdle:        2,
		AcquireTimeout: time.Second,
	}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(conn, false)

	m.sweep(ctx)
	stats := m.Stats()["bot"]
	if stats.Idle != 2 || stats.Open != 2 {
		t.Errorf("stats after warm sweep = %+v", stats)
	}
}

func TestPoolInvalidateAgent(t *testing.T) {
	driver := &fakeDriver{}
	m, opener := testPoolManager(t, driver, PoolSettings{MaxOpen: 2, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	inUse, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	idle, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(idle, false)

	m.InvalidateAgent(ctx, "bot")
	if driver.closeCount() != 1 {
		t.Errorf("closes after invalidate = %d, want 1 (the idle one)", driver.closeCount())
	}

	// The in-flight connection is discarded when it comes back.
	m.Release(inUse, false)
	if driver.closeCount() != 2 {
		t.Errorf("closes after release = %d, want 2", driver.closeCount())
	}

	// The next acquire rebuilds the pool from a fresh binding read.
	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire after invalidate: %v", err)
	}
	if opener.openCount() != 2 {
		t.Errorf("binding opens = %d, want 2", opener.openCount())
	}
	m.Release(conn, false)
}

func TestPoolUnknownAgent(t *testing.T) {
	driver := &fakeDriver{}
	m, opener := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: time.Second}, nil)
	opener.err = fmt.Errorf("binding for agent %q: %w", "ghost", ErrNotFound)

	_, err := m.Acquire(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire = %v, want ErrNotFound", err)
	}
}

func TestPooledConnDo(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 1, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(conn, false)
	fake := conn.Conn().(*fakeConnector)

	// A zero deadline times out before the driver sees anything.
	if _, err := conn.Do(ctx, &base.Query{Statement: "SELECT 1"}, 0, false); KindOf(err) != KindTimeout {
		t.Errorf("Do with zero deadline = %v, want timeout", err)
	}
	if fake.queries != 0 {
		t.Error("driver was reached despite the zero deadline")
	}

	if _, err := conn.Do(ctx, &base.Query{Statement: "SELECT 1"}, time.Second, false); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if fake.queries != 1 || !fake.sawDeadline {
		t.Errorf("queries = %d, sawDeadline = %v", fake.queries, fake.sawDeadline)
	}

	if _, err := conn.Do(ctx, &base.Query{Statement: "DELETE FROM t"}, time.Second, true); err != nil {
		t.Fatalf("Do write: %v", err)
	}
	if fake.execs != 1 {
		t.Errorf("execs = %d, want 1", fake.execs)
	}
}

func TestPoolShutdown(t *testing.T) {
	driver := &fakeDriver{}
	m, _ := testPoolManager(t, driver, PoolSettings{MaxOpen: 2, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	conn, err := m.Acquire(ctx, "bot")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(conn, false)

	m.Shutdown(ctx)
	if driver.closeCount() != 1 {
		t.Errorf("closes = %d, want 1", driver.closeCount())
	}
	if len(m.Stats()) != 0 {
		t.Error("pools survived shutdown")
	}
}
