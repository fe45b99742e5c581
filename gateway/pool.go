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
	"time"

	"axonflow/gateway/connectors/base"
	"axonflow/gateway/shared/logger"
)

// Pool defaults, applied when a setting is unset.
const (
	DefaultPoolMaxOpen           = 5
	DefaultPoolMinIdle           = 1
	DefaultPoolMaxIdleAge        = 5 * time.Minute
	DefaultPoolAcquireTimeout    = 5 * time.Second
	DefaultPoolFailoverThreshold = 3
	DefaultPoolSweepInterval     = 30 * time.Second

	poolCloseTimeout = 5 * time.Second
)

// PoolSettings bounds every per-agent pool. MaxOpen is taken literally:
// zero means no connection may ever be acquired and every Acquire fails
// immediately with pool_timeout.
type PoolSettings struct {
	MaxOpen           int
	MinIdle           int
	MaxIdleAge        time.Duration
	AcquireTimeout    time.Duration
	FailoverThreshold int
	SweepInterval     time.Duration
}

func (s PoolSettings) normalized() PoolSettings {
	if s.MaxOpen < 0 {
		s.MaxOpen = 0
	}
	if s.MinIdle < 0 {
		s.MinIdle = 0
	}
	if s.MinIdle > s.MaxOpen {
		s.MinIdle = s.MaxOpen
	}
	if s.MaxIdleAge <= 0 {
		s.MaxIdleAge = DefaultPoolMaxIdleAge
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = DefaultPoolAcquireTimeout
	}
	if s.FailoverThreshold <= 0 {
		s.FailoverThreshold = DefaultPoolFailoverThreshold
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = DefaultPoolSweepInterval
	}
	return s
}

// DefaultPoolSettings returns the settings used when configuration names
// none.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		MaxOpen:           DefaultPoolMaxOpen,
		MinIdle:           DefaultPoolMinIdle,
		MaxIdleAge:        DefaultPoolMaxIdleAge,
		AcquireTimeout:    DefaultPoolAcquireTimeout,
		FailoverThreshold: DefaultPoolFailoverThreshold,
		SweepInterval:     DefaultPoolSweepInterval,
	}
}

// ConnectorFactory creates a fresh, unconnected driver for a kind.
type ConnectorFactory func(kind string) (base.Connector, error)

// BindingOpener supplies the decrypted database config for an agent.
// *Registry implements it.
type BindingOpener interface {
	OpenBinding(ctx context.Context, agentID string) (*DatabaseConfig, error)
}

// FailoverEvent records one advance of an agent's active endpoint.
type FailoverEvent struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// FailoverFunc is notified on every endpoint advance, typically to emit
// a db_failover audit event. It runs on the acquiring goroutine and must
// not block.
type FailoverFunc func(ctx context.Context, ev FailoverEvent)

// PooledConn is a checked-out driver connection. It must go back through
// PoolManager.Release exactly once.
type PooledConn struct {
	conn      base.Connector
	agentID   string
	endpoint  string
	createdAt time.Time
	lastUsed  time.Time
	pool      *agentPool
}

// Conn exposes the underlying driver.
func (c *PooledConn) Conn() base.Connector { return c.conn }

// AgentID names the owning agent.
func (c *PooledConn) AgentID() string { return c.agentID }

// Endpoint reports which endpoint the connection was dialed against.
func (c *PooledConn) Endpoint() string { return c.endpoint }

// Do runs one statement under the call deadline. The deadline is
// mandatory: zero or negative fails with timeout before the driver is
// reached. Drivers receive the deadline through the context and cancel
// in flight where they can.
func (c *PooledConn) Do(ctx context.Context, q *base.Query, deadline time.Duration, write bool) (*base.QueryResult, error) {
	if deadline <= 0 {
		return nil, NewTimeoutError(0)
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if write {
		return c.conn.Execute(runCtx, q)
	}
	return c.conn.Query(runCtx, q)
}

// PoolStats is a point-in-time gauge snapshot for one agent's pool.
type PoolStats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	Waiters int `json:"waiters"`
}

// PoolManagerOptions configures PoolManager construction.
type PoolManagerOptions struct {
	Opener     BindingOpener
	Factory    ConnectorFactory
	Settings   PoolSettings
	Logger     *logger.Logger
	OnFailover FailoverFunc
}

// PoolManager keeps one bounded connection pool per agent. Pools are
// created lazily from the agent's binding on first acquire and torn down
// on invalidation, so a replaced or revoked binding never serves another
// query from stale credentials.
type PoolManager struct {
	settings   PoolSettings
	opener     BindingOpener
	factory    ConnectorFactory
	log        *logger.Logger
	onFailover FailoverFunc

	mu    sync.RWMutex
	pools map[string]*agentPool
}

// NewPoolManager builds a PoolManager. Opener and Factory are required.
func NewPoolManager(opts PoolManagerOptions) *PoolManager {
	log := opts.Logger
	if log == nil {
		log = logger.New("pool")
	}
	return &PoolManager{
		settings:   opts.Settings.normalized(),
		opener:     opts.Opener,
		factory:    opts.Factory,
		log:        log,
		onFailover: opts.OnFailover,
		pools:      make(map[string]*agentPool),
	}
}

// Acquire checks a connection out of the agent's pool, dialing one if
// the pool has room. When saturated it waits up to the acquire timeout.
func (m *PoolManager) Acquire(ctx context.Context, agentID string) (*PooledConn, error) {
	pool, err := m.pool(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return pool.acquire(ctx)
}

// Release returns a checked-out connection. Fatal discards the physical
// connection instead of pooling it.
func (m *PoolManager) Release(conn *PooledConn, fatal bool) {
	if conn == nil {
		return
	}
	conn.pool.release(conn, fatal)
}

// InvalidateAgent tears down the agent's pool. In-use connections are
// discarded as they come back; nothing new is built from the old
// binding.
func (m *PoolManager) InvalidateAgent(ctx context.Context, agentID string) {
	m.mu.Lock()
	pool, ok := m.pools[agentID]
	delete(m.pools, agentID)
	m.mu.Unlock()

	if ok {
		pool.close()
		m.log.Info(agentID, "", "connection pool invalidated", nil)
	}
}

// Shutdown closes every pool. In-use connections are discarded on
// release.
func (m *PoolManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*agentPool)
	m.mu.Unlock()

	for _, pool := range pools {
		pool.close()
	}
}

// StartSweeper closes idle-expired connections and keeps MinIdle warm
// until ctx is cancelled.
func (m *PoolManager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.settings.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *PoolManager) sweep(ctx context.Context) {
	m.mu.RLock()
	pools := make([]*agentPool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.RUnlock()

	for _, pool := range pools {
		pool.sweep(ctx)
	}
}

// Stats snapshots every live pool's gauges, keyed by agent.
func (m *PoolManager) Stats() map[string]PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]PoolStats, len(m.pools))
	for agentID, pool := range m.pools {
		stats[agentID] = pool.stats()
	}
	return stats
}

// pool returns the agent's pool, creating it from the binding on first
// use.
func (m *PoolManager) pool(ctx context.Context, agentID string) (*agentPool, error) {
	m.mu.RLock()
	pool, ok := m.pools[agentID]
	m.mu.RUnlock()
	if ok {
		return pool, nil
	}

	db, err := m.opener.OpenBinding(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || AsError(err) != nil {
			return nil, err
		}
		return nil, NewInternalError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[agentID]; ok {
		return pool, nil
	}
	pool = &agentPool{
		agentID:    agentID,
		settings:   m.settings,
		db:         db,
		factory:    m.factory,
		log:        m.log,
		onFailover: m.onFailover,
	}
	m.pools[agentID] = pool
	return pool, nil
}

// agentPool is one agent's bounded connection pool. The endpoint
// failover state lives here so it is shared by every dial for the
// agent: the active endpoint is sticky until it fails
// FailoverThreshold times in a row.
type agentPool struct {
	agentID    string
	settings   PoolSettings
	db         *DatabaseConfig
	factory    ConnectorFactory
	log        *logger.Logger
	onFailover FailoverFunc

	mu       sync.Mutex
	idle     []*PooledConn
	open     int
	waiters  []chan struct{}
	closed   bool
	active   int
	failures int
}

func (p *agentPool) acquire(ctx context.Context) (*PooledConn, error) {
	if p.settings.MaxOpen == 0 {
		return nil, NewPoolTimeout(0)
	}

	started := time.Now()
	var timer *time.Timer
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, NewConnectError("connection pool closed", nil)
		}

		// Most recently used first; stale idles are closed, not served.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if time.Since(conn.lastUsed) > p.settings.MaxIdleAge {
				p.open--
				p.mu.Unlock()
				p.closeConn(conn)
				p.mu.Lock()
				continue
			}
			p.mu.Unlock()
			return conn, nil
		}

		if p.open < p.settings.MaxOpen {
			p.open++
			active := p.active
			p.mu.Unlock()

			conn, err := p.dial(ctx, active)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}

		// Saturated. Wait for a release, the acquire budget, or the
		// caller's own deadline, whichever comes first.
		ready := make(chan struct{})
		p.waiters = append(p.waiters, ready)
		p.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(p.settings.AcquireTimeout)
			defer timer.Stop()
		}
		select {
		case <-ready:
		case <-timer.C:
			p.dropWaiter(ready)
			return nil, NewPoolTimeout(time.Since(started))
		case <-ctx.Done():
			p.dropWaiter(ready)
			return nil, Classify(ctx.Err())
		}
	}
}

func (p *agentPool) release(conn *PooledConn, fatal bool) {
	p.mu.Lock()
	if fatal || p.closed {
		p.open--
		p.notifyLocked()
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
	p.notifyLocked()
	p.mu.Unlock()
}

// notifyLocked wakes the longest-waiting acquirer. Callers hold p.mu.
func (p *agentPool) notifyLocked() {
	if len(p.waiters) > 0 {
		close(p.waiters[0])
		p.waiters = p.waiters[1:]
	}
}

// dropWaiter retracts a waiter that stopped waiting. When the waiter was
// already notified the wakeup is passed on so it is not lost.
func (p *agentPool) dropWaiter(ready chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ready {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	p.notifyLocked()
}

func (p *agentPool) dial(ctx context.Context, active int) (*PooledConn, error) {
	connector, err := p.factory(p.db.Kind)
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("no driver available for kind %q", p.db.Kind))
	}

	cfg := p.db.ConnectorConfig(p.agentID)
	cfg.ActiveEndpoint = active
	if err := connector.Connect(ctx, cfg); err != nil {
		p.connectFailed(ctx, active)
		return nil, NewConnectError("could not reach the database", err)
	}
	p.connectSucceeded(active)

	now := time.Now()
	return &PooledConn{
		conn:      connector,
		agentID:   p.agentID,
		endpoint:  cfg.Endpoint(),
		createdAt: now,
		lastUsed:  now,
		pool:      p,
	}, nil
}

// connectFailed counts a failure against the active endpoint and
// advances it once the threshold is crossed. Concurrent dials against an
// endpoint that already rotated away do not count again.
func (p *agentPool) connectFailed(ctx context.Context, active int) {
	p.mu.Lock()
	if p.active != active || len(p.db.Endpoints) < 2 {
		if p.active == active {
			p.failures++
		}
		p.mu.Unlock()
		return
	}
	p.failures++
	if p.failures < p.settings.FailoverThreshold {
		p.mu.Unlock()
		return
	}
	from := p.db.Endpoints[p.active]
	p.active = (p.active + 1) % len(p.db.Endpoints)
	p.failures = 0
	to := p.db.Endpoints[p.active]
	hook := p.onFailover
	p.mu.Unlock()

	p.log.Warn(p.agentID, "", "database endpoint failover", map[string]interface{}{
		"from": from,
		"to":   to,
	})
	if hook != nil {
		hook(ctx, FailoverEvent{AgentID: p.agentID, From: from, To: to})
	}
}

func (p *agentPool) connectSucceeded(active int) {
	p.mu.Lock()
	if p.active == active {
		p.failures = 0
	}
	p.mu.Unlock()
}

// sweep closes idle-expired connections and dials warm ones up to
// MinIdle. One failed warm dial ends the pass; the next tick retries.
func (p *agentPool) sweep(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var keep, drop []*PooledConn
	for _, conn := range p.idle {
		if time.Since(conn.lastUsed) > p.settings.MaxIdleAge {
			drop = append(drop, conn)
			p.open--
		} else {
			keep = append(keep, conn)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range drop {
		p.closeConn(conn)
	}

	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.settings.MinIdle || p.open >= p.settings.MaxOpen {
			p.mu.Unlock()
			return
		}
		p.open++
		active := p.active
		p.mu.Unlock()

		conn, err := p.dial(ctx, active)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			p.log.Debug(p.agentID, "", "warm dial failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		p.mu.Lock()
		if p.closed {
			p.open--
			p.mu.Unlock()
			p.closeConn(conn)
			return
		}
		p.idle = append(p.idle, conn)
		p.notifyLocked()
		p.mu.Unlock()
	}
}

func (p *agentPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeConn(conn)
	}
}

func (p *agentPool) closeConn(conn *PooledConn) {
	ctx, cancel := context.WithTimeout(context.Background(), poolCloseTimeout)
	defer cancel()
	if err := conn.conn.Close(ctx); err != nil {
		p.log.Warn(p.agentID, "", "closing pooled connection failed", map[string]interface{}{
			"endpoint": conn.endpoint,
			"error":    err.Error(),
		})
	}
}

func (p *agentPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Open:    p.open,
		Idle:    len(p.idle),
		Waiters: len(p.waiters),
	}
}
