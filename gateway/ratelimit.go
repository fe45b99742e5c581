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
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/gateway/shared/logger"
)

// AgentRateLimits caps request admission per agent. A zero horizon is
// unlimited.
type AgentRateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

func (l AgentRateLimits) disabled() bool {
	return l.PerMinute <= 0 && l.PerHour <= 0
}

// AgentLimiter screens requests per agent ahead of the pipeline. Allow
// admits one request or fails with rate_limited carrying the retry_after
// hint.
type AgentLimiter interface {
	Allow(ctx context.Context, agentID string) error

	// Reset drops the agent's counters. Admin operation.
	Reset(ctx context.Context, agentID string) error

	Close() error
}

// rateWindow is one fixed window aligned to wall-clock boundaries.
type rateWindow struct {
	count int
	reset time.Time
}

// hit counts one request against the window, rolling it over at the
// boundary. Over-limit requests still count; a flooding agent does not
// earn tokens by being refused.
func (w *rateWindow) hit(now time.Time, span time.Duration, limit int) (bool, time.Duration) {
	if !now.Before(w.reset) {
		w.count = 0
		w.reset = now.Truncate(span).Add(span)
	}
	w.count++
	if w.count > limit {
		return true, w.reset.Sub(now)
	}
	return false, 0
}

type agentWindows struct {
	minute rateWindow
	hour   rateWindow
}

// MemoryAgentLimiter keeps fixed windows in process memory. Single
// instance deployments and development mode use it; multi-instance
// deployments share counters through the Redis limiter instead.
type MemoryAgentLimiter struct {
	limits AgentRateLimits

	mu      sync.Mutex
	entries map[string]*agentWindows
}

// NewMemoryAgentLimiter creates an in-memory limiter.
func NewMemoryAgentLimiter(limits AgentRateLimits) *MemoryAgentLimiter {
	return &MemoryAgentLimiter{
		limits:  limits,
		entries: make(map[string]*agentWindows),
	}
}

func (l *MemoryAgentLimiter) Allow(ctx context.Context, agentID string) error {
	if l.limits.disabled() {
		return nil
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[agentID]
	if !ok {
		entry = &agentWindows{}
		l.entries[agentID] = entry
	}

	var wait time.Duration
	if l.limits.PerMinute > 0 {
		if over, until := entry.minute.hit(now, time.Minute, l.limits.PerMinute); over && until > wait {
			wait = until
		}
	}
	if l.limits.PerHour > 0 {
		if over, until := entry.hour.hit(now, time.Hour, l.limits.PerHour); over && until > wait {
			wait = until
		}
	}
	if wait > 0 {
		return NewRateLimited("agent", wait)
	}
	return nil
}

func (l *MemoryAgentLimiter) Reset(ctx context.Context, agentID string) error {
	l.mu.Lock()
	delete(l.entries, agentID)
	l.mu.Unlock()
	return nil
}

func (l *MemoryAgentLimiter) Close() error { return nil }

const rateLimitKeyPrefix = "gateway:ratelimit"

// RedisLimiterOptions configures the Redis-backed limiter.
type RedisLimiterOptions struct {
	Addr     string
	Password string
	DB       int
	Limits   AgentRateLimits
	Logger   *logger.Logger
}

// RedisAgentLimiter shares fixed windows across gateway instances via
// INCR+EXPIRE keys bucketed by wall-clock window. Redis failures fail
// open: a broken limiter backend must not take queries down with it.
type RedisAgentLimiter struct {
	client *redis.Client
	limits AgentRateLimits
	log    *logger.Logger
}

// NewRedisAgentLimiter connects to Redis and verifies it responds.
func NewRedisAgentLimiter(ctx context.Context, opts RedisLimiterOptions) (*RedisAgentLimiter, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New("ratelimit")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	return &RedisAgentLimiter{client: client, limits: opts.Limits, log: log}, nil
}

func (l *RedisAgentLimiter) Allow(ctx context.Context, agentID string) error {
	if l.limits.disabled() {
		return nil
	}
	now := time.Now()

	pipe := l.client.Pipeline()
	var minuteCmd, hourCmd *redis.IntCmd
	if l.limits.PerMinute > 0 {
		key := fmt.Sprintf("%s:%s:m:%d", rateLimitKeyPrefix, agentID, now.Unix()/60)
		minuteCmd = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Minute)
	}
	if l.limits.PerHour > 0 {
		key := fmt.Sprintf("%s:%s:h:%d", rateLimitKeyPrefix, agentID, now.Unix()/3600)
		hourCmd = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn(agentID, "", "rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	var wait time.Duration
	if minuteCmd != nil && minuteCmd.Val() > int64(l.limits.PerMinute) {
		wait = untilWindowEnd(now, time.Minute)
	}
	if hourCmd != nil && hourCmd.Val() > int64(l.limits.PerHour) {
		if w := untilWindowEnd(now, time.Hour); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return NewRateLimited("agent", wait)
	}
	return nil
}

func (l *RedisAgentLimiter) Reset(ctx context.Context, agentID string) error {
	now := time.Now()
	keys := []string{
		fmt.Sprintf("%s:%s:m:%d", rateLimitKeyPrefix, agentID, now.Unix()/60),
		fmt.Sprintf("%s:%s:h:%d", rateLimitKeyPrefix, agentID, now.Unix()/3600),
	}
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("resetting rate limit for %s: %w", agentID, err)
	}
	return nil
}

func (l *RedisAgentLimiter) Close() error {
	return l.client.Close()
}

func untilWindowEnd(now time.Time, span time.Duration) time.Duration {
	return now.Truncate(span).Add(span).Sub(now)
}
