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

// Package sdk provides the dispatch primitives shared by provider
// adapters: token-bucket rate limiting and retry policies.
package sdk

import (
	"context"
	"sync/atomic"
	"time"
)

// Limits bounds provider dispatch over two horizons. A zero horizon is
// unlimited.
type Limits struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
}

// IsZero reports whether no horizon is set.
func (l Limits) IsZero() bool {
	return l.PerMinute == 0 && l.PerHour == 0
}

// Token amounts are tracked in fixed-point micro-tokens so refill can be
// computed from elapsed nanoseconds without floating-point state.
const microToken = 1_000_000

type bucketState struct {
	micro int64 // available tokens in micro units
	last  int64 // unix nanos of the last refill
}

// Bucket is a token bucket holding capacity tokens refilled continuously
// over one window. It is lock-free: state transitions are published via
// compare-and-swap on an immutable snapshot.
type Bucket struct {
	capacity int64 // micro tokens
	window   int64 // nanos to refill capacity
	state    atomic.Pointer[bucketState]
}

// NewBucket creates a full bucket of n tokens refilling over window.
func NewBucket(n int, window time.Duration) *Bucket {
	b := &Bucket{
		capacity: int64(n) * microToken,
		window:   int64(window),
	}
	b.state.Store(&bucketState{micro: b.capacity, last: time.Now().UnixNano()})
	return b
}

// refilled computes the balance at now from a prior state.
func (b *Bucket) refilled(cur *bucketState, now int64) int64 {
	micro := cur.micro
	if now > cur.last {
		elapsed := now - cur.last
		micro += int64(float64(elapsed) * float64(b.capacity) / float64(b.window))
		if micro > b.capacity {
			micro = b.capacity
		}
	}
	return micro
}

// take removes one token. On failure it returns the wait after which a
// token will have accrued.
func (b *Bucket) take(now int64) (bool, time.Duration) {
	for {
		cur := b.state.Load()
		micro := b.refilled(cur, now)
		if micro < microToken {
			deficit := microToken - micro
			wait := time.Duration(float64(deficit) * float64(b.window) / float64(b.capacity))
			if wait <= 0 {
				wait = time.Nanosecond
			}
			return false, wait
		}
		next := &bucketState{micro: micro - microToken, last: maxInt64(cur.last, now)}
		if b.state.CompareAndSwap(cur, next) {
			return true, 0
		}
	}
}

// wait reports the time until a token is available, zero if one already is.
func (b *Bucket) wait(now int64) time.Duration {
	micro := b.refilled(b.state.Load(), now)
	if micro >= microToken {
		return 0
	}
	return time.Duration(float64(microToken-micro) * float64(b.window) / float64(b.capacity))
}

// putBack refunds one token, used when a composite acquire fails on a
// later horizon.
func (b *Bucket) putBack() {
	for {
		cur := b.state.Load()
		micro := cur.micro + microToken
		if micro > b.capacity {
			micro = b.capacity
		}
		next := &bucketState{micro: micro, last: cur.last}
		if b.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// available returns whole tokens, for tests and gauges.
func (b *Bucket) available(now int64) int {
	return int(b.refilled(b.state.Load(), now) / microToken)
}

// Limiter enforces Limits across both horizons. An acquisition consumes
// one token from every configured horizon; when any horizon is empty the
// acquisition fails with a hint for the earliest instant it can succeed.
type Limiter struct {
	minute *Bucket
	hour   *Bucket
}

// NewLimiter creates a limiter for the given limits. Both horizons zero
// yields a limiter that always admits.
func NewLimiter(l Limits) *Limiter {
	lim := &Limiter{}
	if l.PerMinute > 0 {
		lim.minute = NewBucket(l.PerMinute, time.Minute)
	}
	if l.PerHour > 0 {
		lim.hour = NewBucket(l.PerHour, time.Hour)
	}
	return lim
}

// Acquire attempts to admit one request without blocking. On refusal the
// returned duration is the retry-after hint.
func (l *Limiter) Acquire() (bool, time.Duration) {
	return l.acquireAt(time.Now().UnixNano())
}

func (l *Limiter) acquireAt(now int64) (bool, time.Duration) {
	if l.minute != nil {
		ok, wait := l.minute.take(now)
		if !ok {
			if l.hour != nil {
				if hw := l.hour.wait(now); hw > wait {
					wait = hw
				}
			}
			return false, wait
		}
	}
	if l.hour != nil {
		ok, wait := l.hour.take(now)
		if !ok {
			if l.minute != nil {
				l.minute.putBack()
			}
			return false, wait
		}
	}
	return true, 0
}

// Wait blocks until a request is admitted or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, retryAfter := l.Acquire()
		if ok {
			return nil
		}
		if retryAfter > time.Second {
			retryAfter = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// Available returns whole tokens per horizon. A nil horizon reports -1.
func (l *Limiter) Available() (minute, hour int) {
	now := time.Now().UnixNano()
	minute, hour = -1, -1
	if l.minute != nil {
		minute = l.minute.available(now)
	}
	if l.hour != nil {
		hour = l.hour.available(now)
	}
	return minute, hour
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
