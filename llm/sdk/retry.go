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

package sdk

import (
	"context"
	"math/rand"
	"time"
)

// Strategy selects how retry delays grow across attempts.
type Strategy string

const (
	// StrategyNone disables retries; the call is attempted once.
	StrategyNone Strategy = "none"

	// StrategyFixed waits BaseDelay between every attempt.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear waits BaseDelay multiplied by the attempt number.
	StrategyLinear Strategy = "linear"

	// StrategyExponential doubles the delay each attempt.
	StrategyExponential Strategy = "exponential"
)

// jitterFraction spreads delays by up to ±20% when jitter is enabled.
const jitterFraction = 0.2

// Policy configures retry behavior for one provider.
type Policy struct {
	Strategy    Strategy      `json:"strategy"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      bool          `json:"jitter"`
}

// DefaultPolicy returns the policy used when a provider has none.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// attempts returns the number of calls the policy permits.
func (p Policy) attempts() int {
	if p.Strategy == StrategyNone || p.Strategy == "" || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = p.BaseDelay
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = p.BaseDelay << uint(shift)
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		delta := float64(d) * jitterFraction
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*delta)
	}
	return d
}

// Do runs fn under the policy. Retries happen only while retryable
// reports the error as retriable; a nil retryable retries everything.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := p.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}

	return zero, lastErr
}
