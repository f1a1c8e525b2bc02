// Copyright 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package lockctl

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// RetryConfig configures how idempotent board queries are retried. Actuating
// commands (open, close, flash) are never retried: a lost reply does not mean
// the lock stayed shut.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (values below 1 mean one)
	MaxAttempts int
	// InitialBackoff is the wait after the first failure
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts
	MaxBackoff time.Duration
	// BackoffMultiplier grows the wait after each failure
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the wait at random
	Jitter float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// NoRetry runs an operation exactly once.
func NoRetry() *RetryConfig {
	return &RetryConfig{MaxAttempts: 1}
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects,
// attempts run out or ctx ends. The last error is returned.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)
	backoff := config.InitialBackoff

	var (
		result T
		err    error
	)
	for attempt := range attempts {
		result, err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == attempts-1 {
			return result, err
		}

		Debugf("attempt %d/%d failed, retrying: %v", attempt+1, attempts, err)
		if !sleepContext(ctx, jittered(backoff, config.Jitter)) {
			return result, err
		}
		backoff = nextBackoff(backoff, config)
	}
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if config.MaxBackoff > 0 && next > config.MaxBackoff {
		return config.MaxBackoff
	}
	return next
}

// jittered adds a random fraction of base, up to factor, to base.
func jittered(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return base
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return base
	}
	frac := float64(binary.LittleEndian.Uint64(b[:])) / float64(1<<64)
	return base + time.Duration(frac*factor*float64(base))
}
