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

package monitor

import "time"

// SleepRecoveryConfig configures detection of host sleep/wake between polls.
// A wake forces fast polling so the state map catches up quickly.
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
	}
}

// DetectSleep checks if the elapsed time since last poll indicates a system sleep.
// Returns true if elapsed time exceeds (pollInterval + TimeDiscontinuityThreshold).
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	return elapsed > pollInterval+cfg.TimeDiscontinuityThreshold
}

// Config holds monitor configuration options
type Config struct {
	// Interval between polls while locks are changing
	Interval time.Duration
	// IdleInterval is used once nothing has changed for IdleAfter. Zero
	// keeps polling at Interval.
	IdleInterval time.Duration
	IdleAfter    time.Duration
	// PollTimeout bounds one poll including retries
	PollTimeout   time.Duration
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:      time.Second,
		IdleInterval:  5 * time.Second,
		IdleAfter:     30 * time.Second,
		PollTimeout:   5 * time.Second,
		SleepRecovery: DefaultSleepRecoveryConfig(),
	}
}
