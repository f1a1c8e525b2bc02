// Copyright 2026 The Zaparoo Project Contributors.
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
	"time"

	"github.com/ZaparooProject/go-lockctl/internal/frame"
)

const (
	// SafetyFactor multiplies every base cost to absorb scheduling jitter.
	SafetyFactor = 2
	// DefaultTimeout applies to frames without a recognisable command code.
	DefaultTimeout = time.Second
)

// CalculateTimeout returns how long to wait for the board to answer the
// command in raw. Unknown or truncated frames get DefaultTimeout.
func CalculateTimeout(raw []byte) time.Duration {
	return CalculateTimeoutWithFactor(raw, SafetyFactor)
}

// CalculateTimeoutWithFactor is CalculateTimeout with a custom safety
// multiplier. Factors below one are treated as one.
func CalculateTimeoutWithFactor(raw []byte, factor int) time.Duration {
	if len(raw) < frame.MinFrameLength {
		return DefaultTimeout
	}
	d, ok := Describe(CommandCode(raw[frame.CommandOffset]))
	if !ok {
		return DefaultTimeout
	}
	factor = max(factor, 1)

	cost := d.BaseTimeout
	if d.PerChannel {
		cost *= time.Duration(channelCount(raw))
	}
	return cost * time.Duration(factor)
}

// channelCount reads the count byte of a channel-list payload, defaulting to
// one when it is missing or zero.
func channelCount(raw []byte) int {
	// the count byte must not be the trailing checksum
	if len(raw) <= frame.PayloadOffset+1 {
		return 1
	}
	return max(int(raw[frame.PayloadOffset]), 1)
}
