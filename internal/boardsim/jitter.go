// go-lockctl
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-lockctl.
//
// go-lockctl is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-lockctl is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-lockctl; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package boardsim

import (
	"math/rand/v2"
	"time"
)

// JitterConfig shapes the read side of a JitteryWire.
type JitterConfig struct {
	// MaxLatency is the upper bound of the random delay before each read
	MaxLatency time.Duration
	// StallDuration is slept once StallAfterBytes bytes have been returned
	StallDuration time.Duration
	// FragmentMinBytes is the smallest chunk a fragmented read returns
	FragmentMinBytes int
	// StallAfterBytes triggers a single stall after this many bytes
	StallAfterBytes int
	// Seed makes the jitter reproducible; zero picks a random seed
	Seed uint64
	// FragmentReads splits board output into random sized chunks
	FragmentReads bool
}

// DefaultJitterConfig mimics a CH340 bridge under load: a few milliseconds
// of latency and frames arriving in pieces.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       5 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryWire wraps a Wire with the timing of a real USB serial bridge.
// Writes pass through; reads are delayed, fragmented and may stall.
type JitteryWire struct {
	*Wire
	rng      *rand.Rand
	pending  []byte
	config   JitterConfig
	returned int
	stalled  bool
}

// NewJitteryWire wraps w.
func NewJitteryWire(w *Wire, config JitterConfig) *JitteryWire {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // test jitter
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &JitteryWire{
		Wire:   w,
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // test jitter
	}
}

// Read returns buffered board output a random number of bytes at a time.
// Only one goroutine may read.
func (j *JitteryWire) Read(p []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		if d := time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)); d > 0 {
			time.Sleep(d)
		}
	}

	if len(j.pending) == 0 {
		buf := make([]byte, 256)
		n, err := j.Wire.Read(buf)
		if err != nil || n == 0 {
			return 0, err
		}
		j.pending = append(j.pending, buf[:n]...)
	}

	n := min(len(j.pending), len(p))
	if j.config.StallAfterBytes > 0 && !j.stalled {
		if j.returned >= j.config.StallAfterBytes {
			j.stalled = true
			time.Sleep(j.config.StallDuration)
		} else {
			n = min(n, j.config.StallAfterBytes-j.returned)
		}
	}
	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}

	copy(p, j.pending[:n])
	j.pending = j.pending[n:]
	j.returned += n
	return n, nil
}

// ResetInputBuffer discards both the wire's and the fragment buffer.
func (j *JitteryWire) ResetInputBuffer() error {
	j.pending = j.pending[:0]
	return j.Wire.ResetInputBuffer()
}
