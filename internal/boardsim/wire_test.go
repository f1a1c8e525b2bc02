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

package boardsim

import (
	"bytes"
	"io"
	"testing"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readFrame reads from r until a full frame of the given length arrives.
func readFrame(t *testing.T, r io.Reader, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		n, err := r.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Len(t, got, want)
	return got
}

func TestWire_RoundTrip(t *testing.T) {
	t.Parallel()

	sim := New(fastConfig())
	w := NewWire(sim)
	t.Cleanup(func() { _ = w.Close() })
	require.True(t, sim.IsConnected())

	cmd, err := lockctl.BuildOpenSingle(2, 3)
	require.NoError(t, err)
	// split writes are reassembled before reaching the board
	_, err = w.Write(cmd[:4])
	require.NoError(t, err)
	_, err = w.Write(cmd[4:])
	require.NoError(t, err)

	raw := readFrame(t, w, 11)
	resp, err := lockctl.ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, lockctl.CmdOpenSingle, resp.Code)
	assert.Equal(t, lockctl.LockOpen, resp.LockState)
}

func TestWire_ReadTimeout(t *testing.T) {
	t.Parallel()

	w := NewWire(New(fastConfig()))
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.SetReadTimeout(10*time.Millisecond))
	require.Error(t, w.SetReadTimeout(0))

	start := time.Now()
	n, err := w.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWire_Close(t *testing.T) {
	t.Parallel()

	sim := New(fastConfig())
	w := NewWire(sim)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.False(t, sim.IsConnected())

	_, err := w.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
	_, err = w.Write([]byte{0x57})
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestJitteryWire_Fragments(t *testing.T) {
	t.Parallel()

	sim := New(fastConfig())
	cfg := DefaultJitterConfig()
	cfg.Seed = 42
	cfg.StallAfterBytes = 4
	cfg.StallDuration = time.Millisecond
	j := NewJitteryWire(NewWire(sim), cfg)
	t.Cleanup(func() { _ = j.Close() })

	cmd, err := lockctl.BuildQueryAll(2)
	require.NoError(t, err)
	_, err = j.Write(cmd)
	require.NoError(t, err)

	var chunks int
	var got bytes.Buffer
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for got.Len() < 18 && time.Now().Before(deadline) {
		n, err := j.Read(buf)
		require.NoError(t, err)
		if n > 0 {
			chunks++
			got.Write(buf[:n])
		}
	}

	resp, err := lockctl.ParseResponse(got.Bytes())
	require.NoError(t, err)
	assert.Len(t, resp.LockStates, 8)
	assert.Greater(t, chunks, 1, "reply arrives in pieces")
}
