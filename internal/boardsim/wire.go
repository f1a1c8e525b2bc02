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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ZaparooProject/go-lockctl/internal/frame"
	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
)

// Wire exposes a Board as a byte stream, the way the board looks from the
// far side of a USB serial bridge. It satisfies the uart package's Port
// interface so the real UART transport can be tested against the simulator.
type Wire struct {
	board       *Board
	extractor   *frame.Extractor
	cond        *sync.Cond
	rx          []byte
	readTimeout time.Duration
	mu          syncutil.Mutex
	closed      bool
}

// NewWire connects board and starts collecting its replies.
func NewWire(board *Board) *Wire {
	w := &Wire{
		board:       board,
		extractor:   frame.NewExtractor(),
		readTimeout: 50 * time.Millisecond,
	}
	w.cond = sync.NewCond(&w.mu)
	board.SetListener(w.receive, nil)
	_ = board.Connect()
	return w
}

func (w *Wire) receive(raw []byte) {
	w.mu.Lock()
	w.rx = append(w.rx, raw...)
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Write hands every complete frame in p to the board.
func (w *Wire) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	frames := w.extractor.Write(p)
	w.mu.Unlock()

	for _, f := range frames {
		if err := w.board.Send(f); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Read blocks until board output is available or the read timeout elapses,
// in which case it returns 0 bytes and no error like a real serial port.
func (w *Wire) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.rx) == 0 && !w.closed {
		timer := time.AfterFunc(w.readTimeout, w.cond.Broadcast)
		deadline := time.Now().Add(w.readTimeout)
		for len(w.rx) == 0 && !w.closed && time.Now().Before(deadline) {
			w.cond.Wait()
		}
		timer.Stop()
	}
	if w.closed {
		return 0, io.EOF
	}
	n := copy(p, w.rx)
	w.rx = w.rx[n:]
	return n, nil
}

// Close disconnects the board. Pending and later reads return io.EOF.
func (w *Wire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	return w.board.Disconnect()
}

// SetReadTimeout sets how long Read waits for data.
func (w *Wire) SetReadTimeout(t time.Duration) error {
	if t <= 0 {
		return errors.New("boardsim: read timeout must be positive")
	}
	w.mu.Lock()
	w.readTimeout = t
	w.mu.Unlock()
	return nil
}

// ResetInputBuffer discards unread board output.
func (w *Wire) ResetInputBuffer() error {
	w.mu.Lock()
	w.rx = w.rx[:0]
	w.mu.Unlock()
	return nil
}

// Drain is a no-op; writes reach the board synchronously.
func (*Wire) Drain() error {
	return nil
}
