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

// Package boardsim simulates a lock-control board behind the lockctl
// Transport interface. Channels start closed; opening a channel releases the
// lock and, with AutoRelock set, the door swings shut again and the board
// pushes a status frame just like the hardware's door sensor.
package boardsim

import (
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
)

// Config describes the simulated board.
type Config struct {
	// Latency is the delay before every reply
	Latency time.Duration
	// SequentialStep is the extra delay per channel of a sequential open
	SequentialStep time.Duration
	// AutoRelock closes an opened channel after this long and pushes the
	// new state; zero leaves channels open until CloseDoor.
	AutoRelock time.Duration
	// Channels is the number of populated channels
	Channels int
	// Address is the board address the simulator answers to
	Address byte
}

// DefaultConfig returns a 12 channel board at address 0 with hardware-like
// latencies.
func DefaultConfig() Config {
	return Config{
		Address:        0,
		Channels:       12,
		Latency:        20 * time.Millisecond,
		SequentialStep: 100 * time.Millisecond,
	}
}

// Board is a simulated lock board.
type Board struct {
	onFrame   func([]byte)
	onError   func(error)
	held      map[int]bool
	states    []lockctl.LockState
	commands  []lockctl.CommandCode
	cfg       Config
	dropNext  int
	mu        syncutil.Mutex
	connected bool
}

var _ lockctl.Transport = (*Board)(nil)

// New creates a disconnected simulator.
func New(cfg Config) *Board {
	if cfg.Channels <= 0 || cfg.Channels > lockctl.MaxChannel {
		cfg.Channels = lockctl.MaxChannel
	}
	states := make([]lockctl.LockState, cfg.Channels)
	for i := range states {
		states[i] = lockctl.LockClosed
	}
	return &Board{cfg: cfg, states: states, held: make(map[int]bool)}
}

// Connect implements lockctl.Transport
func (b *Board) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect implements lockctl.Transport
func (b *Board) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// IsConnected implements lockctl.Transport
func (b *Board) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Type implements lockctl.Transport
func (*Board) Type() lockctl.TransportType {
	return lockctl.TransportSimulated
}

// SetListener implements lockctl.Transport
func (b *Board) SetListener(onFrame func([]byte), onError func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFrame = onFrame
	b.onError = onError
}

// Send implements lockctl.Transport. Frames for other addresses and unknown
// commands are ignored, as the hardware does.
func (b *Board) Send(raw []byte) error {
	f, err := lockctl.Decode(raw)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return lockctl.ErrNotConnected
	}
	b.commands = append(b.commands, f.Code)
	if f.Board != b.cfg.Address {
		return nil
	}
	if b.dropNext > 0 {
		b.dropNext--
		return nil
	}

	data, delay, ok := b.execute(f)
	if !ok {
		return nil
	}
	reply := lockctl.MustEncode(b.cfg.Address, f.Code, data)
	time.AfterFunc(b.cfg.Latency+delay, func() { b.emit(reply) })
	return nil
}

// execute applies f to the board state and returns the reply data. Callers
// hold b.mu.
func (b *Board) execute(f lockctl.Frame) (data []byte, delay time.Duration, ok bool) {
	switch f.Code {
	case lockctl.CmdOpenSingle:
		ch := channelOf(f)
		if !b.valid(ch) {
			return []byte{lockctl.StatusFailed, byte(ch), byte(lockctl.LockFailed)}, 0, true
		}
		b.open(ch)
		return []byte{lockctl.StatusSuccess, byte(ch), byte(b.states[ch-1])}, 0, true

	case lockctl.CmdOpenSimultaneous, lockctl.CmdOpenSequential:
		channels := listOf(f)
		for _, ch := range channels {
			if !b.valid(ch) {
				return []byte{lockctl.StatusFailed}, 0, true
			}
		}
		for _, ch := range channels {
			b.open(ch)
		}
		if f.Code == lockctl.CmdOpenSequential {
			delay = time.Duration(len(channels)) * b.cfg.SequentialStep
		}
		return []byte{lockctl.StatusSuccess}, delay, true

	case lockctl.CmdOpenAll:
		for ch := 1; ch <= b.cfg.Channels; ch++ {
			b.open(ch)
		}
		return []byte{lockctl.StatusSuccess}, 0, true

	case lockctl.CmdFlashChannel, lockctl.CmdKeepOpen, lockctl.CmdCloseChannel:
		ch := channelOf(f)
		if !b.valid(ch) {
			return []byte{lockctl.StatusFailed, byte(ch)}, 0, true
		}
		switch f.Code {
		case lockctl.CmdKeepOpen:
			b.held[ch] = true
			b.states[ch-1] = lockctl.LockOpen
		case lockctl.CmdCloseChannel:
			delete(b.held, ch)
			b.states[ch-1] = lockctl.LockClosed
		default:
		}
		return []byte{lockctl.StatusSuccess, byte(ch)}, 0, true

	case lockctl.CmdQuerySingle:
		ch := channelOf(f)
		if !b.valid(ch) {
			return []byte{lockctl.StatusFailed, byte(ch), byte(lockctl.LockFailed)}, 0, true
		}
		return []byte{lockctl.StatusSuccess, byte(ch), byte(b.states[ch-1])}, 0, true

	case lockctl.CmdQueryAll:
		data = append(data, lockctl.StatusSuccess, byte(b.cfg.Channels))
		for _, s := range b.states {
			data = append(data, byte(s))
		}
		return data, 0, true

	default:
		return nil, 0, false
	}
}

func (b *Board) valid(ch int) bool {
	return ch >= 1 && ch <= b.cfg.Channels
}

// open releases ch and schedules the door closing again. Callers hold b.mu.
func (b *Board) open(ch int) {
	b.states[ch-1] = lockctl.LockOpen
	if b.cfg.AutoRelock > 0 {
		time.AfterFunc(b.cfg.AutoRelock, func() {
			b.mu.Lock()
			held := b.held[ch]
			b.mu.Unlock()
			if !held {
				b.CloseDoor(ch)
			}
		})
	}
}

// CloseDoor simulates a door being pushed shut on ch: the lock latches and
// the board pushes the new state.
func (b *Board) CloseDoor(ch int) {
	b.setState(ch, lockctl.LockClosed)
}

// ForceOpen simulates a lock being released by hand or by a fault.
func (b *Board) ForceOpen(ch int) {
	b.setState(ch, lockctl.LockOpen)
}

func (b *Board) setState(ch int, state lockctl.LockState) {
	b.mu.Lock()
	if !b.valid(ch) || b.states[ch-1] == state {
		b.mu.Unlock()
		return
	}
	b.states[ch-1] = state
	push := lockctl.MustEncode(b.cfg.Address, lockctl.CmdStatusPush, []byte{byte(ch), byte(state)})
	b.mu.Unlock()

	b.emit(push)
}

// State returns the current state of ch, or LockFailed for unpopulated
// channels.
func (b *Board) State(ch int) lockctl.LockState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.valid(ch) {
		return lockctl.LockFailed
	}
	return b.states[ch-1]
}

// DropNext makes the board ignore the next n commands addressed to it.
func (b *Board) DropNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropNext = n
}

// Commands returns the command codes received so far, for any address.
func (b *Board) Commands() []lockctl.CommandCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]lockctl.CommandCode(nil), b.commands...)
}

// Fault reports a link error to the listener.
func (b *Board) Fault(err error) {
	b.mu.Lock()
	onError := b.onError
	b.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (b *Board) emit(raw []byte) {
	b.mu.Lock()
	onFrame, connected := b.onFrame, b.connected
	b.mu.Unlock()
	if onFrame != nil && connected {
		onFrame(raw)
	}
}

func channelOf(f lockctl.Frame) int {
	if len(f.Payload) == 0 {
		return 0
	}
	return int(f.Payload[0])
}

func listOf(f lockctl.Frame) []int {
	if len(f.Payload) < 2 {
		return nil
	}
	out := make([]int, 0, len(f.Payload)-1)
	for _, ch := range f.Payload[1:] {
		out = append(out, int(ch))
	}
	return out
}
