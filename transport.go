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

package lockctl

import (
	"time"

	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
)

// Transport moves frames to and from a lock board. Implementations deliver
// every complete inbound frame and every link fault to the listener from
// their own goroutine; the engine installs the listener once.
type Transport interface {
	// Connect opens the link.
	Connect() error

	// Disconnect closes the link. It is safe to call more than once.
	Disconnect() error

	// IsConnected returns true if the link is open
	IsConnected() bool

	// Send writes one frame. It must fail synchronously with an error
	// matching ErrNotConnected when the link is down.
	Send(frame []byte) error

	// SetListener installs the inbound frame and fault callbacks.
	SetListener(onFrame func([]byte), onError func(error))

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents a serial port (RS-485 or USB bridge).
	TransportUART TransportType = "uart"
	// TransportSimulated represents an in-process board simulator.
	TransportSimulated TransportType = "sim"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// SentFrame records one Send call on a MockTransport.
type SentFrame struct {
	At    time.Time
	Frame []byte
}

// MockTransport is a scriptable Transport for tests. By default it answers
// every command with a success reply shaped for that command.
type MockTransport struct {
	onFrame    func([]byte)
	onError    func(error)
	connectErr error
	responses  map[CommandCode][]byte
	callCount  map[CommandCode]int
	errorMap   map[CommandCode]error
	delays     map[CommandCode]time.Duration
	silent     map[CommandCode]bool
	sent       []SentFrame
	delay      time.Duration
	mu         syncutil.RWMutex
	connected  bool
}

// NewMockTransport creates a connected mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		responses: make(map[CommandCode][]byte),
		callCount: make(map[CommandCode]int),
		errorMap:  make(map[CommandCode]error),
		delays:    make(map[CommandCode]time.Duration),
		silent:    make(map[CommandCode]bool),
	}
}

// Connect implements Transport
func (m *MockTransport) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Disconnect implements Transport
func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type implements Transport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// SetListener implements Transport
func (m *MockTransport) SetListener(onFrame func([]byte), onError func(error)) {
	m.mu.Lock()
	m.onFrame = onFrame
	m.onError = onError
	m.mu.Unlock()
}

// Send implements Transport. Replies are delivered asynchronously after the
// configured delay.
func (m *MockTransport) Send(raw []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}

	m.sent = append(m.sent, SentFrame{At: time.Now(), Frame: append([]byte(nil), raw...)})
	f, err := Decode(raw)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.callCount[f.Code]++

	if err, exists := m.errorMap[f.Code]; exists {
		m.mu.Unlock()
		return err
	}
	if m.silent[f.Code] {
		m.mu.Unlock()
		return nil
	}

	reply, exists := m.responses[f.Code]
	if !exists {
		reply = successReply(f)
	}
	delay := m.delay
	if d, ok := m.delays[f.Code]; ok {
		delay = d
	}
	m.mu.Unlock()

	m.deliverAfter(delay, reply)
	return nil
}

func (m *MockTransport) deliverAfter(delay time.Duration, reply []byte) {
	if delay > 0 {
		time.AfterFunc(delay, func() { m.EmitFrame(reply) })
		return
	}
	go m.EmitFrame(reply)
}

// EmitFrame hands raw to the listener as if it arrived on the wire.
func (m *MockTransport) EmitFrame(raw []byte) {
	var onFrame func([]byte)
	m.mu.View(func() { onFrame = m.onFrame })
	if onFrame != nil {
		onFrame(raw)
	}
}

// EmitError reports a link fault to the listener.
func (m *MockTransport) EmitError(err error) {
	var onError func(error)
	m.mu.View(func() { onError = m.onError })
	if onError != nil {
		onError(err)
	}
}

// SetResponse replaces the default reply for code.
func (m *MockTransport) SetResponse(code CommandCode, response []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[code] = response
}

// SetError makes Send fail synchronously for code.
func (m *MockTransport) SetError(code CommandCode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMap[code] = err
}

// ClearError removes an injected Send error.
func (m *MockTransport) ClearError(code CommandCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errorMap, code)
}

// SetSilent makes the mock swallow commands with code without replying.
func (m *MockTransport) SetSilent(code CommandCode, silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent[code] = silent
}

// SetDelay sets the reply latency for every command.
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// SetCommandDelay sets the reply latency for one command code.
func (m *MockTransport) SetCommandDelay(code CommandCode, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[code] = delay
}

// SetConnectError makes Connect fail.
func (m *MockTransport) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// GetCallCount returns how many times code was sent.
func (m *MockTransport) GetCallCount(code CommandCode) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[code]
}

// Sent returns every frame passed to Send, in order.
func (m *MockTransport) Sent() []SentFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SentFrame, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset clears scripted behaviour and history.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make(map[CommandCode][]byte)
	m.callCount = make(map[CommandCode]int)
	m.errorMap = make(map[CommandCode]error)
	m.delays = make(map[CommandCode]time.Duration)
	m.silent = make(map[CommandCode]bool)
	m.sent = nil
	m.delay = 0
	m.connectErr = nil
}

// successReply builds the reply a healthy board gives for f.
func successReply(f Frame) []byte {
	d, ok := Describe(f.Code)
	if !ok {
		return MustEncode(f.Board, f.Code, []byte{StatusSuccess})
	}
	ch := byte(MinChannel)
	if len(f.Payload) > 0 {
		ch = f.Payload[0]
	}

	var data []byte
	switch d.Response {
	case ResponseStatus:
		data = []byte{StatusSuccess}
	case ResponseStatusChannel:
		data = []byte{StatusSuccess, ch}
	case ResponseStatusChannelState:
		state := LockClosed
		if f.Code == CmdOpenSingle {
			state = LockOpen
		}
		data = []byte{StatusSuccess, ch, byte(state)}
	case ResponseStatusStates:
		data = []byte{StatusSuccess, MaxChannel}
		for range MaxChannel {
			data = append(data, byte(LockClosed))
		}
	case ResponseChannelStatus:
		data = []byte{ch, byte(LockClosed)}
	}
	return MustEncode(f.Board, f.Code, data)
}
