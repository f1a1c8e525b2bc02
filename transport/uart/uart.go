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

// Package uart carries lock-board frames over a serial port, either an
// RS-485 bus or the USB bridge the boards ship with.
package uart

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/internal/frame"
	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultBaudRate is the factory setting of every board revision seen so far.
const DefaultBaudRate = 9600

// Port is the subset of serial.Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Drain() error
}

// Opener opens a named port.
type Opener func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Connect
	}
	return p, nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithBaudRate overrides DefaultBaudRate.
func WithBaudRate(baud int) Option {
	return func(t *Transport) {
		if baud > 0 {
			t.mode.BaudRate = baud
		}
	}
}

// WithReadTimeout sets how long one read blocks. It bounds how quickly
// Disconnect returns, not how long a command may take.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.readTimeout = d
		}
	}
}

// WithOpener replaces serial.Open, mainly for tests.
func WithOpener(open Opener) Option {
	return func(t *Transport) {
		t.open = open
	}
}

// WithLogger sets the transport logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transport implements lockctl.Transport over a serial port. A read loop
// goroutine reassembles frames from the byte stream while the port is open.
type Transport struct {
	port        Port
	open        Opener
	logger      *zap.Logger
	onFrame     func([]byte)
	onError     func(error)
	stop        chan struct{}
	done        chan struct{}
	portName    string
	mode        serial.Mode
	readTimeout time.Duration
	mu          syncutil.Mutex
	writeMu     syncutil.Mutex
}

var _ lockctl.Transport = (*Transport)(nil)

// New creates a transport for portName. The port is opened by Connect.
func New(portName string, opts ...Option) *Transport {
	t := &Transport{
		portName: portName,
		open:     openSerial,
		logger:   lockctl.Logger().Named("uart"),
		mode: serial.Mode{
			BaudRate: DefaultBaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: defaultReadTimeout(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// defaultReadTimeout is longer on Windows, whose USB serial drivers return
// short reads far more eagerly.
func defaultReadTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// PortName returns the device path.
func (t *Transport) PortName() string {
	return t.portName
}

// Connect opens the port and starts the read loop. Connecting an open
// transport is a no-op.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}

	mode := t.mode
	port, err := t.open(t.portName, &mode)
	if err != nil {
		return lockctl.NewTransportError("open", t.portName,
			fmt.Errorf("%w: %w", lockctl.ErrDeviceNotFound, err), lockctl.ErrorTypePermanent)
	}
	if err := port.SetReadTimeout(t.readTimeout); err != nil {
		_ = port.Close()
		return lockctl.NewTransportError("set timeout", t.portName, err, lockctl.ErrorTypePermanent)
	}
	// stale bytes from before we opened would only be dropped as noise
	if err := port.ResetInputBuffer(); err != nil {
		t.logger.Debug("input buffer reset failed", zap.Error(err))
	}

	t.port = port
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.readLoop(port, t.stop, t.done)

	t.logger.Info("serial port opened",
		zap.String("port", t.portName), zap.Int("baud", t.mode.BaudRate))
	return nil
}

// Disconnect stops the read loop and closes the port.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	port, stop, done := t.port, t.stop, t.done
	t.port = nil
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	close(stop)
	err := port.Close()
	<-done
	if err != nil {
		return lockctl.NewTransportError("close", t.portName, err, lockctl.ErrorTypePermanent)
	}
	return nil
}

// IsConnected returns true if the port is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns the transport type
func (*Transport) Type() lockctl.TransportType {
	return lockctl.TransportUART
}

// SetListener implements lockctl.Transport
func (t *Transport) SetListener(onFrame func([]byte), onError func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = onFrame
	t.onError = onError
}

// Send writes one frame and waits for it to leave the UART.
func (t *Transport) Send(raw []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return lockctl.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	n, err := port.Write(raw)
	if err != nil {
		return lockctl.NewTransportError("write", t.portName, err, classify(err))
	}
	if n != len(raw) {
		return lockctl.NewTransportError("write", t.portName,
			fmt.Errorf("short write: %d of %d bytes", n, len(raw)), lockctl.ErrorTypeTransient)
	}
	return t.drainWithRetry(port)
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for the write to complete, retrying interrupted
// system calls.
func (t *Transport) drainWithRetry(port Port) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = port.Drain(); err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms, 8ms
	}
	return lockctl.NewTransportError("drain", t.portName, err, classify(err))
}

func (t *Transport) readLoop(port Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, frame.MaxFrameLength)
	extractor := frame.NewExtractor()
	for {
		n, err := port.Read(buf)
		select {
		case <-stop:
			return
		default:
		}

		if n > 0 {
			for _, f := range extractor.Write(buf[:n]) {
				t.deliver(f)
			}
		}
		if err == nil {
			continue
		}

		errType := classify(err)
		t.fault(lockctl.NewTransportError("read", t.portName, err, errType))
		if errType == lockctl.ErrorTypePermanent {
			t.logger.Warn("serial read loop stopped", zap.Error(err))
			return
		}
		// a transient error that repeats must not spin the CPU
		time.Sleep(t.readTimeout)
	}
}

func (t *Transport) deliver(raw []byte) {
	t.mu.Lock()
	onFrame := t.onFrame
	t.mu.Unlock()
	if onFrame != nil {
		onFrame(raw)
	}
}

func (t *Transport) fault(err error) {
	t.mu.Lock()
	onError := t.onError
	t.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// classify decides whether a serial error means the adapter is gone.
func classify(err error) lockctl.ErrorType {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
			return lockctl.ErrorTypePermanent
		default:
			return lockctl.ErrorTypeTransient
		}
	}
	if lockctl.IsFatal(err) {
		return lockctl.ErrorTypePermanent
	}
	return lockctl.ErrorTypeTransient
}
