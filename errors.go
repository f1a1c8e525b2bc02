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
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
	"time"
)

// Frame and operand errors. Builders and Decode wrap them in *FormatError.
var (
	ErrInvalidFrame        = errors.New("invalid frame")
	ErrFrameTooLong        = errors.New("frame too long")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidChannel      = errors.New("channel out of range")
	ErrNoChannels          = errors.New("no channels given")
	ErrTooManyChannels     = errors.New("too many channels")
	ErrInvalidBoardAddress = errors.New("board address out of range")
)

// Execution errors
var (
	ErrCommandTimeout  = errors.New("command timed out")
	ErrCommandFailed   = errors.New("command failed")
	ErrEngineClosed    = errors.New("command engine closed")
	ErrTransport       = errors.New("transport error")
	ErrNotConnected    = errors.New("transport not connected")
	ErrTransportClosed = errors.New("transport is closed")
	ErrDeviceNotFound  = errors.New("device not found")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
)

// FormatError reports bytes that are not a well-formed frame, or operands a
// builder refused to encode. It matches ErrInvalidFrame as well as the
// underlying cause.
type FormatError struct {
	Err   error
	Frame []byte
}

func newFormatError(err error, buf []byte) *FormatError {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe
	}
	var snapshot []byte
	if len(buf) > 0 {
		snapshot = append([]byte(nil), buf...)
	}
	return &FormatError{Err: err, Frame: snapshot}
}

func (e *FormatError) Error() string {
	if len(e.Frame) > 0 {
		return fmt.Sprintf("invalid frame % X: %v", e.Frame, e.Err)
	}
	return fmt.Sprintf("invalid frame: %v", e.Err)
}

func (e *FormatError) Unwrap() []error {
	return []error{ErrInvalidFrame, e.Err}
}

// TimeoutError reports a command that got no matching response before its
// deadline.
type TimeoutError struct {
	Timeout time.Duration
	Board   byte
	Code    CommandCode
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (0x%02X) on board %d: no response within %v",
		e.Code, byte(e.Code), e.Board, e.Timeout)
}

func (*TimeoutError) Unwrap() error {
	return ErrCommandTimeout
}

// BoardError reports a matched response whose status was not success.
type BoardError struct {
	Board  byte
	Code   CommandCode
	Status byte
}

func (e *BoardError) Error() string {
	return fmt.Sprintf("%s (0x%02X) on board %d failed: status 0x%02X",
		e.Code, byte(e.Code), e.Board, e.Status)
}

func (*BoardError) Unwrap() error {
	return ErrCommandFailed
}

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrTransport.
func (*TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// asTransportError wraps err unless it already carries transport context.
func asTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTransportClosed) {
		return NewTransportError(op, "", err, ErrorTypePermanent)
	}
	return NewTransportError(op, "", err, ErrorTypeTransient)
}

// IsRetryable returns true if resubmitting the same command may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	return errors.Is(err, ErrCommandTimeout)
}

// IsFatal returns true if the error indicates the board link is gone and the
// caller should reconnect rather than keep submitting.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) && te.Type == ErrorTypePermanent {
		return true
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrEngineClosed),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS errors raised when a USB serial adapter is
// unplugged mid-transfer.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // only device-gone errno values matter
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // only device-gone errno values matter
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}
