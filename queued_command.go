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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZaparooProject/go-lockctl/internal/frame"
)

// Result is the single notification a submitted command receives.
type Result struct {
	// Response is set whenever a matching reply arrived, including replies
	// with a failure status.
	Response *Response
	// Err is nil on success. Otherwise it is a *FormatError, *TimeoutError,
	// *TransportError, *BoardError or ErrEngineClosed.
	Err     error
	Elapsed time.Duration
	ID      uuid.UUID
	Code    CommandCode
	Board   byte
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Callback receives a command's Result exactly once. It runs on the engine's
// worker goroutine and must not block.
type Callback func(Result)

const (
	statePending int32 = iota
	stateCompleted
	stateTimedOut
)

// QueuedCommand is a command accepted by an Engine. It owns a private copy of
// the frame; the submitter's slice is never read again.
type QueuedCommand struct {
	enqueuedAt   time.Time
	dispatchedAt time.Time
	callback     Callback
	raw          []byte
	timeout      time.Duration
	state        atomic.Int32
	id           uuid.UUID
	board        byte
	code         CommandCode
}

func newQueuedCommand(raw []byte, timeout time.Duration, cb Callback) *QueuedCommand {
	snapshot := make([]byte, len(raw))
	copy(snapshot, raw)
	return &QueuedCommand{
		id:         uuid.New(),
		raw:        snapshot,
		board:      snapshot[frame.AddressOffset],
		code:       CommandCode(snapshot[frame.CommandOffset]),
		timeout:    timeout,
		enqueuedAt: time.Now(),
		callback:   cb,
	}
}

// ID identifies the command in logs.
func (q *QueuedCommand) ID() uuid.UUID { return q.id }

// Board returns the addressed board.
func (q *QueuedCommand) Board() byte { return q.board }

// Code returns the command code.
func (q *QueuedCommand) Code() CommandCode { return q.code }

// Timeout returns the deadline armed when the command is dispatched.
func (q *QueuedCommand) Timeout() time.Duration { return q.timeout }

// EnqueuedAt returns the submission time.
func (q *QueuedCommand) EnqueuedAt() time.Time { return q.enqueuedAt }

// Frame returns a copy of the command bytes.
func (q *QueuedCommand) Frame() []byte {
	return append([]byte(nil), q.raw...)
}

// Completed reports whether the command reached any terminal state.
func (q *QueuedCommand) Completed() bool {
	return q.state.Load() != statePending
}

// TimedOut reports whether the command ended by deadline.
func (q *QueuedCommand) TimedOut() bool {
	return q.state.Load() == stateTimedOut
}

// Description is a human readable summary of the command.
func (q *QueuedCommand) Description() string {
	s := fmt.Sprintf("%s on board %d", q.code, q.board)
	d, ok := Describe(q.code)
	if !ok {
		return s
	}
	payload := q.raw[frame.PayloadOffset : len(q.raw)-1]
	switch d.Payload {
	case PayloadChannel:
		if len(payload) == 1 {
			s += fmt.Sprintf(", channel %d", payload[0])
		}
	case PayloadChannelList:
		if len(payload) > 1 {
			s += fmt.Sprintf(", channels %v", payload[1:])
		}
	case PayloadNone:
	}
	return s
}

func (q *QueuedCommand) String() string {
	return fmt.Sprintf("%s [%s] timeout=%v", q.Description(), q.id, q.timeout)
}

// finish moves the command to its terminal state and runs the callback. Only
// the first call has any effect.
func (q *QueuedCommand) finish(res Result, timedOut bool) bool {
	next := stateCompleted
	if timedOut {
		next = stateTimedOut
	}
	if !q.state.CompareAndSwap(statePending, next) {
		return false
	}

	res.ID = q.id
	res.Code = q.code
	res.Board = q.board
	if !q.dispatchedAt.IsZero() {
		res.Elapsed = time.Since(q.dispatchedAt)
	}
	notify(q.callback, res)
	return true
}

// notify runs a user callback, containing any panic so the worker survives.
func notify(cb Callback, res Result) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("command callback panicked",
				zap.Stringer("code", res.Code), zap.Any("panic", r))
		}
	}()
	cb(res)
}
