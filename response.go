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

	"github.com/ZaparooProject/go-lockctl/internal/frame"
)

// Status sentinels carried in the first data byte of most responses.
const (
	StatusSuccess byte = 0x00
	StatusFailed  byte = 0xFF
)

// LockState is the physical state a channel reports.
type LockState byte

// Lock states. Pushes (0x85) use the same encoding.
const (
	LockOpen   LockState = 0x00
	LockClosed LockState = 0x01
	LockFailed LockState = 0xFF
)

func (s LockState) String() string {
	switch s {
	case LockOpen:
		return "open"
	case LockClosed:
		return "closed"
	case LockFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(s))
	}
}

// ChannelState pairs a channel with its reported lock state.
type ChannelState struct {
	Channel int
	State   LockState
}

// Response is a decoded board reply.
type Response struct {
	// LockStates holds one entry per channel for query-all replies,
	// channel numbers starting at 1.
	LockStates []ChannelState
	Raw        []byte
	// Channel is -1 when the reply carries no channel.
	Channel int
	Board   byte
	Code    CommandCode
	Status  byte
	// LockState is only meaningful when HasLockState is set.
	LockState    LockState
	HasLockState bool
}

// Success reports whether the board accepted the command. For pushes the
// status byte is the lock state, so Success means the channel is open.
func (r *Response) Success() bool {
	return r.Status == StatusSuccess
}

// IsValidFormat reports whether buf is a complete frame with a correct marker,
// declared length and checksum.
func IsValidFormat(buf []byte) bool {
	return frame.Validate(buf) == nil
}

// Matches reports whether response answers pending: both must be valid frames
// naming the same board and command.
func Matches(response, pending []byte) bool {
	if !IsValidFormat(response) || !IsValidFormat(pending) {
		return false
	}
	return response[frame.AddressOffset] == pending[frame.AddressOffset] &&
		response[frame.CommandOffset] == pending[frame.CommandOffset]
}

// echoesChannel reports whether response names the channel a single-channel
// pending command addressed. Replies without a channel field, and commands
// without a single channel operand, always pass.
func echoesChannel(response, pending []byte) bool {
	d, ok := Describe(CommandCode(pending[frame.CommandOffset]))
	if !ok || d.Payload != PayloadChannel || len(pending) <= frame.MinFrameLength {
		return true
	}
	ch := ExtractChannelID(response)
	return ch < 0 || ch == int(pending[frame.PayloadOffset])
}

// IsSuccess reports whether the response's status byte is StatusSuccess.
// Pushes carry the lock state in the status position.
func IsSuccess(response []byte) bool {
	data, shape, ok := responseData(response)
	if !ok {
		return false
	}
	idx := 0
	if shape == ResponseChannelStatus {
		idx = 1
	}
	return len(data) > idx && data[idx] == StatusSuccess
}

// ExtractChannelID returns the channel a response refers to, or -1 when the
// operation's reply has no channel field.
func ExtractChannelID(response []byte) int {
	data, shape, ok := responseData(response)
	if !ok {
		return -1
	}
	switch shape {
	case ResponseStatusChannel, ResponseStatusChannelState:
		if len(data) > 1 {
			return int(data[1])
		}
	case ResponseChannelStatus:
		if len(data) > 0 {
			return int(data[0])
		}
	case ResponseStatus, ResponseStatusStates:
	}
	return -1
}

// ExtractLockState returns the single lock state in a response, or -1 when
// the operation's reply has none.
func ExtractLockState(response []byte) int {
	data, shape, ok := responseData(response)
	if !ok {
		return -1
	}
	switch shape {
	case ResponseStatusChannelState:
		if len(data) > 2 {
			return int(data[2])
		}
	case ResponseChannelStatus:
		if len(data) > 1 {
			return int(data[1])
		}
	case ResponseStatus, ResponseStatusChannel, ResponseStatusStates:
	}
	return -1
}

// responseData returns the data bytes between the command code and checksum
// along with the reply shape of a known command.
func responseData(buf []byte) ([]byte, ResponseShape, bool) {
	if !IsValidFormat(buf) {
		return nil, 0, false
	}
	d, ok := Describe(CommandCode(buf[frame.CommandOffset]))
	if !ok {
		return nil, 0, false
	}
	return buf[frame.PayloadOffset : len(buf)-1], d.Response, true
}

// ParseResponse decodes a reply into a Response. Replies for unknown
// commands decode with only Status set from the first data byte.
func ParseResponse(raw []byte) (*Response, error) {
	f, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Raw:     append([]byte(nil), raw...),
		Board:   f.Board,
		Code:    f.Code,
		Channel: -1,
	}
	data := f.Payload

	d, known := Describe(f.Code)
	if !known {
		if len(data) > 0 {
			resp.Status = data[0]
		}
		return resp, nil
	}

	need := map[ResponseShape]int{
		ResponseStatus:             1,
		ResponseStatusChannel:      2,
		ResponseStatusChannelState: 3,
		ResponseStatusStates:       2,
		ResponseChannelStatus:      2,
	}[d.Response]
	if len(data) < need {
		return nil, newFormatError(fmt.Errorf("%w: %s reply carries %d data bytes, need %d",
			ErrInvalidPayload, d.Label, len(data), need), raw)
	}

	switch d.Response {
	case ResponseStatus:
		resp.Status = data[0]
	case ResponseStatusChannel:
		resp.Status = data[0]
		resp.Channel = int(data[1])
	case ResponseStatusChannelState:
		resp.Status = data[0]
		resp.Channel = int(data[1])
		resp.LockState = LockState(data[2])
		resp.HasLockState = true
	case ResponseStatusStates:
		resp.Status = data[0]
		// boards with fewer populated channels report fewer states than the count
		count := min(int(data[1]), len(data)-2)
		resp.LockStates = make([]ChannelState, count)
		for i := range count {
			resp.LockStates[i] = ChannelState{Channel: i + 1, State: LockState(data[2+i])}
		}
	case ResponseChannelStatus:
		resp.Channel = int(data[0])
		resp.Status = data[1]
		resp.LockState = LockState(data[1])
		resp.HasLockState = true
	}
	return resp, nil
}

// IsPush reports whether raw is a board-initiated status push.
func IsPush(raw []byte) bool {
	return IsValidFormat(raw) && CommandCode(raw[frame.CommandOffset]) == CmdStatusPush
}
