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

// Operand limits
const (
	MinChannel      = 1
	MaxChannel      = 24
	MaxBoardAddress = 31
)

// Frame is a decoded protocol message.
type Frame struct {
	Payload []byte
	Board   byte
	Code    CommandCode
}

// Len returns the encoded size of the frame in bytes.
func (f Frame) Len() int {
	return frame.MinFrameLength + len(f.Payload)
}

// Bytes encodes the frame without operand validation.
func (f Frame) Bytes() ([]byte, error) {
	return Encode(f.Board, f.Code, f.Payload)
}

// Encode assembles marker, length, board address, command code and data, and
// appends the XOR checksum. It checks only that the frame fits the length
// byte; use BuildCommand for outbound commands.
func Encode(board byte, code CommandCode, data []byte) ([]byte, error) {
	n := frame.MinFrameLength + len(data)
	if n > frame.MaxFrameLength {
		return nil, newFormatError(fmt.Errorf("%w: frame of %d bytes exceeds %d",
			ErrFrameTooLong, n, frame.MaxFrameLength), nil)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, frame.Marker[:]...)
	buf = append(buf, byte(n), board, byte(code))
	buf = append(buf, data...)
	return append(buf, frame.CalculateChecksum(buf)), nil
}

// MustEncode is Encode for frames known to fit, such as canned test replies.
func MustEncode(board byte, code CommandCode, data []byte) []byte {
	buf, err := Encode(board, code, data)
	if err != nil {
		panic(err)
	}
	return buf
}

// Decode validates a complete frame and splits it into its fields. Any
// marker, length or checksum mismatch yields a *FormatError.
func Decode(buf []byte) (Frame, error) {
	if err := frame.Validate(buf); err != nil {
		return Frame{}, newFormatError(err, buf)
	}
	payload := make([]byte, len(buf)-frame.MinFrameLength)
	copy(payload, buf[frame.PayloadOffset:len(buf)-1])
	return Frame{
		Board:   buf[frame.AddressOffset],
		Code:    CommandCode(buf[frame.CommandOffset]),
		Payload: payload,
	}, nil
}

var errPushNotCommand = fmt.Errorf("%w: status push (0x85) is sent by the board, not to it",
	ErrInvalidPayload)

// validateOutbound checks that raw is a well-formed frame the board can
// answer.
func validateOutbound(raw []byte) error {
	f, err := Decode(raw)
	if err != nil {
		return err
	}
	if f.Code == CmdStatusPush {
		return newFormatError(errPushNotCommand, raw)
	}
	return nil
}

// BuildCommand assembles an outbound command frame after checking the board
// address and, for known commands, that the payload matches the operation's
// operand shape with every channel in range.
func BuildCommand(board byte, code CommandCode, payload []byte) ([]byte, error) {
	if board > MaxBoardAddress {
		return nil, newFormatError(fmt.Errorf("%w: %d", ErrInvalidBoardAddress, board), nil)
	}
	if code == CmdStatusPush {
		return nil, newFormatError(errPushNotCommand, nil)
	}
	if d, ok := Describe(code); ok {
		if err := checkPayload(d, payload); err != nil {
			return nil, newFormatError(err, nil)
		}
	}
	return Encode(board, code, payload)
}

func checkPayload(d Descriptor, payload []byte) error {
	switch d.Payload {
	case PayloadNone:
		if len(payload) != 0 {
			return fmt.Errorf("%w: %s takes no operand, got %d bytes", ErrInvalidPayload, d.Label, len(payload))
		}
	case PayloadChannel:
		if len(payload) != 1 {
			return fmt.Errorf("%w: %s takes one channel, got %d bytes", ErrInvalidPayload, d.Label, len(payload))
		}
		return checkChannel(int(payload[0]))
	case PayloadChannelList:
		if len(payload) == 0 || payload[0] == 0 {
			return ErrNoChannels
		}
		count := int(payload[0])
		if count > MaxChannel {
			return fmt.Errorf("%w: %d", ErrTooManyChannels, count)
		}
		if len(payload) != count+1 {
			return fmt.Errorf("%w: count %d but %d channels", ErrInvalidPayload, count, len(payload)-1)
		}
		for _, ch := range payload[1:] {
			if err := checkChannel(int(ch)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkChannel(ch int) error {
	if ch < MinChannel || ch > MaxChannel {
		return fmt.Errorf("%w: %d not in %d-%d", ErrInvalidChannel, ch, MinChannel, MaxChannel)
	}
	return nil
}

func channelByte(ch int) ([]byte, error) {
	if err := checkChannel(ch); err != nil {
		return nil, newFormatError(err, nil)
	}
	return []byte{byte(ch)}, nil
}

func channelList(channels []int) ([]byte, error) {
	if len(channels) == 0 {
		return nil, newFormatError(ErrNoChannels, nil)
	}
	if len(channels) > MaxChannel {
		return nil, newFormatError(fmt.Errorf("%w: %d", ErrTooManyChannels, len(channels)), nil)
	}
	payload := make([]byte, 0, len(channels)+1)
	payload = append(payload, byte(len(channels)))
	for _, ch := range channels {
		if err := checkChannel(ch); err != nil {
			return nil, newFormatError(err, nil)
		}
		payload = append(payload, byte(ch))
	}
	return payload, nil
}

func buildChannelCommand(board byte, code CommandCode, ch int) ([]byte, error) {
	payload, err := channelByte(ch)
	if err != nil {
		return nil, err
	}
	return BuildCommand(board, code, payload)
}

func buildListCommand(board byte, code CommandCode, channels []int) ([]byte, error) {
	payload, err := channelList(channels)
	if err != nil {
		return nil, err
	}
	return BuildCommand(board, code, payload)
}

// BuildOpenSingle builds a command that unlocks one channel.
func BuildOpenSingle(board byte, ch int) ([]byte, error) {
	return buildChannelCommand(board, CmdOpenSingle, ch)
}

// BuildOpenSimultaneous builds a command that unlocks all given channels at once.
func BuildOpenSimultaneous(board byte, channels ...int) ([]byte, error) {
	return buildListCommand(board, CmdOpenSimultaneous, channels)
}

// BuildOpenSequential builds a command that unlocks the given channels one
// after another in the order listed.
func BuildOpenSequential(board byte, channels ...int) ([]byte, error) {
	return buildListCommand(board, CmdOpenSequential, channels)
}

// BuildOpenAll builds a command that unlocks every channel.
func BuildOpenAll(board byte) ([]byte, error) {
	return BuildCommand(board, CmdOpenAll, nil)
}

// BuildFlashChannel builds a command that blinks a channel's output. Only use
// it on channels wired to an LED; a lock stays released until power cycled.
func BuildFlashChannel(board byte, ch int) ([]byte, error) {
	return buildChannelCommand(board, CmdFlashChannel, ch)
}

// BuildKeepOpen builds a command that holds a channel's output energised.
func BuildKeepOpen(board byte, ch int) ([]byte, error) {
	return buildChannelCommand(board, CmdKeepOpen, ch)
}

// BuildCloseChannel builds a command that de-energises a channel.
func BuildCloseChannel(board byte, ch int) ([]byte, error) {
	return buildChannelCommand(board, CmdCloseChannel, ch)
}

// BuildQuerySingle builds a lock state query for one channel.
func BuildQuerySingle(board byte, ch int) ([]byte, error) {
	return buildChannelCommand(board, CmdQuerySingle, ch)
}

// BuildQueryAll builds a lock state query for every channel.
func BuildQueryAll(board byte) ([]byte, error) {
	return BuildCommand(board, CmdQueryAll, nil)
}
