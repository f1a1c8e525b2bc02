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
	"fmt"
	"slices"
	"time"
)

// CommandCode identifies a board operation. The board echoes it in every
// response.
type CommandCode byte

// Board command codes
const (
	CmdOpenSimultaneous CommandCode = 0x80 // open several channels at once
	CmdFlashChannel     CommandCode = 0x81 // blink a channel's LED output
	CmdOpenSingle       CommandCode = 0x82
	CmdQuerySingle      CommandCode = 0x83
	CmdQueryAll         CommandCode = 0x84
	CmdStatusPush       CommandCode = 0x85 // board-initiated, never sent by the host
	CmdOpenAll          CommandCode = 0x86
	CmdOpenSequential   CommandCode = 0x87 // open several channels one after another
	CmdKeepOpen         CommandCode = 0x88
	CmdCloseChannel     CommandCode = 0x89
)

// PayloadShape describes the operand bytes a command carries.
type PayloadShape int

const (
	// PayloadNone carries no operand.
	PayloadNone PayloadShape = iota
	// PayloadChannel carries one channel byte.
	PayloadChannel
	// PayloadChannelList carries a count byte followed by that many channels.
	PayloadChannelList
)

// ResponseShape describes the data bytes of the board's reply.
type ResponseShape int

const (
	// ResponseStatus is a single status byte.
	ResponseStatus ResponseShape = iota
	// ResponseStatusChannel is status, channel.
	ResponseStatusChannel
	// ResponseStatusChannelState is status, channel, lock state.
	ResponseStatusChannelState
	// ResponseStatusStates is status, count, then count lock states.
	ResponseStatusStates
	// ResponseChannelStatus is channel, lock state (status push).
	ResponseChannelStatus
)

// Descriptor is the static description of one board operation.
type Descriptor struct {
	Label       string
	BaseTimeout time.Duration
	Payload     PayloadShape
	Response    ResponseShape
	Code        CommandCode
	// PerChannel scales BaseTimeout by the channel count in the payload
	PerChannel bool
}

var descriptors = map[CommandCode]Descriptor{
	CmdOpenSimultaneous: {
		Code: CmdOpenSimultaneous, Label: "open multiple simultaneously",
		Payload: PayloadChannelList, Response: ResponseStatus, BaseTimeout: 350 * time.Millisecond,
	},
	CmdFlashChannel: {
		Code: CmdFlashChannel, Label: "flash channel",
		Payload: PayloadChannel, Response: ResponseStatusChannel, BaseTimeout: 100 * time.Millisecond,
	},
	CmdOpenSingle: {
		Code: CmdOpenSingle, Label: "open single lock",
		Payload: PayloadChannel, Response: ResponseStatusChannelState, BaseTimeout: 350 * time.Millisecond,
	},
	CmdQuerySingle: {
		Code: CmdQuerySingle, Label: "query single status",
		Payload: PayloadChannel, Response: ResponseStatusChannelState, BaseTimeout: 100 * time.Millisecond,
	},
	CmdQueryAll: {
		Code: CmdQueryAll, Label: "query all status",
		Payload: PayloadNone, Response: ResponseStatusStates, BaseTimeout: 200 * time.Millisecond,
	},
	CmdStatusPush: {
		Code: CmdStatusPush, Label: "status push",
		Payload: PayloadNone, Response: ResponseChannelStatus, BaseTimeout: 100 * time.Millisecond,
	},
	CmdOpenAll: {
		Code: CmdOpenAll, Label: "open all locks",
		Payload: PayloadNone, Response: ResponseStatus, BaseTimeout: 350 * time.Millisecond,
	},
	CmdOpenSequential: {
		Code: CmdOpenSequential, Label: "open multiple sequentially",
		Payload: PayloadChannelList, Response: ResponseStatus, BaseTimeout: 350 * time.Millisecond,
		PerChannel: true,
	},
	CmdKeepOpen: {
		Code: CmdKeepOpen, Label: "keep channel open",
		Payload: PayloadChannel, Response: ResponseStatusChannel, BaseTimeout: 100 * time.Millisecond,
	},
	CmdCloseChannel: {
		Code: CmdCloseChannel, Label: "close channel",
		Payload: PayloadChannel, Response: ResponseStatusChannel, BaseTimeout: 100 * time.Millisecond,
	},
}

// Describe returns the descriptor for code.
func Describe(code CommandCode) (Descriptor, bool) {
	d, ok := descriptors[code]
	return d, ok
}

// Descriptors returns every known descriptor ordered by command code.
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return int(a.Code) - int(b.Code) })
	return out
}

// String returns the operation label, or the hex code for unknown commands.
func (c CommandCode) String() string {
	if d, ok := descriptors[c]; ok {
		return d.Label
	}
	return fmt.Sprintf("unknown command 0x%02X", byte(c))
}
