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

package frame

// Marker opens every frame in both directions ("WKLY").
var Marker = [4]byte{0x57, 0x4B, 0x4C, 0x59}

// Field offsets within a frame
const (
	MarkerLen     = 4
	LengthOffset  = 4
	AddressOffset = 5
	CommandOffset = 6
	PayloadOffset = 7
)

// Frame size limits
const (
	// MinFrameLength is marker(4) + length + address + command + checksum,
	// the size of a frame with no payload.
	MinFrameLength = 8
	// MaxFrameLength bounds the declared length accepted from the wire. The
	// largest frame the board produces is a 24-channel query-all response
	// (34 bytes).
	MaxFrameLength = 64
)

// Stream buffer limits
const (
	MaxBufferSize    = 1024 // buffered bytes before the extractor gives up and resets
	CleanupThreshold = 100  // markerless bytes tolerated before trimming
)
