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

import (
	"bytes"
	"errors"
)

// Validation errors
var (
	ErrFrameTooShort  = errors.New("frame too short")
	ErrBadMarker      = errors.New("missing start marker")
	ErrLengthMismatch = errors.New("declared length does not match frame size")
	ErrBadChecksum    = errors.New("checksum mismatch")
)

// HasMarker reports whether buf starts with the frame marker.
func HasMarker(buf []byte) bool {
	return len(buf) >= MarkerLen && bytes.Equal(buf[:MarkerLen], Marker[:])
}

// Validate checks marker, declared length and trailing checksum of a single
// complete frame.
func Validate(buf []byte) error {
	if len(buf) < MinFrameLength {
		return ErrFrameTooShort
	}
	if !HasMarker(buf) {
		return ErrBadMarker
	}
	if int(buf[LengthOffset]) != len(buf) {
		return ErrLengthMismatch
	}
	if !ValidateChecksum(buf) {
		return ErrBadChecksum
	}
	return nil
}

// ValidateChecksum reports whether the last byte of buf equals the XOR of all
// preceding bytes. Buffers shorter than two bytes never validate.
func ValidateChecksum(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return CalculateChecksum(buf[:len(buf)-1]) == buf[len(buf)-1]
}
