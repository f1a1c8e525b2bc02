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

import "bytes"

// Extractor slices complete, validated frames out of a byte stream that may
// deliver frames split across reads, several frames in one read, or line
// noise between frames.
//
// Extractor is not safe for concurrent use; the owning read loop serialises
// access.
type Extractor struct {
	buf     []byte
	dropped int
}

// NewExtractor creates an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{buf: make([]byte, 0, 256)}
}

// Write appends p to the stream buffer and returns every complete frame that
// validates. Returned frames are independent copies.
func (e *Extractor) Write(p []byte) [][]byte {
	e.buf = append(e.buf, p...)
	if len(e.buf) > MaxBufferSize {
		e.discard(len(e.buf))
		return nil
	}

	var frames [][]byte
	for {
		idx := bytes.Index(e.buf, Marker[:])
		if idx < 0 {
			// keep a possible partial marker at the tail
			if len(e.buf) > CleanupThreshold {
				e.discard(len(e.buf) - (MarkerLen - 1))
			}
			return frames
		}
		if idx > 0 {
			e.discard(idx)
		}
		if len(e.buf) <= LengthOffset {
			return frames
		}

		n := int(e.buf[LengthOffset])
		if n < MinFrameLength || n > MaxFrameLength {
			e.discard(1)
			continue
		}
		if len(e.buf) < n {
			return frames
		}

		if Validate(e.buf[:n]) != nil {
			e.discard(1)
			continue
		}
		out := make([]byte, n)
		copy(out, e.buf[:n])
		frames = append(frames, out)
		e.consume(n)
	}
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (e *Extractor) Buffered() int {
	return len(e.buf)
}

// Dropped returns the total number of bytes discarded as noise.
func (e *Extractor) Dropped() int {
	return e.dropped
}

// Reset clears any partial frame.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
}

func (e *Extractor) discard(n int) {
	e.dropped += n
	e.consume(n)
}

func (e *Extractor) consume(n int) {
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
}
