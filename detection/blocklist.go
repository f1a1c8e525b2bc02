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

package detection

import (
	"path/filepath"
	"strings"
)

// knownBridges are the USB-serial chips lock boards ship with.
var knownBridges = map[string]string{
	"1A86:7523": "QinHeng CH340",
	"10C4:EA60": "Silicon Labs CP210x",
	"0403:6001": "FTDI FT232",
	"067B:2303": "Prolific PL2303",
}

func isKnownBridge(vidpid string) bool {
	_, ok := knownBridges[strings.ToUpper(vidpid)]
	return ok
}

// BridgeName returns the chip name for a known VID:PID, or "".
func BridgeName(vidpid string) string {
	return knownBridges[strings.ToUpper(vidpid)]
}

// DefaultBlocklist returns USB devices that should never be probed.
// Format: VID:PID in hexadecimal (case-insensitive).
func DefaultBlocklist() []string {
	return []string{
		"2341:0043", // Arduino Uno, resets when the port opens
		"2341:0001",
	}
}

// IsBlocked checks if a USB device is in the blocklist.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

// IsPathIgnored checks if a device path should be ignored. Paths compare
// case-insensitively after cleaning so COM ports match on Windows.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	device := normalizedPath(devicePath)
	for _, ignore := range ignorePaths {
		if ignore != "" && normalizedPath(ignore) == device {
			return true
		}
	}
	return false
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
