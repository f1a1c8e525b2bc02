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

package detection

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheEntry is the last port a board answered on.
type CacheEntry struct {
	SavedAt    time.Time `yaml:"saved_at"`
	DeviceInfo `yaml:",inline"`
}

// LoadCache reads the cache file.
func LoadCache(path string) (*CacheEntry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read detection cache: %w", err)
	}
	var entry CacheEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse detection cache %s: %w", path, err)
	}
	if entry.Path == "" {
		return nil, fmt.Errorf("detection cache %s has no port", path)
	}
	return &entry, nil
}

// SaveCache records dev as the last good port.
func SaveCache(path string, dev DeviceInfo) error {
	data, err := yaml.Marshal(CacheEntry{DeviceInfo: dev, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode detection cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write detection cache: %w", err)
	}
	return nil
}

// ClearCache removes the cache file. A missing file is not an error.
func ClearCache(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove detection cache: %w", err)
	}
	return nil
}
