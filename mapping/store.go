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

package mapping

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save writes r to path as YAML.
func (r *Result) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create mapping directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return nil
}

// Load reads a mapping saved by Save.
func Load(path string) (*Result, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var r Result
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	if r.Mapping == nil {
		r.Mapping = make(map[int]int)
	}
	return &r, nil
}
