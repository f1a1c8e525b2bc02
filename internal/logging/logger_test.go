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

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZaparooProject/go-lockctl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{" DEBUG ", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"chatty", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("opened", zap.Int("channel", 3))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "opened", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.InDelta(t, 3, entry["channel"], 0)
}

func TestNewWithWriter_Console(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{Level: "debug", Format: "console"}, &buf)

	logger.Named("engine").Debug("dispatching")
	assert.Contains(t, buf.String(), "debug")
	assert.Contains(t, buf.String(), "engine")
	assert.Contains(t, buf.String(), "dispatching")
}

func TestNewWithWriter_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lockctl.log")
	var buf bytes.Buffer
	logger := NewWithWriter(config.LogConfig{
		Level:  "warn",
		Format: "console",
		File:   config.LumberjackConfig{Filename: path, MaxSizeMB: 1},
	}, &buf)

	logger.Info("skipped")
	logger.Warn("timeout", zap.String("command", "query all"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"timeout"`)
	assert.NotContains(t, string(data), "skipped")
	assert.Contains(t, buf.String(), "timeout")
}
