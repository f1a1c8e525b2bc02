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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// These tests swap the package logger and must not run in parallel.

func withObservedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	orig := Logger()
	t.Cleanup(func() { pkgLogger.Store(orig) })

	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	return logs
}

func TestDebugf_WritesThroughLogger(t *testing.T) {
	logs := withObservedLogger(t)

	Debugf("sent %d bytes", 9)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "sent 9 bytes", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "lockctl", entries[0].LoggerName)
}

func TestDebugln_JoinsOperands(t *testing.T) {
	logs := withObservedLogger(t)

	Debugln("board", 3, "ready")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "board 3 ready", logs.All()[0].Message)
}

func TestSetLogger_NilSilences(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { pkgLogger.Store(orig) })

	SetLogger(nil)
	require.NotNil(t, Logger())
	assert.NotPanics(t, func() { Debugf("dropped %s", "message") })
}
