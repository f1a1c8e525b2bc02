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
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// DebugEnv enables development logging to stderr when set to any value.
const DebugEnv = "LOCKCTL_DEBUG"

var pkgLogger atomic.Pointer[zap.Logger]

func init() {
	if os.Getenv(DebugEnv) != "" {
		if l, err := zap.NewDevelopment(); err == nil {
			SetLogger(l)
			return
		}
	}
	SetLogger(nil)
}

// SetLogger installs the logger used by the package and by engines created
// without WithLogger. A nil logger silences output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	pkgLogger.Store(l.Named("lockctl"))
}

// Logger returns the package logger.
func Logger() *zap.Logger {
	return pkgLogger.Load()
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	Logger().Sugar().Debugf(format, args...)
}

// Debugln logs its operands at debug level.
func Debugln(args ...any) {
	Logger().Sugar().Debugln(args...)
}
