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

// Package config loads CLI configuration from defaults, a YAML file, LOCKCTL_
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SerialConfig selects and configures the serial port.
type SerialConfig struct {
	// Port is the device path; empty means auto-detect
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// BoardConfig describes the addressed board.
type BoardConfig struct {
	Address  int `mapstructure:"address"`
	Channels int `mapstructure:"channels"`
}

// EngineConfig tunes the command engine.
type EngineConfig struct {
	MinInterval  time.Duration `mapstructure:"min_interval"`
	SafetyFactor int           `mapstructure:"safety_factor"`
}

// MonitorConfig tunes the status monitor.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DetectionConfig tunes port detection.
type DetectionConfig struct {
	CacheFile    string        `mapstructure:"cache_file"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// MetricsConfig exposes Prometheus metrics; an empty Addr disables them.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LumberjackConfig configures log file rotation.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LogConfig selects level, format and an optional rotated file.
type LogConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// Config is the full CLI configuration.
type Config struct {
	Detection DetectionConfig `mapstructure:"detection"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Board     BoardConfig     `mapstructure:"board"`
}

// EnvPrefix prefixes every environment override, e.g. LOCKCTL_SERIAL_PORT.
const EnvPrefix = "LOCKCTL"

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"device":       "serial.port",
	"baud":         "serial.baud",
	"board":        "board.address",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// Load reads configuration. path may be empty, in which case lockctl.yaml is
// looked up in the working directory and the user config directory and is
// optional. Flags in fs override every other source when they were set.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lockctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "lockctl"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.read_timeout", "50ms")

	v.SetDefault("board.address", 0)
	v.SetDefault("board.channels", lockctl.MaxChannel)

	v.SetDefault("engine.min_interval", "0s")
	v.SetDefault("engine.safety_factor", lockctl.SafetyFactor)

	v.SetDefault("monitor.interval", "1s")

	v.SetDefault("detection.cache_file", defaultCacheFile())
	v.SetDefault("detection.probe_timeout", "3s")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age", 28)
	v.SetDefault("log.file.compress", true)
}

func defaultCacheFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lockctl", "port.yaml")
}

// Validate checks ranges the protocol imposes.
func (c *Config) Validate() error {
	var errs []error
	if c.Board.Address < 0 || c.Board.Address > lockctl.MaxBoardAddress {
		errs = append(errs, fmt.Errorf("board.address %d: %w", c.Board.Address, lockctl.ErrInvalidBoardAddress))
	}
	if c.Board.Channels < lockctl.MinChannel || c.Board.Channels > lockctl.MaxChannel {
		errs = append(errs, fmt.Errorf("board.channels %d: %w", c.Board.Channels, lockctl.ErrInvalidChannel))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Engine.SafetyFactor < 1 {
		errs = append(errs, fmt.Errorf("engine.safety_factor must be at least 1, got %d", c.Engine.SafetyFactor))
	}
	if c.Engine.MinInterval < 0 {
		errs = append(errs, errors.New("engine.min_interval must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
