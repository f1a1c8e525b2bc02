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

// Package detection finds serial ports with a lock board attached.
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/transport/uart"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// Mode represents the level of invasiveness for device detection
type Mode int

const (
	// Passive mode only inspects port descriptors
	Passive Mode = iota
	// Safe mode sends one query-all command to each candidate port
	Safe
)

// Confidence represents the confidence level of device detection
type Confidence int

const (
	// Low confidence - an unrecognised port
	Low Confidence = iota
	// Medium confidence - a known USB-serial bridge
	Medium
	// High confidence - a board answered the probe
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo represents a port that may have a board behind it.
type DeviceInfo struct {
	Path         string `yaml:"path"`
	VIDPID       string `yaml:"vidpid,omitempty"`
	Product      string `yaml:"product,omitempty"`
	SerialNumber string `yaml:"serial,omitempty"`
	// Channels is the channel count the board reported to the probe
	Channels   int        `yaml:"channels,omitempty"`
	Confidence Confidence `yaml:"-"`
	IsUSB      bool       `yaml:"usb"`
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	s := fmt.Sprintf("%s (confidence: %s)", d.Path, d.Confidence)
	if d.VIDPID != "" {
		s += " [" + d.VIDPID + "]"
	}
	return s
}

// Prober checks whether a board answers on path.
type Prober func(ctx context.Context, path string, opts *Options) (channels int, err error)

// Options configures the detection behavior
type Options struct {
	// Probe replaces the serial probe, mainly for tests
	Probe Prober
	// Logger receives per-port progress; nil uses the package logger
	Logger *zap.Logger
	// CacheFile holds the last good port; empty disables the cache
	CacheFile string
	// USB VID:PID pairs to skip (e.g., ["1234:5678", "ABCD:EF01"])
	Blocklist []string
	// Device paths to explicitly ignore (e.g., ["/dev/ttyS0", "COM1"])
	IgnorePaths []string
	// ProbeTimeout bounds each probe
	ProbeTimeout time.Duration
	BaudRate     int
	Mode         Mode
	// Board is the address probed with query-all
	Board byte
	// FirstOnly stops at the first port that answers
	FirstOnly bool
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:         Safe,
		ProbeTimeout: 3 * time.Second,
		BaudRate:     uart.DefaultBaudRate,
		Blocklist:    DefaultBlocklist(),
	}
}

// Errors
var (
	// ErrNoDevicesFound indicates no board answered on any port
	ErrNoDevicesFound = errors.New("no lock boards found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
)

// listPorts is swapped out by tests.
var listPorts = enumerator.GetDetailedPortsList

// Detect enumerates serial ports and returns the ones a board answers on.
// The cached last-good port is tried first, then known USB-serial bridges,
// then everything else. In Passive mode nothing is probed and every
// candidate is returned with its descriptor confidence.
func Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	logger := opts.Logger
	if logger == nil {
		logger = lockctl.Logger().Named("detection")
	}

	candidates, err := enumerate(opts)
	if err != nil {
		return nil, err
	}
	if opts.CacheFile != "" {
		if cached, err := LoadCache(opts.CacheFile); err == nil {
			candidates = preferPath(candidates, cached.Path)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoDevicesFound
	}
	if opts.Mode == Passive {
		return candidates, nil
	}

	probe := opts.Probe
	if probe == nil {
		probe = probeSerial
	}

	var found []DeviceInfo
	for _, dev := range candidates {
		if ctx.Err() != nil {
			if len(found) > 0 {
				break
			}
			return nil, ErrDetectionTimeout
		}

		probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
		channels, err := probe(probeCtx, dev.Path, opts)
		cancel()
		if err != nil {
			logger.Debug("probe failed", zap.String("port", dev.Path), zap.Error(err))
			continue
		}

		dev.Confidence = High
		dev.Channels = channels
		logger.Info("board found", zap.Stringer("device", dev), zap.Int("channels", channels))
		found = append(found, dev)
		if opts.FirstOnly {
			break
		}
	}

	if len(found) == 0 {
		return nil, ErrNoDevicesFound
	}
	if opts.CacheFile != "" {
		if err := SaveCache(opts.CacheFile, found[0]); err != nil {
			logger.Warn("saving detection cache failed", zap.Error(err))
		}
	}
	return found, nil
}

// enumerate lists ports, drops blocked and ignored ones and orders known
// bridges first.
func enumerate(opts *Options) ([]DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var bridges, others []DeviceInfo
	for _, p := range ports {
		dev := DeviceInfo{
			Path:         p.Name,
			IsUSB:        p.IsUSB,
			Product:      p.Product,
			SerialNumber: p.SerialNumber,
		}
		if p.IsUSB && p.VID != "" {
			dev.VIDPID = strings.ToUpper(p.VID + ":" + p.PID)
		}

		if dev.VIDPID != "" && IsBlocked(dev.VIDPID, opts.Blocklist) {
			continue
		}
		if IsPathIgnored(dev.Path, opts.IgnorePaths) {
			continue
		}

		if isKnownBridge(dev.VIDPID) {
			dev.Confidence = Medium
			bridges = append(bridges, dev)
		} else {
			others = append(others, dev)
		}
	}
	return append(bridges, others...), nil
}

// preferPath moves the device at path to the front.
func preferPath(devices []DeviceInfo, path string) []DeviceInfo {
	for i, d := range devices {
		if normalizedPath(d.Path) == normalizedPath(path) {
			out := make([]DeviceInfo, 0, len(devices))
			out = append(out, d)
			out = append(out, devices[:i]...)
			return append(out, devices[i+1:]...)
		}
	}
	return devices
}

// probeSerial opens path, sends one query-all and reports the channel count.
// It never retries: hammering a port that is not a board gains nothing.
func probeSerial(ctx context.Context, path string, opts *Options) (int, error) {
	transport := uart.New(path, uart.WithBaudRate(opts.BaudRate), uart.WithLogger(zap.NewNop()))
	if err := transport.Connect(); err != nil {
		return 0, err
	}
	engine := lockctl.NewEngine(transport, lockctl.WithLogger(zap.NewNop()))
	defer func() { _ = engine.Close() }()

	board, err := lockctl.NewBoard(engine, opts.Board, lockctl.WithRetryConfig(lockctl.NoRetry()))
	if err != nil {
		return 0, err
	}
	states, err := board.AllLockStatus(ctx)
	if err != nil {
		return 0, err
	}
	return len(states), nil
}
