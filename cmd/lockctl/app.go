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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/detection"
	"github.com/ZaparooProject/go-lockctl/internal/boardsim"
	"github.com/ZaparooProject/go-lockctl/internal/config"
	"github.com/ZaparooProject/go-lockctl/internal/logging"
	"github.com/ZaparooProject/go-lockctl/metrics"
	"github.com/ZaparooProject/go-lockctl/monitor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what the subcommands share: configuration, the logger and, once
// opened, the engine and board client.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	cfg     *config.Config
	logger  *zap.Logger
	engine  *lockctl.Engine
	board   *lockctl.Board
	sim     *boardsim.Board
	monitor *monitor.Monitor
	metrics *http.Server

	configPath string
	simulate   bool
	debug      bool
}

// load reads configuration and builds the logger. It runs before every
// subcommand.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = logging.NewWithWriter(cfg.Log, a.stderr)
	if a.debug {
		lockctl.SetLogger(a.logger)
	}
	return nil
}

// open connects to the board, detecting the port when none is configured.
func (a *app) open(ctx context.Context) error {
	transport, err := a.transport(ctx)
	if err != nil {
		return err
	}
	if err := transport.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	opts := []lockctl.EngineOption{
		lockctl.WithLogger(a.logger.Named("engine")),
		lockctl.WithSafetyFactor(a.cfg.Engine.SafetyFactor),
	}
	if a.cfg.Engine.MinInterval > 0 {
		opts = append(opts, lockctl.WithMinInterval(a.cfg.Engine.MinInterval))
	}
	a.engine = lockctl.NewEngine(transport, opts...)

	board, err := lockctl.NewBoard(a.engine, byte(a.cfg.Board.Address))
	if err != nil {
		return err
	}
	a.board = board

	// built for every command so the metrics endpoint always has it; only
	// the monitor command starts polling
	a.monitor = monitor.New(board, &monitor.Config{
		Interval:      a.cfg.Monitor.Interval,
		PollTimeout:   5 * time.Second,
		SleepRecovery: monitor.DefaultSleepRecoveryConfig(),
	}, monitor.Callbacks{OnChange: a.printChange})
	a.monitor.SetLogger(a.logger.Named("monitor"))
	return a.serveMetrics()
}

func (a *app) transport(ctx context.Context) (lockctl.Transport, error) {
	if a.simulate {
		a.sim = boardsim.New(boardsim.Config{
			Address:        byte(a.cfg.Board.Address),
			Channels:       a.cfg.Board.Channels,
			Latency:        20 * time.Millisecond,
			SequentialStep: 50 * time.Millisecond,
			AutoRelock:     500 * time.Millisecond,
		})
		a.logger.Info("using simulated board", zap.Int("channels", a.cfg.Board.Channels))
		return a.sim, nil
	}

	port := a.cfg.Serial.Port
	if port == "" {
		devices, err := detection.Detect(ctx, a.detectOptions(true))
		if err != nil {
			return nil, fmt.Errorf("no --device given and detection failed: %w", err)
		}
		port = devices[0].Path
		a.logger.Info("detected board", zap.Stringer("device", devices[0]))
	}
	return newUART(port, a.cfg, a.logger), nil
}

func (a *app) detectOptions(firstOnly bool) *detection.Options {
	opts := detection.DefaultOptions()
	opts.Logger = a.logger.Named("detection")
	opts.CacheFile = a.cfg.Detection.CacheFile
	opts.ProbeTimeout = a.cfg.Detection.ProbeTimeout
	opts.BaudRate = a.cfg.Serial.Baud
	opts.Board = byte(a.cfg.Board.Address)
	opts.FirstOnly = firstOnly
	return &opts
}

// serveMetrics starts the /metrics endpoint when an address is configured.
func (a *app) serveMetrics() error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	reg := metrics.NewRegistry()
	reg.MustRegister(metrics.NewCollector(a.engine, a.monitor))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	a.metrics = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Addr))
	return nil
}

// close shuts the engine down, which disconnects the transport.
func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) printChange(channel int, from, to lockctl.LockState) {
	a.printf("%s channel %d: %s -> %s\n", time.Now().Format(time.TimeOnly), channel, from, to)
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, args...)
}
