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

// Package monitor tracks the lock state of every channel on a board by
// polling query-all and folding in the board's status pushes.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
	"go.uber.org/zap"
)

// StatusSource reports the state of every channel. *lockctl.Board
// implements it.
type StatusSource interface {
	AllLockStatus(ctx context.Context) ([]lockctl.ChannelState, error)
}

// Callbacks defines callback functions for monitor events. Callbacks for
// pushes run on the engine worker and must not wait on the engine.
type Callbacks struct {
	OnChange func(channel int, from, to lockctl.LockState)
	OnError  func(err error)
}

// Metrics tracks operational metrics for a Monitor
type Metrics struct {
	Polls           int64         // Total number of polls
	PollErrors      int64         // Number of failed polls
	Changes         int64         // Number of lock state changes seen
	Pushes          int64         // Number of status pushes applied
	Wakeups         int64         // Number of host sleeps detected
	LastPollLatency time.Duration // Duration of last poll
}

// Monitor polls a StatusSource and keeps the last known state per channel.
// The first observation of a channel sets its baseline and is not reported
// as a change.
type Monitor struct {
	source    StatusSource
	config    *Config
	logger    *zap.Logger
	callbacks Callbacks
	states    map[int]lockctl.LockState
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        syncutil.Mutex

	polls           atomic.Int64
	pollErrors      atomic.Int64
	changes         atomic.Int64
	pushes          atomic.Int64
	wakeups         atomic.Int64
	lastPollLatency atomic.Int64
	currentInterval atomic.Int64
	lastChange      atomic.Int64
	running         atomic.Bool
}

// New creates a stopped monitor. A nil config uses DefaultConfig.
func New(source StatusSource, config *Config, callbacks Callbacks) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	m := &Monitor{
		source:    source,
		config:    config,
		callbacks: callbacks,
		logger:    lockctl.Logger().Named("monitor"),
		states:    make(map[int]lockctl.LockState),
	}
	m.currentInterval.Store(int64(config.Interval))
	m.lastChange.Store(time.Now().UnixNano())
	return m
}

// SetLogger replaces the monitor logger.
func (m *Monitor) SetLogger(l *zap.Logger) {
	if l != nil {
		m.logger = l
	}
}

// Start begins polling. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(ctx)
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (m *Monitor) Stop(_ context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.running.Store(false)

	interval := m.config.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	// poll immediately so the baseline is available straight away
	_ = m.Poll(ctx)
	lastPoll := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if elapsed := time.Since(lastPoll); m.config.SleepRecovery.DetectSleep(elapsed, interval) {
			m.wakeups.Add(1)
			m.lastChange.Store(time.Now().UnixNano())
			m.logger.Info("host sleep detected, resynchronising", zap.Duration("gap", elapsed))
		}

		_ = m.Poll(ctx)
		lastPoll = time.Now()

		interval = m.adjustInterval()
		timer.Reset(interval)
	}
}

// adjustInterval slows polling down once the bank has been quiet for a while.
func (m *Monitor) adjustInterval() time.Duration {
	interval := m.config.Interval
	if m.config.IdleInterval > 0 && m.config.IdleAfter > 0 {
		quiet := time.Since(time.Unix(0, m.lastChange.Load()))
		if quiet > m.config.IdleAfter {
			interval = m.config.IdleInterval
		}
	}
	m.currentInterval.Store(int64(interval))
	return interval
}

// Poll queries every channel once and reports differences.
func (m *Monitor) Poll(ctx context.Context) error {
	if m.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.PollTimeout)
		defer cancel()
	}

	start := time.Now()
	states, err := m.source.AllLockStatus(ctx)
	m.polls.Add(1)
	m.lastPollLatency.Store(int64(time.Since(start)))

	if err != nil {
		m.pollErrors.Add(1)
		if ctx.Err() == nil {
			m.logger.Warn("lock status poll failed", zap.Error(err))
			if m.callbacks.OnError != nil {
				m.callbacks.OnError(err)
			}
		}
		return err
	}

	for _, s := range states {
		m.apply(s.Channel, s.State)
	}
	return nil
}

// HandlePush folds a board status push into the state map. It has the
// signature of an engine push handler.
func (m *Monitor) HandlePush(resp *lockctl.Response) {
	if resp == nil || resp.Code != lockctl.CmdStatusPush || !resp.HasLockState || resp.Channel < 1 {
		return
	}
	m.pushes.Add(1)
	m.apply(resp.Channel, resp.LockState)
}

func (m *Monitor) apply(channel int, state lockctl.LockState) {
	m.mu.Lock()
	old, known := m.states[channel]
	m.states[channel] = state
	m.mu.Unlock()

	if !known || old == state {
		return
	}
	m.changes.Add(1)
	m.lastChange.Store(time.Now().UnixNano())
	m.logger.Debug("lock state changed",
		zap.Int("channel", channel), zap.Stringer("from", old), zap.Stringer("to", state))
	if m.callbacks.OnChange != nil {
		m.callbacks.OnChange(channel, old, state)
	}
}

// State returns the last known state of channel.
func (m *Monitor) State(channel int) (lockctl.LockState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[channel]
	return s, ok
}

// States returns a copy of the state map.
func (m *Monitor) States() map[int]lockctl.LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]lockctl.LockState, len(m.states))
	for ch, s := range m.states {
		out[ch] = s
	}
	return out
}

// GetMetrics returns current operational metrics
func (m *Monitor) GetMetrics() Metrics {
	return Metrics{
		Polls:           m.polls.Load(),
		PollErrors:      m.pollErrors.Load(),
		Changes:         m.changes.Load(),
		Pushes:          m.pushes.Load(),
		Wakeups:         m.wakeups.Load(),
		LastPollLatency: time.Duration(m.lastPollLatency.Load()),
	}
}

// CurrentInterval returns the interval the next poll will wait.
func (m *Monitor) CurrentInterval() time.Duration {
	return time.Duration(m.currentInterval.Load())
}
