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

// Package mapping runs the self-check that learns which board channel drives
// which physical locker door. Every connected lock is opened, then the
// operator closes the doors in locker order; each door's status push assigns
// it the next lock number.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"go.uber.org/zap"
)

// Status is the outcome of a self-check.
type Status string

// Self-check outcomes.
const (
	StatusWaiting     Status = "waiting"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// ErrNoLocks is returned when no channel reports a closed lock, which is how
// the board reveals that a lock is wired to it.
var ErrNoLocks = errors.New("no connected locks found; close every door before starting")

// Board is the part of *lockctl.Board the self-check drives.
type Board interface {
	Address() byte
	AllLockStatus(ctx context.Context) ([]lockctl.ChannelState, error)
	OpenAll(ctx context.Context) error
}

// PushSource delivers board status pushes. *lockctl.Engine implements it.
type PushSource interface {
	AddPushHandler(fn func(*lockctl.Response)) (remove func())
}

// Result is the learned channel to lock number mapping.
type Result struct {
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished"`
	// Mapping maps board channel to 1-based lock number.
	Mapping       map[int]int `yaml:"mapping"`
	Status        Status      `yaml:"status"`
	Connected     []int       `yaml:"connected"`
	TotalChannels int         `yaml:"total_channels"`
	Board         byte        `yaml:"board"`
}

// Complete reports whether every connected channel has a lock number.
func (r *Result) Complete() bool {
	for _, ch := range r.Connected {
		if _, ok := r.Mapping[ch]; !ok {
			return false
		}
	}
	return true
}

// LockFor returns the lock number assigned to channel.
func (r *Result) LockFor(channel int) (int, bool) {
	lock, ok := r.Mapping[channel]
	return lock, ok
}

// ChannelFor returns the channel driving lock.
func (r *Result) ChannelFor(lock int) (int, bool) {
	for ch, l := range r.Mapping {
		if l == lock {
			return ch, true
		}
	}
	return 0, false
}

// Unmapped returns connected channels still waiting for their door to close.
func (r *Result) Unmapped() []int {
	var out []int
	for _, ch := range r.Connected {
		if _, ok := r.Mapping[ch]; !ok {
			out = append(out, ch)
		}
	}
	return out
}

// Callbacks report self-check progress.
type Callbacks struct {
	// OnConnected is called once the connected channels are known.
	OnConnected func(total int, connected []int)
	// OnLockClosed is called for each newly mapped door.
	OnLockClosed func(channel, lock int)
}

// Option configures Run.
type Option func(*runner)

// WithCallbacks installs progress callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(r *runner) { r.callbacks = cb }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

type runner struct {
	logger    *zap.Logger
	callbacks Callbacks
}

// Run performs the self-check. It returns when every connected door has been
// closed, when ctx ends (StatusInterrupted, with the partial mapping) or when
// a board command fails (StatusFailed).
func Run(ctx context.Context, board Board, pushes PushSource, opts ...Option) (*Result, error) {
	r := &runner{logger: lockctl.Logger().Named("mapping")}
	for _, opt := range opts {
		opt(r)
	}

	res := &Result{
		Board:   board.Address(),
		Started: time.Now().UTC(),
		Mapping: make(map[int]int),
		Status:  StatusWaiting,
	}
	fail := func(status Status, err error) (*Result, error) {
		res.Status = status
		res.Finished = time.Now().UTC()
		return res, err
	}

	states, err := board.AllLockStatus(ctx)
	if err != nil {
		return fail(StatusFailed, fmt.Errorf("query lock states: %w", err))
	}
	res.TotalChannels = len(states)
	for _, s := range states {
		if s.State == lockctl.LockClosed {
			res.Connected = append(res.Connected, s.Channel)
		}
	}
	sort.Ints(res.Connected)
	if r.callbacks.OnConnected != nil {
		r.callbacks.OnConnected(res.TotalChannels, res.Connected)
	}
	if len(res.Connected) == 0 {
		return fail(StatusFailed, ErrNoLocks)
	}
	r.logger.Info("connected locks found",
		zap.Int("total_channels", res.TotalChannels), zap.Ints("connected", res.Connected))

	// subscribe before opening so no close is missed
	closed := make(chan int, lockctl.MaxChannel*2)
	remove := pushes.AddPushHandler(func(resp *lockctl.Response) {
		if resp.Board != res.Board || !resp.HasLockState || resp.LockState != lockctl.LockClosed {
			return
		}
		select {
		case closed <- resp.Channel:
		default:
		}
	})
	defer remove()

	if err := board.OpenAll(ctx); err != nil {
		return fail(StatusFailed, fmt.Errorf("open all locks: %w", err))
	}
	r.logger.Info("all locks open, close the doors in locker order")

	connected := make(map[int]bool, len(res.Connected))
	for _, ch := range res.Connected {
		connected[ch] = true
	}
	nextLock := 1
	for !res.Complete() {
		select {
		case <-ctx.Done():
			r.logger.Warn("self-check interrupted", zap.Ints("unmapped", res.Unmapped()))
			return fail(StatusInterrupted, ctx.Err())
		case ch := <-closed:
			if !connected[ch] {
				r.logger.Debug("ignoring close on unconnected channel", zap.Int("channel", ch))
				continue
			}
			if _, done := res.Mapping[ch]; done {
				continue
			}
			res.Mapping[ch] = nextLock
			r.logger.Info("door closed", zap.Int("channel", ch), zap.Int("lock", nextLock))
			if r.callbacks.OnLockClosed != nil {
				r.callbacks.OnLockClosed(ch, nextLock)
			}
			nextLock++
		}
	}

	res.Status = StatusCompleted
	res.Finished = time.Now().UTC()
	return res, nil
}
