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

package lockctl

import (
	"context"
	"fmt"
)

// OpenMode selects how a multi-channel open is actuated.
type OpenMode int

const (
	// OpenSimultaneous releases every channel at once.
	OpenSimultaneous OpenMode = iota
	// OpenSequential releases channels one after another, which keeps the
	// inrush current of a large bank within the supply's limit.
	OpenSequential
)

func (m OpenMode) String() string {
	if m == OpenSequential {
		return "sequential"
	}
	return "simultaneous"
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithRetryConfig sets the retry policy for status queries.
func WithRetryConfig(cfg *RetryConfig) BoardOption {
	return func(b *Board) {
		if cfg != nil {
			b.retry = cfg
		}
	}
}

// Board issues commands to one board address through a shared Engine.
// Several Boards on one daisy-chained bus share a single Engine so their
// traffic is still serialised.
type Board struct {
	engine  *Engine
	retry   *RetryConfig
	address byte
}

// NewBoard returns a client for the board at address.
func NewBoard(engine *Engine, address byte, opts ...BoardOption) (*Board, error) {
	if address > MaxBoardAddress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBoardAddress, address)
	}
	b := &Board{engine: engine, address: address, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Address returns the board address.
func (b *Board) Address() byte { return b.address }

// Engine returns the engine the board submits through.
func (b *Board) Engine() *Engine { return b.engine }

func (b *Board) exec(ctx context.Context, raw []byte, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	return b.engine.Do(ctx, raw)
}

// OpenLock releases one channel and returns the lock state the board reports
// right after actuation.
func (b *Board) OpenLock(ctx context.Context, ch int) (LockState, error) {
	raw, err := BuildOpenSingle(b.address, ch)
	resp, err := b.exec(ctx, raw, err)
	if err != nil {
		return LockFailed, err
	}
	return resp.LockState, nil
}

// OpenLocks releases several channels.
func (b *Board) OpenLocks(ctx context.Context, mode OpenMode, channels ...int) error {
	var (
		raw []byte
		err error
	)
	if mode == OpenSequential {
		raw, err = BuildOpenSequential(b.address, channels...)
	} else {
		raw, err = BuildOpenSimultaneous(b.address, channels...)
	}
	_, err = b.exec(ctx, raw, err)
	return err
}

// OpenAll releases every channel.
func (b *Board) OpenAll(ctx context.Context) error {
	raw, err := BuildOpenAll(b.address)
	_, err = b.exec(ctx, raw, err)
	return err
}

// FlashChannel blinks an LED channel.
func (b *Board) FlashChannel(ctx context.Context, ch int) error {
	raw, err := BuildFlashChannel(b.address, ch)
	_, err = b.exec(ctx, raw, err)
	return err
}

// KeepOpen holds a channel energised until CloseChannel.
func (b *Board) KeepOpen(ctx context.Context, ch int) error {
	raw, err := BuildKeepOpen(b.address, ch)
	_, err = b.exec(ctx, raw, err)
	return err
}

// CloseChannel de-energises a channel.
func (b *Board) CloseChannel(ctx context.Context, ch int) error {
	raw, err := BuildCloseChannel(b.address, ch)
	_, err = b.exec(ctx, raw, err)
	return err
}

// LockStatus queries one channel, retrying timeouts and transient faults.
func (b *Board) LockStatus(ctx context.Context, ch int) (LockState, error) {
	raw, err := BuildQuerySingle(b.address, ch)
	if err != nil {
		return LockFailed, err
	}
	return Retry(ctx, b.retry, func(ctx context.Context) (LockState, error) {
		resp, err := b.exec(ctx, raw, nil)
		if err != nil {
			return LockFailed, err
		}
		return resp.LockState, nil
	})
}

// AllLockStatus queries every channel, retrying timeouts and transient faults.
func (b *Board) AllLockStatus(ctx context.Context) ([]ChannelState, error) {
	raw, err := BuildQueryAll(b.address)
	if err != nil {
		return nil, err
	}
	return Retry(ctx, b.retry, func(ctx context.Context) ([]ChannelState, error) {
		resp, err := b.exec(ctx, raw, nil)
		if err != nil {
			return nil, err
		}
		return resp.LockStates, nil
	})
}
