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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ZaparooProject/go-lockctl/internal/syncutil"
)

// EngineStatus is a point-in-time copy of an engine's counters and queue.
type EngineStatus struct {
	Submitted    uint64 // commands accepted into the queue
	Completed    uint64 // commands answered by a matching response
	Timeouts     uint64 // commands that hit their deadline
	Errors       uint64 // commands failed by the transport
	QueueDepth   int    // commands waiting behind the current one
	CurrentCode  CommandCode
	CurrentBoard byte
	Executing    bool
	Closed       bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. Defaults to the package logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSafetyFactor overrides the multiplier applied to base command costs.
func WithSafetyFactor(factor int) EngineOption {
	return func(e *Engine) {
		e.safetyFactor = max(factor, 1)
	}
}

// WithMinInterval spaces consecutive dispatches at least d apart. Some
// boards drop a command that arrives immediately after the previous reply.
func WithMinInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithPushHandler registers fn for board-initiated status pushes.
func WithPushHandler(fn func(*Response)) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.pushHandlers[e.nextHandlerID] = fn
			e.nextHandlerID++
		}
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeTimeout
	outcomeError
)

// inbound is a frame or fault reported by the transport.
type inbound struct {
	at    time.Time
	err   error
	frame []byte
}

// Engine serialises commands to a lock board. At most one command is in
// flight at a time; the rest wait in submission order. A single worker
// goroutine owns the transport's send side, the deadline timer and the
// in-flight command.
//
// Submit, Do, Status, ClearQueue and Shutdown are safe for concurrent use.
type Engine struct {
	transport     Transport
	logger        *zap.Logger
	limiter       *rate.Limiter
	pushHandlers  map[int]func(*Response)
	wake          chan struct{}
	events        chan inbound
	done          chan struct{}
	current       *QueuedCommand
	queue         []*QueuedCommand
	stats         EngineStatus
	safetyFactor  int
	nextHandlerID int
	mu            syncutil.Mutex
	closed        bool
}

// NewEngine installs itself as the transport's listener and starts the
// worker. The caller connects the transport; the engine disconnects it when
// the worker exits after Shutdown.
func NewEngine(transport Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		transport:    transport,
		logger:       Logger(),
		pushHandlers: make(map[int]func(*Response)),
		wake:         make(chan struct{}, 1),
		events:       make(chan inbound, 64),
		done:         make(chan struct{}),
		safetyFactor: SafetyFactor,
	}
	for _, opt := range opts {
		opt(e)
	}
	transport.SetListener(e.onFrame, e.onError)
	go e.run()
	return e
}

// Submit queues raw for execution and returns immediately. cb receives the
// outcome exactly once. Malformed frames and submissions after Shutdown are
// reported to cb before Submit returns and never enter the queue; in that
// case the returned ID is uuid.Nil.
func (e *Engine) Submit(raw []byte, cb Callback) uuid.UUID {
	if e.isClosed() {
		notify(cb, Result{Err: ErrEngineClosed})
		return uuid.Nil
	}
	if err := validateOutbound(raw); err != nil {
		e.logger.Debug("rejected malformed command", zap.Error(err))
		notify(cb, Result{Err: err})
		return uuid.Nil
	}

	cmd := newQueuedCommand(raw, CalculateTimeoutWithFactor(raw, e.safetyFactor), cb)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cmd.finish(Result{Err: ErrEngineClosed}, false)
		return uuid.Nil
	}
	e.queue = append(e.queue, cmd)
	e.stats.Submitted++
	depth := len(e.queue)
	e.mu.Unlock()

	e.logger.Debug("command queued", zap.Stringer("command", cmd), zap.Int("depth", depth))
	e.signal()
	return cmd.ID()
}

// Do submits raw and waits for its outcome. Cancelling ctx abandons the wait
// but not the command, which still runs and retires normally.
func (e *Engine) Do(ctx context.Context, raw []byte) (*Response, error) {
	results := make(chan Result, 1)
	e.Submit(raw, func(r Result) { results <- r })

	select {
	case r := <-results:
		return r.Response, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the engine's counters and queue.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.QueueDepth = len(e.queue)
	s.Closed = e.closed
	if e.current != nil {
		s.Executing = true
		s.CurrentCode = e.current.code
		s.CurrentBoard = e.current.board
	}
	return s
}

// ClearQueue silently drops every command that has not been dispatched and
// returns how many were dropped. Their callbacks never run. The in-flight
// command is unaffected.
func (e *Engine) ClearQueue() int {
	e.mu.Lock()
	n := len(e.queue)
	clear(e.queue)
	e.queue = e.queue[:0]
	e.mu.Unlock()

	if n > 0 {
		e.logger.Info("cleared pending commands", zap.Int("count", n))
	}
	return n
}

// Shutdown closes the engine to new work. No further command is dispatched:
// the in-flight command finishes or times out, then every command still
// waiting fails with ErrEngineClosed in submission order, and the worker
// disconnects the transport and exits. Shutdown does not wait; use Wait or
// Close for that.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := len(e.queue)
	e.mu.Unlock()

	e.logger.Info("shutting down", zap.Int("pending", pending))
	e.signal()
}

// Wait blocks until the worker has exited or ctx is done. Do not call it
// from a callback.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the engine down and waits for the worker to exit.
func (e *Engine) Close() error {
	e.Shutdown()
	<-e.done
	return nil
}

// Done is closed when the worker has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// AddPushHandler registers fn for board-initiated status pushes and returns
// a function that removes it. Handlers run on the worker and must not block.
func (e *Engine) AddPushHandler(fn func(*Response)) (remove func()) {
	e.mu.Lock()
	id := e.nextHandlerID
	e.nextHandlerID++
	e.pushHandlers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Do(func() { delete(e.pushHandlers, id) })
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) onFrame(raw []byte) {
	e.post(inbound{at: time.Now(), frame: append([]byte(nil), raw...)})
}

func (e *Engine) onError(err error) {
	e.post(inbound{at: time.Now(), err: err})
}

func (e *Engine) post(ev inbound) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// run is the dispatch loop. A command stays at the head of the queue until
// it is handed to the transport, so ClearQueue and Shutdown still reach it
// while dispatch is held back by WithMinInterval.
func (e *Engine) run() {
	defer close(e.done)
	defer e.disconnect()

	var (
		cmd      *QueuedCommand
		deadline *time.Timer
		expired  <-chan time.Time
		paced    <-chan time.Time
	)
	start := func() {
		if cmd, deadline = e.startNext(); cmd != nil {
			expired = deadline.C
		}
	}

	for {
		if cmd == nil && paced == nil {
			ready, closed := e.pending()
			switch {
			case closed:
				e.failPending()
				return
			case ready:
				if wait := e.pacing(); wait > 0 {
					paced = time.After(wait)
				} else {
					start()
					continue
				}
			}
		}

		select {
		case <-e.wake:
		case <-paced:
			paced = nil
			start()
		case ev := <-e.events:
			if e.handle(cmd, ev) {
				deadline.Stop()
				expired = nil
				cmd = nil
			}
		case <-expired:
			expired = nil
			e.retire(cmd, Result{Err: &TimeoutError{
				Code:    cmd.code,
				Board:   cmd.board,
				Timeout: cmd.timeout,
			}}, outcomeTimeout)
			cmd = nil
		}
	}
}

// pending reports whether a command is waiting and whether the engine is
// closed.
func (e *Engine) pending() (ready, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0, e.closed
}

// startNext pops the head of the queue and dispatches it. It returns nil
// when the queue was emptied or the engine closed in the meantime, or when
// the send failed and the command already retired.
func (e *Engine) startNext() (*QueuedCommand, *time.Timer) {
	e.mu.Lock()
	if e.closed || len(e.queue) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	cmd := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.current = cmd
	e.mu.Unlock()

	if deadline := e.dispatch(cmd); deadline != nil {
		return cmd, deadline
	}
	return nil, nil
}

// failPending fails every command still queued when the worker stops. It
// runs after the in-flight command has retired so callbacks stay in
// submission order.
func (e *Engine) failPending() {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, cmd := range pending {
		cmd.finish(Result{Err: ErrEngineClosed}, false)
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) pacing() time.Duration {
	if e.limiter == nil {
		return 0
	}
	return e.limiter.Reserve().Delay()
}

// dispatch hands cmd to the transport and arms its deadline. A synchronous
// send failure retires cmd immediately and returns nil.
func (e *Engine) dispatch(cmd *QueuedCommand) *time.Timer {
	cmd.dispatchedAt = time.Now()
	e.logger.Debug("dispatching",
		zap.Stringer("command", cmd),
		zap.Duration("waited", cmd.dispatchedAt.Sub(cmd.enqueuedAt)))

	if err := e.transport.Send(cmd.Frame()); err != nil {
		e.retire(cmd, Result{Err: asTransportError("send", err)}, outcomeError)
		return nil
	}
	return time.NewTimer(cmd.timeout)
}

// handle routes one transport event and reports whether it retired cmd.
func (e *Engine) handle(cmd *QueuedCommand, ev inbound) bool {
	inFlight := cmd != nil && !cmd.dispatchedAt.IsZero() && !ev.at.Before(cmd.dispatchedAt)

	if ev.err != nil {
		if !inFlight {
			e.logger.Warn("transport fault while idle", zap.Error(ev.err))
			return false
		}
		e.retire(cmd, Result{Err: asTransportError("receive", ev.err)}, outcomeError)
		return true
	}

	if IsPush(ev.frame) {
		e.handlePush(ev.frame)
		return false
	}

	if !inFlight || !Matches(ev.frame, cmd.raw) || !echoesChannel(ev.frame, cmd.raw) {
		e.logger.Debug("discarded unmatched frame", zap.String("frame", fmt.Sprintf("% X", ev.frame)))
		return false
	}

	resp, err := ParseResponse(ev.frame)
	res := Result{Response: resp, Err: err}
	if err == nil && !resp.Success() {
		res.Err = &BoardError{Board: resp.Board, Code: resp.Code, Status: resp.Status}
	}
	e.retire(cmd, res, outcomeCompleted)
	return true
}

func (e *Engine) handlePush(raw []byte) {
	resp, err := ParseResponse(raw)
	if err != nil {
		e.logger.Warn("malformed status push", zap.Error(err))
		return
	}
	e.logger.Debug("status push",
		zap.Int("channel", resp.Channel), zap.Stringer("state", resp.LockState))

	e.mu.Lock()
	handlers := make([]func(*Response), 0, len(e.pushHandlers))
	for _, h := range e.pushHandlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		e.runPushHandler(h, resp)
	}
}

func (e *Engine) runPushHandler(h func(*Response), resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("push handler panicked", zap.Any("panic", r))
		}
	}()
	h(resp)
}

// retire records cmd's outcome and runs its callback.
func (e *Engine) retire(cmd *QueuedCommand, res Result, o outcome) {
	e.mu.Lock()
	switch o {
	case outcomeCompleted:
		e.stats.Completed++
	case outcomeTimeout:
		e.stats.Timeouts++
	case outcomeError:
		e.stats.Errors++
	}
	e.current = nil
	e.mu.Unlock()

	if res.Err != nil {
		e.logger.Debug("command failed", zap.Stringer("command", cmd), zap.Error(res.Err))
	} else {
		e.logger.Debug("command completed", zap.Stringer("command", cmd))
	}
	cmd.finish(res, o == outcomeTimeout)
}

func (e *Engine) disconnect() {
	if err := e.transport.Disconnect(); err != nil {
		e.logger.Warn("disconnect failed", zap.Error(err))
	}
}
