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
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MockTransport) {
	t.Helper()
	mock := NewMockTransport()
	engine := NewEngine(mock, append([]EngineOption{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, mock
}

// resultLog collects callback invocations with their arrival times.
type resultLog struct {
	results []Result
	at      []time.Time
	mu      sync.Mutex
}

func (l *resultLog) callback() Callback {
	return func(r Result) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.results = append(l.results, r)
		l.at = append(l.at, time.Now())
	}
}

func (l *resultLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func (l *resultLog) snapshot() ([]Result, []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Result(nil), l.results...), append([]time.Time(nil), l.at...)
}

func (l *resultLog) waitFor(t *testing.T, n int, within time.Duration) []Result {
	t.Helper()
	require.Eventually(t, func() bool { return l.len() >= n }, within, 5*time.Millisecond)
	results, _ := l.snapshot()
	return results
}

// mustBuild unwraps a builder result for operands known to be valid.
func mustBuild(raw []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return raw
}

func TestEngine_SingleFlightInOrder(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetDelay(20 * time.Millisecond)

	var log resultLog
	for ch := 1; ch <= 5; ch++ {
		id := engine.Submit(mustBuild(BuildOpenSingle(0, ch)), log.callback())
		assert.NotEqual(t, uuid.Nil, id)
	}

	log.waitFor(t, 5, 2*time.Second)
	results, completedAt := log.snapshot()
	require.Len(t, results, 5)

	for i, r := range results {
		require.NoError(t, r.Err)
		require.NotNil(t, r.Response)
		assert.Equal(t, i+1, r.Response.Channel, "completion order")
	}

	sent := mock.Sent()
	require.Len(t, sent, 5)
	for i := 1; i < len(sent); i++ {
		assert.False(t, sent[i].At.Before(completedAt[i-1]),
			"command %d dispatched before command %d completed", i, i-1)
		assert.GreaterOrEqual(t, completedAt[i].Sub(completedAt[i-1]), 15*time.Millisecond)
	}

	status := engine.Status()
	assert.Equal(t, uint64(5), status.Submitted)
	assert.Equal(t, uint64(5), status.Completed)
	assert.Zero(t, status.Timeouts)
	assert.Zero(t, status.Errors)
	assert.Zero(t, status.QueueDepth)
	assert.False(t, status.Executing)
}

func TestEngine_TimeoutThenContinue(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetSilent(CmdQuerySingle, true)

	var log resultLog
	engine.Submit(mustBuild(BuildQuerySingle(0, 2)), log.callback())
	engine.Submit(mustBuild(BuildOpenSingle(0, 3)), log.callback())

	results := log.waitFor(t, 2, 2*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, results[0].Err, &te)
	assert.ErrorIs(t, results[0].Err, ErrCommandTimeout)
	assert.Equal(t, CmdQuerySingle, te.Code)
	assert.Equal(t, 200*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, results[0].Elapsed, 190*time.Millisecond)
	assert.Less(t, results[0].Elapsed, 600*time.Millisecond)

	require.NoError(t, results[1].Err)
	assert.Equal(t, CmdOpenSingle, results[1].Code)

	status := engine.Status()
	assert.Equal(t, uint64(1), status.Timeouts)
	assert.Equal(t, uint64(1), status.Completed)
}

func TestEngine_ClearQueueKeepsInFlight(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetDelay(100 * time.Millisecond)

	var log resultLog
	for ch := 1; ch <= 5; ch++ {
		engine.Submit(mustBuild(BuildOpenSingle(0, ch)), log.callback())
	}
	require.Eventually(t, func() bool { return engine.Status().Executing }, time.Second, time.Millisecond)

	assert.Equal(t, 4, engine.ClearQueue())
	assert.Zero(t, engine.Status().QueueDepth)

	results := log.waitFor(t, 1, time.Second)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Response.Channel)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, log.len(), "cleared commands must not be notified")
	assert.Len(t, mock.Sent(), 1)
}

func TestEngine_ShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)
	engine.Shutdown()

	var got Result
	called := 0
	id := engine.Submit(mustBuild(BuildOpenAll(0)), func(r Result) {
		called++
		got = r
	})

	assert.Equal(t, 1, called, "callback runs before Submit returns")
	assert.Equal(t, uuid.Nil, id)
	require.ErrorIs(t, got.Err, ErrEngineClosed)
	assert.Contains(t, got.Err.Error(), "closed")

	status := engine.Status()
	assert.Zero(t, status.QueueDepth)
	assert.Zero(t, status.Submitted)
	assert.True(t, status.Closed)
}

func TestEngine_ShutdownLetsInFlightFinish(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetDelay(50 * time.Millisecond)

	var log resultLog
	for ch := 1; ch <= 3; ch++ {
		engine.Submit(mustBuild(BuildOpenSingle(0, ch)), log.callback())
	}
	require.Eventually(t, func() bool { return engine.Status().Executing }, time.Second, time.Millisecond)

	engine.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Wait(ctx))

	results, _ := log.snapshot()
	require.Len(t, results, 3)
	// callbacks keep submission order: the in-flight answer comes first
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Response.Channel)
	for _, r := range results[1:] {
		assert.ErrorIs(t, r.Err, ErrEngineClosed)
		assert.Equal(t, CmdOpenSingle, r.Code)
	}

	assert.Len(t, mock.Sent(), 1, "nothing is dispatched after Shutdown")
	assert.False(t, mock.IsConnected(), "worker disconnects the transport on exit")
}

func TestEngine_ShutdownRejectsMalformedAsClosed(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)
	engine.Shutdown()

	var got Result
	engine.Submit([]byte{0x01, 0x02, 0x03}, func(r Result) { got = r })
	require.ErrorIs(t, got.Err, ErrEngineClosed)
	var fe *FormatError
	assert.False(t, errors.As(got.Err, &fe))
}

func TestEngine_ClearQueueDropsPacedCommand(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t, WithMinInterval(300*time.Millisecond))

	var log resultLog
	engine.Submit(mustBuild(BuildOpenSingle(0, 1)), log.callback())
	log.waitFor(t, 1, time.Second)

	// held back by the dispatch interval, not yet sent
	engine.Submit(mustBuild(BuildOpenSingle(0, 2)), log.callback())
	time.Sleep(20 * time.Millisecond)

	status := engine.Status()
	assert.Equal(t, 1, status.QueueDepth)
	assert.False(t, status.Executing)
	assert.Len(t, mock.Sent(), 1)

	assert.Equal(t, 1, engine.ClearQueue())
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, log.len(), "cleared command must not be notified")
	assert.Len(t, mock.Sent(), 1, "cleared command must not be sent")

	// the engine keeps working after the clear
	_, err := engine.Do(context.Background(), mustBuild(BuildOpenSingle(0, 3)))
	require.NoError(t, err)
	assert.Len(t, mock.Sent(), 2)
}

func TestEngine_ShutdownFailsPacedCommand(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t, WithMinInterval(300*time.Millisecond))

	var log resultLog
	engine.Submit(mustBuild(BuildOpenSingle(0, 1)), log.callback())
	log.waitFor(t, 1, time.Second)
	engine.Submit(mustBuild(BuildOpenSingle(0, 2)), log.callback())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, engine.Close())
	results, _ := log.snapshot()
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[1].Err, ErrEngineClosed)
	assert.Len(t, mock.Sent(), 1)
}

func TestEngine_SubmitRejectsStatusPush(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)

	var got Result
	id := engine.Submit(MustEncode(0, CmdStatusPush, []byte{0x01, 0x00}), func(r Result) { got = r })
	assert.Equal(t, uuid.Nil, id)
	require.ErrorIs(t, got.Err, ErrInvalidPayload)
	assert.ErrorIs(t, got.Err, ErrInvalidFrame)
	assert.Zero(t, engine.Status().Submitted)
	assert.Empty(t, mock.Sent())
}

func TestEngine_MalformedFrameRejectedSynchronously(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)

	var got Result
	id := engine.Submit([]byte{0x57, 0x4B, 0x4C, 0x59, 0x09, 0x00, 0x82, 0x01, 0x00}, func(r Result) { got = r })

	assert.Equal(t, uuid.Nil, id)
	var fe *FormatError
	require.ErrorAs(t, got.Err, &fe)
	assert.Zero(t, engine.Status().Submitted)
	assert.Empty(t, mock.Sent())
}

func TestEngine_SendErrorIsTerminalAndCounted(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetError(CmdOpenAll, errors.New("write failed"))

	var log resultLog
	engine.Submit(mustBuild(BuildOpenAll(0)), log.callback())
	engine.Submit(mustBuild(BuildQueryAll(0)), log.callback())

	results := log.waitFor(t, 2, time.Second)
	var te *TransportError
	require.ErrorAs(t, results[0].Err, &te)
	assert.Equal(t, "send", te.Op)
	assert.True(t, IsRetryable(results[0].Err))
	require.NoError(t, results[1].Err)
	assert.Len(t, results[1].Response.LockStates, MaxChannel)

	status := engine.Status()
	assert.Equal(t, uint64(1), status.Errors)
	assert.Equal(t, uint64(1), status.Completed)
}

func TestEngine_DisconnectedTransportFailsImmediately(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	require.NoError(t, mock.Disconnect())

	start := time.Now()
	_, err := engine.Do(context.Background(), mustBuild(BuildOpenSingle(0, 1)))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "must not wait for the deadline")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsFatal(err))
	assert.Equal(t, uint64(1), engine.Status().Errors)
}

func TestEngine_TransportFaultRetiresInFlightOnce(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetSilent(CmdQuerySingle, true)

	var log resultLog
	engine.Submit(mustBuild(BuildQuerySingle(0, 1)), log.callback())
	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, time.Second, time.Millisecond)

	mock.EmitError(io.ErrUnexpectedEOF)
	results := log.waitFor(t, 1, time.Second)
	assert.ErrorIs(t, results[0].Err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, results[0].Err, ErrTransport)

	// past the 200ms deadline: no late timeout
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, log.len())
	status := engine.Status()
	assert.Equal(t, uint64(1), status.Errors)
	assert.Zero(t, status.Timeouts)
}

func TestEngine_FaultWhileIdleIsIgnored(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)

	mock.EmitError(io.ErrUnexpectedEOF)
	_, err := engine.Do(context.Background(), mustBuild(BuildOpenAll(0)))
	require.NoError(t, err)
	assert.Zero(t, engine.Status().Errors)
}

func TestEngine_ResponseWhileIdleIsDiscarded(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)

	mock.EmitFrame(MustEncode(0, CmdOpenSingle, []byte{0x00, 0x01, 0x00}))
	time.Sleep(20 * time.Millisecond)

	status := engine.Status()
	assert.Zero(t, status.Completed)
	assert.Zero(t, status.Timeouts)
	assert.Zero(t, status.Errors)
	assert.False(t, status.Executing)

	// a stray reply does not retire the next command of the same kind
	mock.SetSilent(CmdOpenSingle, true)
	var log resultLog
	engine.Submit(mustBuild(BuildOpenSingle(0, 1)), log.callback())
	require.Eventually(t, func() bool { return engine.Status().Executing }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, log.len())
}

func TestEngine_LateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetSilent(CmdQuerySingle, true)

	var log resultLog
	engine.Submit(mustBuild(BuildQuerySingle(0, 1)), log.callback())
	engine.Submit(mustBuild(BuildQuerySingle(0, 2)), log.callback())

	// A times out after 200ms; B is then in flight with the same code
	results := log.waitFor(t, 1, time.Second)
	require.ErrorIs(t, results[0].Err, ErrCommandTimeout)
	require.Eventually(t, func() bool { return len(mock.Sent()) == 2 }, time.Second, time.Millisecond)

	// A's reply, arriving late, names channel 1 and must not retire B
	mock.EmitFrame(MustEncode(0, CmdQuerySingle, []byte{0x00, 0x01, 0x01}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, log.len())
	assert.True(t, engine.Status().Executing)

	results = log.waitFor(t, 2, time.Second)
	require.ErrorIs(t, results[1].Err, ErrCommandTimeout)
	status := engine.Status()
	assert.Zero(t, status.Completed)
	assert.Equal(t, uint64(2), status.Timeouts)
}

func TestEngine_UnmatchedResponsesAreNoise(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetSilent(CmdQuerySingle, true)

	var log resultLog
	engine.Submit(mustBuild(BuildQuerySingle(3, 4)), log.callback())
	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, time.Second, time.Millisecond)

	mock.EmitFrame(MustEncode(2, CmdQuerySingle, []byte{0x00, 0x04, 0x01})) // other board
	mock.EmitFrame(MustEncode(3, CmdOpenSingle, []byte{0x00, 0x04, 0x00}))  // other command
	mock.EmitFrame([]byte{0x57, 0x4B, 0x4C, 0x59, 0x0A})                     // garbage
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, log.len())
	assert.True(t, engine.Status().Executing)

	mock.EmitFrame(MustEncode(3, CmdQuerySingle, []byte{0x00, 0x04, 0x01}))
	results := log.waitFor(t, 1, time.Second)
	require.NoError(t, results[0].Err)
	assert.Equal(t, LockClosed, results[0].Response.LockState)
	assert.Equal(t, byte(3), results[0].Board)

	status := engine.Status()
	assert.Equal(t, uint64(1), status.Completed)
	assert.Zero(t, status.Errors)
	assert.Zero(t, status.Timeouts)
}

func TestEngine_FailureStatusBecomesBoardError(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetResponse(CmdCloseChannel, MustEncode(0, CmdCloseChannel, []byte{StatusFailed, 0x02}))

	resp, err := engine.Do(context.Background(), mustBuild(BuildCloseChannel(0, 2)))
	var be *BoardError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, StatusFailed, be.Status)
	require.NotNil(t, resp)
	assert.Equal(t, 2, resp.Channel)
	assert.Equal(t, uint64(1), engine.Status().Completed)
}

func TestEngine_PushHandlers(t *testing.T) {
	t.Parallel()
	var fromOption []*Response
	var mu sync.Mutex
	engine, mock := newTestEngine(t, WithPushHandler(func(r *Response) {
		mu.Lock()
		fromOption = append(fromOption, r)
		mu.Unlock()
	}))

	pushes := make(chan *Response, 4)
	remove := engine.AddPushHandler(func(r *Response) { pushes <- r })

	mock.SetSilent(CmdOpenAll, true)
	var log resultLog
	engine.Submit(mustBuild(BuildOpenAll(0)), log.callback())
	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, time.Second, time.Millisecond)

	mock.EmitFrame(MustEncode(0, CmdStatusPush, []byte{0x05, byte(LockClosed)}))
	select {
	case p := <-pushes:
		assert.Equal(t, 5, p.Channel)
		assert.Equal(t, LockClosed, p.LockState)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
	assert.Zero(t, log.len(), "push must not retire the in-flight command")

	remove()
	mock.EmitFrame(MustEncode(0, CmdStatusPush, []byte{0x06, byte(LockOpen)}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fromOption) == 2
	}, time.Second, time.Millisecond)
	assert.Empty(t, pushes)
}

func TestEngine_DoContextCancelled(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetSilent(CmdQueryAll, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Do(ctx, mustBuild(BuildQueryAll(0)))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the command itself still runs to its deadline
	require.Eventually(t, func() bool { return engine.Status().Timeouts == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_CallbackPanicDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)

	engine.Submit(mustBuild(BuildOpenAll(0)), func(Result) { panic("boom") })
	resp, err := engine.Do(context.Background(), mustBuild(BuildOpenSingle(0, 9)))
	require.NoError(t, err)
	assert.Equal(t, 9, resp.Channel)
}

func TestEngine_SubmitterMutationInvisible(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t)
	mock.SetDelay(30 * time.Millisecond)

	first := mustBuild(BuildOpenSingle(0, 1))
	second := mustBuild(BuildOpenSingle(0, 2))
	var log resultLog
	engine.Submit(first, log.callback())
	engine.Submit(second, log.callback())
	second[7] = 0x09
	second[8] ^= 0x0B

	log.waitFor(t, 2, time.Second)
	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, byte(2), sent[1].Frame[7])
}

func TestEngine_MinIntervalSpacesDispatches(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t, WithMinInterval(50*time.Millisecond))

	var log resultLog
	for range 3 {
		engine.Submit(mustBuild(BuildOpenAll(0)), log.callback())
	}
	log.waitFor(t, 3, 2*time.Second)

	sent := mock.Sent()
	require.Len(t, sent, 3)
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].At.Sub(sent[i-1].At), 40*time.Millisecond)
	}
}

func TestEngine_SafetyFactorOption(t *testing.T) {
	t.Parallel()
	engine, mock := newTestEngine(t, WithSafetyFactor(1))
	mock.SetSilent(CmdFlashChannel, true)

	_, err := engine.Do(context.Background(), mustBuild(BuildFlashChannel(0, 1)))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)
}

func TestEngine_ConcurrentSubmitters(t *testing.T) {
	t.Parallel()
	engine, _ := newTestEngine(t)

	var wg sync.WaitGroup
	var log resultLog
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ch := 1; ch <= 5; ch++ {
				raw, err := BuildQuerySingle(0, ch)
				if err != nil {
					panic(err)
				}
				engine.Submit(raw, log.callback())
			}
		}()
	}
	wg.Wait()

	results := log.waitFor(t, 40, 5*time.Second)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, uint64(40), engine.Status().Completed)
}
