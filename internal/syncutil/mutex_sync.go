//go:build !deadlock

// Package syncutil holds the mutex types used across go-lockctl. The default
// build embeds the standard library locks; building with -tags=deadlock swaps
// in github.com/sasha-s/go-deadlock so lock-order inversions and stuck locks
// are reported during test runs.
package syncutil

import "sync"

// Mutex is a plain sync.Mutex in normal builds.
//
//nolint:gocritic // embedding exposes Lock/Unlock/TryLock
type Mutex struct {
	sync.Mutex
}

// Do runs fn while holding the lock.
func (m *Mutex) Do(fn func()) {
	m.Lock()
	defer m.Unlock()
	fn()
}

// RWMutex is a plain sync.RWMutex in normal builds.
//
//nolint:gocritic // embedding exposes the full RWMutex method set
type RWMutex struct {
	sync.RWMutex
}

// View runs fn while holding the read lock.
func (m *RWMutex) View(fn func()) {
	m.RLock()
	defer m.RUnlock()
	fn()
}
