//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// LockTimeout is how long a lock may be held or awaited before go-deadlock
// reports it. The slowest board command finishes well inside this.
const LockTimeout = 10 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = LockTimeout
}

// Mutex is a deadlock.Mutex under the deadlock build tag.
type Mutex struct {
	deadlock.Mutex
}

// Do runs fn while holding the lock.
func (m *Mutex) Do(fn func()) {
	m.Lock()
	defer m.Unlock()
	fn()
}

// RWMutex is a deadlock.RWMutex under the deadlock build tag.
type RWMutex struct {
	deadlock.RWMutex
}

// View runs fn while holding the read lock.
func (m *RWMutex) View(fn func()) {
	m.RLock()
	defer m.RUnlock()
	fn()
}
