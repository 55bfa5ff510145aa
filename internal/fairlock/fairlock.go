// Package fairlock provides a context-aware mutex with strict FIFO grant
// order. The dispatcher and the maintenance path share one of these as their
// backend gate: whoever calls Lock first is granted first, so a steady stream
// of dispatch cycles can never starve a waiting vacuum and a released gate is
// never re-grabbed out of turn.
package fairlock

import (
	"context"
	"sync"
)

type waiter chan struct{}

// Mutex is a FIFO-fair mutual-exclusion lock. The zero value is unlocked and
// ready to use. Unlike sync.Mutex, Lock takes a context and can be abandoned.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []waiter
}

// Lock acquires the mutex, queueing behind earlier waiters. If ctx is
// cancelled while waiting, Lock dequeues and returns ctx.Err(). Acquisition
// that succeeds without waiting returns nil even when ctx is already done.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	w := make(waiter)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-w:
		// The grant raced the cancellation and we now own the lock.
		// Hand it to the next waiter instead of abandoning it.
		m.unlockLocked()
		m.mu.Unlock()
	default:
		for i, q := range m.waiters {
			if q == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
	return ctx.Err()
}

// Unlock releases the mutex, granting it to the longest-waiting Lock call if
// any. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("fairlock: unlock of unlocked mutex")
	}
	m.unlockLocked()
}

// unlockLocked transfers ownership to the head waiter or clears the locked
// bit. Caller holds m.mu.
func (m *Mutex) unlockLocked() {
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	head := m.waiters[0]
	m.waiters = m.waiters[1:]
	// locked stays true: ownership moves to head.
	close(head)
}

// waiting reports the current queue depth. Test hook.
func (m *Mutex) waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
