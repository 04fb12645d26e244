// Package timer implements the core's timer-manager collaborator:
// named one-shot timers that fire onto a shared channel, schedulable and
// cancellable by id. The pacemaker uses a single configured delay here,
// not adaptive backoff.
package timer

import (
	"sync"
	"time"
)

// Manager schedules and cancels named one-shot timers, all of which fire
// their id onto a single shared channel. Safe for concurrent use per the
// core's resource model: the core task may schedule/cancel from its
// own goroutine while firings arrive asynchronously.
type Manager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fireCh chan string
}

// NewManager creates a Manager whose fire channel has the given buffer
// capacity (100 is a reasonable default for a single-digit-sized committee).
func NewManager(bufferSize int) *Manager {
	return &Manager{
		timers: make(map[string]*time.Timer),
		fireCh: make(chan string, bufferSize),
	}
}

// Fire returns the channel timer ids are sent on when they expire.
func (m *Manager) Fire() <-chan string {
	return m.fireCh
}

// Schedule arms a one-shot timer for id, firing after delay. Scheduling
// the same id twice replaces the earlier timer.
func (m *Manager) Schedule(delay time.Duration, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[id]; ok {
		existing.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		select {
		case m.fireCh <- id:
		default:
			// Fire channel full: the core is behind. Drop rather than
			// block the timer runtime; the pacemaker will schedule a
			// fresh timer for the next round regardless.
		}
	})
}

// Cancel stops and forgets the timer for id, if any. A timer that has
// already fired (its id is sitting in the fire channel, or has already
// been read) is not retracted; the core's onTimerFire handler is
// expected to ignore ids that no longer match the current round.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[id]; ok {
		existing.Stop()
		delete(m.timers, id)
	}
}

// StopAll cancels every outstanding timer, used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
