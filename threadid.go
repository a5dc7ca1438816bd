package pmwcas

import (
	"fmt"
	"sync"
)

// IDManager hands out stable small integers in [0, maxThreads) for
// callers to use as Pool.Get handles. Go has no public, supported API
// for introspecting goroutine identity, and relying on one would be
// unstable even on platforms that expose it, so handles here are
// acquired explicitly by the caller, typically once per OS thread or
// worker goroutine in a pool, and passed into Pool.Get.
type IDManager struct {
	mu         sync.Mutex
	maxThreads int
	inUse      []bool
	next       int
}

// NewIDManager builds a manager bounded to maxThreads live handles.
func NewIDManager(maxThreads int) *IDManager {
	return &IDManager{
		maxThreads: maxThreads,
		inUse:      make([]bool, maxThreads),
	}
}

// Acquire reserves and returns the first free id found searching
// round-robin from just past the last id handed out. Returns
// ErrTooManyThreads once all maxThreads slots are held.
func (m *IDManager) Acquire() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.maxThreads; i++ {
		idx := (m.next + i) % m.maxThreads
		if !m.inUse[idx] {
			m.inUse[idx] = true
			m.next = idx + 1
			return idx, nil
		}
	}
	return 0, fmt.Errorf("pmwcas: acquire thread id: %w", ErrTooManyThreads)
}

// Release frees id for reuse by a future Acquire. Releasing an id not
// currently held is ErrThreadIDNotOwned.
func (m *IDManager) Release(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= m.maxThreads || !m.inUse[id] {
		return fmt.Errorf("pmwcas: release thread id %d: %w", id, ErrThreadIDNotOwned)
	}
	m.inUse[id] = false
	return nil
}

// MaxThreads returns the manager's configured bound.
func (m *IDManager) MaxThreads() int {
	return m.maxThreads
}
