package cache

import (
	"sync"
	"time"
)

type memoryEntry struct {
	balance     int64
	lastUpdated time.Time
}

// Memory is the in-process balance cache.
//
// Entries carry the timestamp of their last write; Get treats anything
// older than the TTL as absent. Expired entries are also swept
// periodically so a user who goes quiet does not pin memory forever.
type Memory struct {
	mu    sync.RWMutex
	items map[int64]memoryEntry
	ttl   time.Duration

	// now is replaceable in tests to step time without sleeping.
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-process cache with the given TTL and starts the
// background sweeper. Call Stop during shutdown.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		items:  make(map[int64]memoryEntry),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get returns the cached balance if present and younger than the TTL.
func (m *Memory) Get(userID int64) (int64, bool) {
	m.mu.RLock()
	entry, ok := m.items[userID]
	m.mu.RUnlock()

	if !ok || m.now().Sub(entry.lastUpdated) >= m.ttl {
		cacheMisses.WithLabelValues("memory").Inc()
		return 0, false
	}
	cacheHits.WithLabelValues("memory").Inc()
	return entry.balance, true
}

// Put stores the balance with the current timestamp.
func (m *Memory) Put(userID int64, balance int64) {
	m.mu.Lock()
	m.items[userID] = memoryEntry{balance: balance, lastUpdated: m.now()}
	m.mu.Unlock()
}

// Invalidate removes the entry unconditionally.
func (m *Memory) Invalidate(userID int64) {
	m.mu.Lock()
	delete(m.items, userID)
	m.mu.Unlock()
}

// Len reports the number of live entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Stop terminates the sweeper goroutine. Idempotent.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sweep periodically drops expired entries. Correctness does not depend
// on it (Get re-checks age); it only bounds memory growth.
func (m *Memory) sweep() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.ttl)
			m.mu.Lock()
			for id, entry := range m.items {
				if entry.lastUpdated.Before(cutoff) {
					delete(m.items, id)
				}
			}
			m.mu.Unlock()
		}
	}
}
