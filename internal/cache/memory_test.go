package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMemory returns a cache with a controllable clock and no sweeper.
func newTestMemory(ttl time.Duration) (*Memory, *time.Time) {
	now := time.Now()
	m := &Memory{
		items:  make(map[int64]memoryEntry),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryPutGet(t *testing.T) {
	m, _ := newTestMemory(5 * time.Minute)

	_, ok := m.Get(42)
	assert.False(t, ok, "empty cache must miss")

	m.Put(42, 100)
	balance, ok := m.Get(42)
	require.True(t, ok)
	assert.Equal(t, int64(100), balance)

	m.Put(42, 75)
	balance, _ = m.Get(42)
	assert.Equal(t, int64(75), balance, "put must overwrite")
}

func TestMemoryTTLExpiry(t *testing.T) {
	m, now := newTestMemory(5 * time.Minute)

	m.Put(42, 100)

	*now = now.Add(4 * time.Minute)
	_, ok := m.Get(42)
	assert.True(t, ok, "entry younger than TTL must hit")

	*now = now.Add(2 * time.Minute)
	_, ok = m.Get(42)
	assert.False(t, ok, "entry older than TTL must be treated as absent")
}

func TestMemoryInvalidate(t *testing.T) {
	m, _ := newTestMemory(5 * time.Minute)

	m.Put(42, 100)
	m.Invalidate(42)
	_, ok := m.Get(42)
	assert.False(t, ok)

	// Invalidating an unknown key is fine.
	m.Invalidate(7)
}

func TestMemoryRefreshResetsAge(t *testing.T) {
	m, now := newTestMemory(5 * time.Minute)

	m.Put(42, 100)
	*now = now.Add(4 * time.Minute)
	m.Put(42, 50)
	*now = now.Add(4 * time.Minute)

	balance, ok := m.Get(42)
	require.True(t, ok, "second put must reset the entry's age")
	assert.Equal(t, int64(50), balance)
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory(5 * time.Minute)
	defer m.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Put(id, int64(j))
				m.Get(id)
				m.Invalidate(id)
			}
		}(int64(i % 4))
	}
	wg.Wait()
}

func TestMemoryStopIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	m.Stop()
	m.Stop()
}
