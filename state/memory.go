package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/utils/heap"
)

// New field costs: bool=1 intX=X/8 (e.g., int16=2) string=16 []byte=24 ptr=8
// key (16) + value (24) + expiry (8) + lastReadAt (8) + readCount (8) +
// Map/GC overhead (64) = 128
const cacheEntryOverhead = 128

// If any fields are changed, update cacheEntryOverhead.
type cacheEntry struct {
	// Unique identifier for the cache entry. E.g., "relay:profile:mcp"
	key string

	// Byte representation of the cached value.
	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of times the cache has been read. Starts from 1.
	readCount int64
}

type MemoryManager struct {
	// Route -> disabled_until (unix nanoseconds)
	disabled   map[relaycore.Route]int64
	disabledMu sync.RWMutex

	// Any string key -> cache entry
	cache map[string]*cacheEntry

	// Priority queue for cache entries, ordered by a combination of read
	// count and last read time
	cacheHeap *heap.Heap[*cacheEntry]
	cacheMu   sync.RWMutex

	// Maximum size of the total cache in bytes. If exceeding, the least
	// frequently used and oldest cache will be removed.
	cacheMaxBytes int64

	// Current size of the cache in bytes
	cacheUsage int64

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager(cacheMaxBytes int64) (*MemoryManager, func()) {
	return newMemoryManagerWithClock(cacheMaxBytes, clock.New())
}

func newMemoryManagerWithClock(
	cacheMaxBytes int64,
	clk clock.Clock,
) (*MemoryManager, func()) {
	m := &MemoryManager{
		disabled:      make(map[relaycore.Route]int64),
		cache:         make(map[string]*cacheEntry),
		cacheMaxBytes: cacheMaxBytes,
		cacheUsage:    0,
		clock:         clk,
	}

	// Less frequently used entries, and older entries are at the top.
	m.cacheHeap = heap.New(func(a *cacheEntry, b *cacheEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startCleanup(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Allow(
	ctx context.Context, route relaycore.Route,
) (bool, time.Duration, error) {
	now := m.clock.Now().UnixNano()

	m.disabledMu.RLock()
	defer m.disabledMu.RUnlock()

	if disabledUntil, exists := m.disabled[route]; exists && disabledUntil > now {
		return false, time.Duration(disabledUntil - now), nil
	}
	return true, 0, nil
}

func (m *MemoryManager) Disable(
	ctx context.Context, route relaycore.Route, duration time.Duration,
) error {
	disabledUntil := m.clock.Now().Add(duration).UnixNano()

	m.disabledMu.Lock()
	defer m.disabledMu.Unlock()

	m.disabled[route] = disabledUntil
	return nil
}

func (m *MemoryManager) SaveCache(
	ctx context.Context, key string, value []byte, duration time.Duration,
) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	sizeToAdd := cacheSize(key, value)
	exceeding := m.cacheUsage + sizeToAdd - m.cacheMaxBytes
	if exceeding > 0 {
		if err := m.evictCache(exceeding); err != nil {
			return fmt.Errorf("failed to evict cache: %v", err)
		}
	}

	now := m.clock.Now().UnixNano()
	entry := &cacheEntry{
		key:        key,
		value:      value,
		expiry:     now + duration.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}

	if existing, exists := m.cache[key]; exists {
		m.cacheHeap.Remove(existing)
		m.cacheUsage -= cacheSize(existing.key, existing.value)
	}

	m.cache[key] = entry
	m.cacheHeap.Push(entry)
	m.cacheUsage += sizeToAdd
	return nil
}

func (m *MemoryManager) LoadCache(
	ctx context.Context, key string) ([]byte, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, exists := m.cache[key]
	if !exists {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()

	entry.lastReadAt = now
	entry.readCount++

	if entry.expiry <= now {
		m.deleteCache(entry)
		// Still returns the value because there is no point in not returning
		// the value.
	} else {
		m.cacheHeap.Fix(entry)
	}

	return entry.value, nil
}

func (m *MemoryManager) deleteCache(entry *cacheEntry) {
	delete(m.cache, entry.key)
	m.cacheHeap.Remove(entry)
	m.cacheUsage -= cacheSize(entry.key, entry.value)
}

func (m *MemoryManager) evictCache(sizeInBytes int64) error {
	bytesFreed := int64(0)
	for bytesFreed < sizeInBytes {
		entry, ok := m.cacheHeap.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough cache space")
		}
		bytesFreed += cacheSize(entry.key, entry.value)
		delete(m.cache, entry.key)
	}
	m.cacheUsage -= bytesFreed
	return nil
}

func cacheSize(key string, value []byte) int64 {
	return cacheEntryOverhead + int64(len([]byte(key))+len(value))
}

func (m *MemoryManager) cleanup() {
	now := m.clock.Now().UnixNano()

	m.disabledMu.Lock()
	for route, disabledUntil := range m.disabled {
		if disabledUntil <= now {
			delete(m.disabled, route)
		}
	}
	m.disabledMu.Unlock()

	m.cacheMu.Lock()
	var expiredEntries []*cacheEntry
	for _, entry := range m.cache {
		if entry.expiry <= now {
			expiredEntries = append(expiredEntries, entry)
		}
	}
	for _, entry := range expiredEntries {
		m.deleteCache(entry)
	}
	m.cacheMu.Unlock()
}

func (m *MemoryManager) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
