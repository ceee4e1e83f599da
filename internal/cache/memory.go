package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is the in-process cache tier. It answers hot repeated
// lookups within a run at zero network cost.
//
// Expiry is lazy: a stale entry is detected and evicted on the read
// path rather than by a background sweeper. Last-write-wins under
// concurrent Sets to the same key.
type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOption configures a MemoryTier.
type MemoryOption func(*MemoryTier)

// WithMemoryNow overrides the tier's clock for expiry tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryTier) { m.now = now }
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier(opts ...MemoryOption) *MemoryTier {
	m := &MemoryTier{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return "memory" }

// Get implements Tier. Expired entries are evicted and reported absent.
func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Tier. A non-positive TTL stores nothing.
func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Len returns the number of live-or-stale entries held. Diagnostics
// only; stale entries linger until read.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
