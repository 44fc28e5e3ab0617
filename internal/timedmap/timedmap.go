// Package timedmap provides a concurrency-safe map whose entries expire
// after a per-entry lifetime. Expired entries are dropped lazily when read
// and in batches by a background sweeper.
package timedmap

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper scans for expired entries
// when the caller does not choose an interval.
const DefaultSweepInterval = time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Map is an expiring map. The zero value is not usable; call New.
// All methods are safe for concurrent use. Consistency is per key:
// operations on one key serialize, operations across keys do not.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]

	now func() time.Time // swapped in tests
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Set inserts or overwrites key with value, expiring lifetime from now.
func (m *Map[K, V]) Set(key K, value V, lifetime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry[V]{value: value, expiresAt: m.now().Add(lifetime)}
}

// Get returns the live value for key. An entry whose expiry has passed is
// treated as absent, even if the sweeper has not run yet, and is removed.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expiresAt.After(m.now()) {
		return e.value, true
	}

	// Expired: evict, but re-check under the write lock since a Set or
	// Refresh may have raced us.
	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && !cur.expiresAt.After(m.now()) {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return zero, false
}

// Contains reports whether key holds a live entry.
func (m *Map[K, V]) Contains(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return ok && e.expiresAt.After(m.now())
}

// Remove deletes key regardless of expiry.
func (m *Map[K, V]) Remove(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len counts live entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the map holds no live entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.Len() == 0
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// Refresh resets key's expiry to lifetime from now. Returns false when key
// holds no live entry.
func (m *Map[K, V]) Refresh(key K, lifetime time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.now()) {
		return false
	}
	e.expiresAt = m.now().Add(lifetime)
	m.entries[key] = e
	return true
}

// Extend pushes key's expiry out by d from its current expiry (not from
// now). Returns false when key holds no live entry.
func (m *Map[K, V]) Extend(key K, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.now()) {
		return false
	}
	e.expiresAt = e.expiresAt.Add(d)
	m.entries[key] = e
	return true
}

// Snapshot copies all live entries into a plain map. The copy is immediately
// stale; callers use it for iteration, not coordination.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make(map[K]V, len(m.entries))
	for k, e := range m.entries {
		if e.expiresAt.After(now) {
			out[k] = e.value
		}
	}
	return out
}

// StartSweeper launches a goroutine that drops expired entries every
// interval until ctx is done. Zero or negative interval means
// DefaultSweepInterval.
func (m *Map[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep collects expired keys under the read lock, then removes them under
// the write lock. Each key's expiry is re-checked before deletion so an
// entry refreshed between the two phases survives.
func (m *Map[K, V]) sweep() {
	m.mu.RLock()
	now := m.now()
	var expired []K
	for k, e := range m.entries {
		if !e.expiresAt.After(now) {
			expired = append(expired, k)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	m.mu.Lock()
	now = m.now()
	for _, k := range expired {
		if e, ok := m.entries[k]; ok && !e.expiresAt.After(now) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}
