// ABOUTME: Ephemeral key/value backend for metrics with per-entry expiry
// ABOUTME: MemoryBackend is the default; tests construct an isolated one per case

package metrics

import (
	"sync"
	"time"
)

// Backend stores metric values. A zero ttl means no expiry.
type Backend interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

type backendEntry struct {
	value     any
	expiresAt time.Time // zero = never
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]backendEntry
	now     func() time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]backendEntry),
		now:     time.Now,
	}
}

// Get returns the live value for key.
func (b *MemoryBackend) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key.
func (b *MemoryBackend) Set(key string, value any, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := backendEntry{value: value}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = e
}

// Delete removes key.
func (b *MemoryBackend) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
