// ABOUTME: Thread-safe TTL cache that suppresses duplicate webhook deliveries
// ABOUTME: Keys are (gateway, delivery id); oldest entries are evicted when the cache is full

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by the server when config leaves them unset.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers delivery keys for a TTL window, bounded in size.
// A linked list keeps insertion order so eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper.
// Non-positive ttl or maxSize fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key builds the cache key for a gateway delivery.
func Key(gateway, deliveryID string) string {
	return gateway + "|" + deliveryID
}

// Duplicate reports whether (gateway, deliveryID) was already seen within the TTL,
// marking it as seen otherwise. An empty deliveryID is never a duplicate.
func (c *Cache) Duplicate(gateway, deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	return c.CheckAndMark(Key(gateway, deliveryID))
}

// CheckAndMark atomically reports whether key is live and marks it if not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Forget removes key so a redelivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			// entries are ordered by seenAt, so the rest are live
			break
		}
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
