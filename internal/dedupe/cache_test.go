// ABOUTME: Tests for the webhook delivery dedupe cache
// ABOUTME: Uses an injected clock for TTL behaviour and checks eviction and concurrency

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Duplicate("telegram", "42"))
	assert.True(t, c.Duplicate("telegram", "42"))
	assert.False(t, c.Duplicate("discord", "42"), "keys are per gateway")
	assert.False(t, c.Duplicate("telegram", ""))
	assert.False(t, c.Duplicate("telegram", ""), "empty delivery ids are never tracked")
}

func TestDuplicate_Expires(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Duplicate("telegram", "1"))
	clock.Advance(2 * time.Minute)
	assert.False(t, c.Duplicate("telegram", "1"), "expired entry is treated as new")
	assert.True(t, c.Duplicate("telegram", "1"))
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	defer c.Close()

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.CheckAndMark("a"), "a was evicted")
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()

	key := Key("matrix", "$event")
	assert.False(t, c.CheckAndMark(key))
	c.Forget(key)
	assert.False(t, c.CheckAndMark(key))
}

func TestRemoveExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.CheckAndMark("old")
	clock.Advance(90 * time.Second)
	c.CheckAndMark("new")

	c.removeExpired()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("new"))
}

func TestConcurrentDuplicate(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Duplicate("telegram", "same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(0, 0)
	c.Close()
	c.Close()
}
