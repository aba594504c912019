package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCache_DedupWindow(t *testing.T) {
	clock := newClock()
	c := New(5*time.Second, 10, WithClock(clock.Now))

	assert.True(t, c.Claim("alice"), "first sighting must be claimed")

	clock.Advance(5*time.Second - time.Millisecond)
	assert.True(t, c.Contains("alice"))
	assert.False(t, c.Claim("alice"), "still inside the window")

	clock.Advance(2 * time.Millisecond)
	assert.False(t, c.Contains("alice"))
	assert.True(t, c.Claim("alice"), "window elapsed")
}

func TestCache_LookupDoesNotRenew(t *testing.T) {
	clock := newClock()
	c := New(time.Second, 10, WithClock(clock.Now))

	c.Put("bob")
	for i := 0; i < 3; i++ {
		clock.Advance(300 * time.Millisecond)
		assert.True(t, c.Contains("bob"))
	}
	clock.Advance(200 * time.Millisecond)
	assert.False(t, c.Contains("bob"))
}

func TestCache_Bound(t *testing.T) {
	const maxCount, k = 5, 3
	c := New(time.Minute, maxCount)

	for i := 0; i < maxCount+k; i++ {
		c.Put(fmt.Sprintf("id-%d", i))
	}

	assert.Equal(t, maxCount, c.Len())
	for i := 0; i < k; i++ {
		assert.False(t, c.Contains(fmt.Sprintf("id-%d", i)), "oldest entries evicted")
	}
	for i := k; i < maxCount+k; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("id-%d", i)))
	}
	assert.Equal(t, []string{"id-3", "id-4", "id-5", "id-6", "id-7"}, c.Identities())
}

func TestCache_EvictionIgnoresRemainingTTL(t *testing.T) {
	clock := newClock()
	c := New(time.Hour, 2, WithClock(clock.Now))

	c.Put("a")
	clock.Advance(time.Minute)
	c.Put("b")
	c.Put("c")

	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestCache_PutRefreshes(t *testing.T) {
	clock := newClock()
	c := New(time.Second, 2, WithClock(clock.Now))

	c.Put("a")
	c.Put("b")
	clock.Advance(500 * time.Millisecond)
	c.Put("a") // a is now the newest
	c.Put("c") // evicts b, not a

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))

	clock.Advance(700 * time.Millisecond)
	assert.True(t, c.Contains("a"), "refreshed entry lives on")
}

func TestCache_ConcurrentClaim(t *testing.T) {
	c := New(time.Minute, 100)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("alice") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one goroutine may claim an identity")
}

func TestCache_ClaimAtUsesCaptureTime(t *testing.T) {
	clock := newClock()
	c := New(5*time.Second, 10, WithClock(clock.Now))
	seen := clock.Now()

	assert.True(t, c.ClaimAt("alice", seen))

	// A backlog: frames captured inside the window are only processed later.
	clock.Advance(10 * time.Second)
	assert.False(t, c.ClaimAt("alice", seen.Add(3*time.Second)), "captured 3s after the first sighting")
	assert.False(t, c.ClaimAt("alice", seen.Add(-time.Second)), "captured just before the first sighting")
	assert.False(t, c.Contains("alice"), "lookups still use the current time")

	assert.True(t, c.ClaimAt("alice", seen.Add(5*time.Second)), "a full window after the first sighting")
	assert.False(t, c.ClaimAt("alice", seen.Add(9*time.Second)))
}

func TestCache_ClaimAtZeroMeansNow(t *testing.T) {
	clock := newClock()
	c := New(time.Second, 10, WithClock(clock.Now))

	assert.True(t, c.ClaimAt("bob", time.Time{}))
	assert.True(t, c.Contains("bob"))
	clock.Advance(time.Second)
	assert.True(t, c.ClaimAt("bob", time.Time{}))
}

func TestCache_ExpiredEntriesMakeRoom(t *testing.T) {
	clock := newClock()
	c := New(time.Second, 2, WithClock(clock.Now))

	c.Put("a")
	clock.Advance(500 * time.Millisecond)
	c.Put("b")
	clock.Advance(600 * time.Millisecond) // a expired, b still live
	c.Put("c")

	assert.Equal(t, []string{"b", "c"}, c.Identities())
	assert.Equal(t, 2, c.Len())
}
