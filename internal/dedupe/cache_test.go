// ABOUTME: Tests for the dedupe cache used to collapse duplicate event delivery.
// ABOUTME: Validates TTL expiration, FIFO eviction at capacity, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Check_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("never-seen-id"))
}

func TestCache_Check_Seen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("evt-1")
	assert.True(t, cache.Check("evt-1"))
}

func TestCache_Check_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("expiring-id")
	assert.True(t, cache.Check("expiring-id"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Check("expiring-id"))
}

func TestCache_EvictionAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("evt-1")
	cache.Mark("evt-2")
	cache.Mark("evt-3")

	assert.True(t, cache.Check("evt-1"))
	assert.True(t, cache.Check("evt-2"))
	assert.True(t, cache.Check("evt-3"))

	// Fourth id evicts the oldest
	cache.Mark("evt-4")

	assert.False(t, cache.Check("evt-1"), "oldest id should be evicted")
	assert.True(t, cache.Check("evt-2"))
	assert.True(t, cache.Check("evt-3"))
	assert.True(t, cache.Check("evt-4"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("first")
	cache.Mark("second")
	cache.Mark("third")
	cache.Mark("fourth")

	assert.False(t, cache.Check("first"))

	cache.Mark("fifth")
	assert.False(t, cache.Check("second"))
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))
	assert.True(t, cache.Check("fifth"))
}

func TestCache_ReMarkMovesToBack(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")

	// Refresh "a" so it is no longer the eviction candidate
	cache.Mark("a")
	cache.Mark("d")

	assert.True(t, cache.Check("a"))
	assert.False(t, cache.Check("b"), "b should be evicted after a was refreshed")
}

func TestCache_CheckAndMark_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("new-id"), "first CheckAndMark should report not seen")
	assert.True(t, cache.Check("new-id"))
}

func TestCache_CheckAndMark_Duplicate(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("dup-id")
	assert.True(t, cache.CheckAndMark("dup-id"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var successCount int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-id") {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), successCount,
		"exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const numGoroutines = 50
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				key := fmt.Sprintf("evt-%d-%d", id%10, j%20)
				cache.CheckAndMark(key)
				cache.Check(key)
			}
		}(i)
	}

	wg.Wait()

	cache.Mark("final-id")
	assert.True(t, cache.Check("final-id"))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("before-close")
	assert.True(t, cache.Check("before-close"))

	cache.Close()
	cache.Close() // multiple closes must not panic
}
