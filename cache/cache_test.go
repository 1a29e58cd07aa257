package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geopyramid/tilestore"
)

func testIndex(t *testing.T) *tilestore.SlabIndex {
	t.Helper()
	return tilestore.NewSlabIndex(16, 16)
}

func TestCacheGetMiss(t *testing.T) {
	c := New()

	got, ok := c.Get("pyramids/demo/12/3_4.slab")
	require.False(t, ok)
	require.Nil(t, got)
	require.EqualValues(t, 1, c.Stats().Misses)
}

func TestCachePutGet(t *testing.T) {
	c := New()
	idx := testIndex(t)

	c.Put("pyramids/demo/12/3_4.slab", idx)

	got, ok := c.Get("pyramids/demo/12/3_4.slab")
	require.True(t, ok)
	require.Same(t, idx, got)
	require.Equal(t, 1, c.Len())
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	c := New(WithCapacity(2))
	c.Put("a", testIndex(t))
	c.Put("b", testIndex(t))

	// Overwriting an existing key at capacity must not displace the other
	// entry.
	replacement := testIndex(t)
	c.Put("a", replacement)

	require.Equal(t, 2, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Same(t, replacement, got)

	_, ok = c.Get("b")
	require.True(t, ok)
	require.EqualValues(t, 0, c.Stats().Evictions)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(WithCapacity(2))

	c.Put("a", testIndex(t))
	c.Put("b", testIndex(t))

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", testIndex(t))

	require.Equal(t, 2, c.Len())
	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
	require.EqualValues(t, 1, c.Stats().Evictions)
}

func TestCacheCapacityNeverExceeded(t *testing.T) {
	c := New()

	for i := range 150 {
		c.Put(fmt.Sprintf("slab-%d", i), testIndex(t))
		require.LessOrEqual(t, c.Len(), DefaultCapacity)
	}

	require.Equal(t, DefaultCapacity, c.Len())
	require.EqualValues(t, 50, c.Stats().Evictions)
}

func TestCacheExpiryOnGet(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithClock(func() time.Time { return now }))

	c.Put("x", testIndex(t))

	now = now.Add(301 * time.Second)

	got, ok := c.Get("x")
	require.False(t, ok)
	require.Nil(t, got)
	require.Equal(t, 0, c.Len(), "expired entry must be removed")

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Expirations)
	require.EqualValues(t, 0, stats.Hits)
}

func TestCacheEntryLiveAtExactValidity(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithClock(func() time.Time { return now }))

	c.Put("x", testIndex(t))

	// Age equal to the validity window is still a hit; only strictly older
	// entries expire.
	now = now.Add(300 * time.Second)
	_, ok := c.Get("x")
	require.True(t, ok)
}

func TestCacheStaleEntryOccupiesSlotUntilDisplaced(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithCapacity(2), WithClock(func() time.Time { return now }))

	c.Put("a", testIndex(t))
	c.Put("b", testIndex(t))

	// Both entries go stale. There is no background sweep, so they still
	// count against capacity.
	now = now.Add(400 * time.Second)
	require.Equal(t, 2, c.Len())

	// Inserting a third key displaces the LRU slot even though its holder
	// is already stale.
	c.Put("c", testIndex(t))
	require.Equal(t, 2, c.Len())

	// The surviving stale entry only leaves when read.
	_, ok := c.Get("b")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestCacheHitDoesNotExtendLife(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithClock(func() time.Time { return now }))

	c.Put("x", testIndex(t))

	now = now.Add(200 * time.Second)
	_, ok := c.Get("x")
	require.True(t, ok)

	// Age is measured from the put, not the last hit.
	now = now.Add(150 * time.Second)
	_, ok = c.Get("x")
	require.False(t, ok)
}

func TestCachePutRestampsExistingKey(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(WithClock(func() time.Time { return now }))

	c.Put("x", testIndex(t))

	now = now.Add(200 * time.Second)
	c.Put("x", testIndex(t))

	now = now.Add(200 * time.Second)
	_, ok := c.Get("x")
	require.True(t, ok, "overwrite must reset the entry age")
}

func TestCacheFlush(t *testing.T) {
	c := New()
	c.Put("a", testIndex(t))
	c.Put("b", testIndex(t))

	require.Equal(t, 2, c.Flush())
	require.Equal(t, 0, c.Len())

	_, ok := c.Get("a")
	require.False(t, ok)

	require.Equal(t, 0, c.Flush())
}

func TestCacheDefaults(t *testing.T) {
	c := New()
	require.Equal(t, DefaultCapacity, c.capacity)
	require.Equal(t, DefaultValidity, c.validity)

	// Invalid option values fall back to the defaults.
	c = New(WithCapacity(0), WithValidity(-time.Second))
	require.Equal(t, DefaultCapacity, c.capacity)
	require.Equal(t, DefaultValidity, c.validity)
}

func TestCacheStats(t *testing.T) {
	c := New(WithCapacity(2))

	c.Put("a", testIndex(t))
	c.Get("a")
	c.Get("absent")
	c.Put("b", testIndex(t))
	c.Put("c", testIndex(t))

	stats := c.Stats()
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, 2, stats.Capacity)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Evictions)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(WithCapacity(32))

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("slab-%d", (g*7+i)%48)
				if i%3 == 0 {
					c.Put(key, tilestore.NewSlabIndex(1, 1))
				} else {
					c.Get(key)
				}
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, c.Len(), 32)
}
