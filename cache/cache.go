// Package cache provides the in-memory slab index cache: a bounded LRU
// keyed by slab path, with a lazy absolute-age validity window. Entries
// expire on access rather than by background sweep, so a stale entry can
// occupy a slot until it is read or displaced by capacity pressure.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/telemetry"
)

const (
	// DefaultCapacity is the default maximum number of cached slab indexes.
	DefaultCapacity = 100

	// DefaultValidity is the default age after which a cached index is
	// considered stale.
	DefaultValidity = 300 * time.Second
)

// element is a node in the recency list. The map and the list always hold
// the same set of keys.
type element struct {
	key      string
	index    *tilestore.SlabIndex
	storedAt time.Time
	prev     *element
	next     *element
}

// Cache is a bounded LRU of slab index tables. A single mutex guards both
// the map and the recency list; it is never held across backend I/O.
type Cache struct {
	mu       sync.Mutex
	capacity int
	validity time.Duration
	now      func() time.Time
	logger   *slog.Logger

	entries map[string]*element
	head    *element // most recently used
	tail    *element // least recently used

	hits        uint64
	misses      uint64
	expirations uint64
	evictions   uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets the maximum number of entries. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithValidity sets the age after which an entry expires. Non-positive
// values are ignored.
func WithValidity(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.validity = d
		}
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With("component", "cache")
	}
}

// New creates a Cache with the default capacity and validity unless
// overridden by options.
func New(opts ...Option) *Cache {
	c := &Cache{
		capacity: DefaultCapacity,
		validity: DefaultValidity,
		now:      time.Now,
		logger:   slog.Default().With("component", "cache"),
		entries:  make(map[string]*element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached index for key. An entry older than the validity
// window is removed and reported as a miss. A live hit is promoted to the
// most recently used position. Misses are control flow, not errors.
func (c *Cache) Get(key string) (*tilestore.SlabIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		telemetry.RecordCacheLookup("miss")
		return nil, false
	}

	if c.now().Sub(e.storedAt) > c.validity {
		c.remove(e)
		c.expirations++
		telemetry.RecordCacheLookup("expired")
		telemetry.RecordCacheEvictions("expired", 1)
		telemetry.SetCacheEntries(int64(len(c.entries)))
		return nil, false
	}

	c.moveToFront(e)
	c.hits++
	telemetry.RecordCacheLookup("hit")
	return e.index, true
}

// Put inserts or overwrites the index for key, stamps it with the current
// time, and promotes it to most recently used. At capacity the least
// recently used entry is evicted first, unless key already exists.
func (c *Cache) Put(key string, index *tilestore.SlabIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.index = index
		e.storedAt = c.now()
		c.moveToFront(e)
		return
	}

	if len(c.entries) >= c.capacity {
		victim := c.tail
		c.remove(victim)
		c.evictions++
		telemetry.RecordCacheEvictions("capacity", 1)
		c.logger.Debug("evicted index", "key", victim.key)
	}

	e := &element{
		key:      key,
		index:    index,
		storedAt: c.now(),
	}
	c.entries[key] = e
	c.pushFront(e)
	telemetry.SetCacheEntries(int64(len(c.entries)))
}

// Len returns the current number of entries, including any that are stale
// but not yet displaced.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush drops every entry and returns the number removed.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	telemetry.RecordCacheEvictions("flush", int64(n))
	c.entries = make(map[string]*element)
	c.head = nil
	c.tail = nil
	telemetry.SetCacheEntries(0)

	if n > 0 {
		c.logger.Info("flushed index cache", "entries", n)
	}
	return n
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Evictions   uint64 `json:"evictions"`
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries:     len(c.entries),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
		Evictions:   c.evictions,
	}
}

// remove unlinks e and deletes it from the map.
func (c *Cache) remove(e *element) {
	c.unlink(e)
	delete(c.entries, e.key)
}

func (c *Cache) pushFront(e *element) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlink(e *element) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *Cache) moveToFront(e *element) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}
