package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a size- and age-bounded cache. Entries past maxAge are treated
// as misses and removed on access; when the cache exceeds its capacity the
// least recently used entry is evicted.
type LRU struct {
	mu      sync.Mutex
	max     int
	maxAge  time.Duration
	ll      *list.List
	items   map[string]*list.Element
	nowFunc func() time.Time
}

type lruEntry struct {
	key      string
	value    any
	storedAt time.Time
}

// NewLRU creates a bounded LRU cache. max must be positive; a
// non-positive maxAge disables age-based expiry.
func NewLRU(max int, maxAge time.Duration) *LRU {
	return &LRU{
		max:     max,
		maxAge:  maxAge,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		nowFunc: time.Now,
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.maxAge > 0 && c.nowFunc().Sub(entry.storedAt) > c.maxAge {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.value, true
}

// Set stores a value, evicting the least recently used entry when the
// cache is full.
func (c *LRU) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.storedAt = c.nowFunc()
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value, storedAt: c.nowFunc()})
	c.items[key] = el

	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

// Len returns the number of cached entries (for testing/monitoring).
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
