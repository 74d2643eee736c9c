package advisor

import (
	"container/list"
	"sync"
	"time"
)

// Cache defaults used when Options leaves the corresponding field zero.
const (
	defaultQuoteTTL      = 5 * time.Minute
	defaultPriorityTTL   = 1 * time.Minute
	defaultProfileTTL    = 24 * time.Hour
	defaultCacheCapacity = 1000
)

// ttlCache is a capacity-bounded TTL cache with LRU eviction. Entries carry
// their own deadline so callers can mix TTLs in one cache: priority symbols
// get a shorter deadline than background ones.
//
// Expired entries are NOT removed on read. GetStale serves them as a
// last-resort fallback when the upstream is unavailable; sweep removes only
// entries past their stale retention.
type ttlCache[V any] struct {
	mu       sync.Mutex
	capacity int
	retain   time.Duration // how long past expiry an entry may be served stale
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	now func() time.Time // injectable clock
}

type ttlEntry[V any] struct {
	key      string
	value    V
	expires  time.Time
	storedAt time.Time
}

func newTTLCache[V any](capacity int, retain time.Duration) *ttlCache[V] {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &ttlCache[V]{
		capacity: capacity,
		retain:   retain,
		entries:  map[string]*list.Element{},
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the value if present and not expired. A hit refreshes the
// entry's LRU position but never its deadline.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*ttlEntry[V])
	if c.now().After(entry.expires) {
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// GetWithin returns the value only if it is unexpired and no older than
// maxAge. Lets callers tighten an entry's effective TTL after the fact, as
// when a symbol is promoted to the priority window.
func (c *ttlCache[V]) GetWithin(key string, maxAge time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*ttlEntry[V])
	now := c.now()
	if now.After(entry.expires) || now.Sub(entry.storedAt) > maxAge {
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// GetStale returns the value even past its deadline, along with its age.
// Entries past the stale retention window are treated as absent; with
// retain == 0 anything expired is absent, mirroring sweep.
func (c *ttlCache[V]) GetStale(key string) (V, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, 0, false
	}
	entry := elem.Value.(*ttlEntry[V])
	now := c.now()
	if now.After(entry.expires.Add(c.retain)) {
		return zero, 0, false
	}
	return entry.value, now.Sub(entry.storedAt), true
}

// Set stores value with the given TTL, evicting the least recently used
// entry when the cache is at capacity.
func (c *ttlCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*ttlEntry[V])
		entry.value = value
		entry.expires = now.Add(ttl)
		entry.storedAt = now
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*ttlEntry[V]).key)
		}
	}
	c.entries[key] = c.order.PushFront(&ttlEntry[V]{
		key:      key,
		value:    value,
		expires:  now.Add(ttl),
		storedAt: now,
	})
}

// Delete removes key if present.
func (c *ttlCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len reports the number of stored entries, expired or not.
func (c *ttlCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// sweep removes entries past their stale retention window and returns how
// many were removed. With retain == 0 it removes anything expired.
func (c *ttlCache[V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*ttlEntry[V])
		if now.After(entry.expires.Add(c.retain)) {
			c.order.Remove(elem)
			delete(c.entries, entry.key)
			removed++
		}
		elem = prev
	}
	return removed
}

// Keys returns the cached keys, most recently used first.
func (c *ttlCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*ttlEntry[V]).key)
	}
	return keys
}
