package swproxy

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps generations in RAM. Each generation is an LRU bounded
// by maxBytes (0 means unbounded).
type memoryStore struct {
	maxBytes int64

	mu   sync.Mutex
	gens map[string]*ramCache
}

func newMemoryStore(maxBytes int64) *memoryStore {
	return &memoryStore{maxBytes: maxBytes, gens: map[string]*ramCache{}}
}

func (m *memoryStore) generation(name string, create bool) *ramCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.gens[name]
	if !ok && create {
		c = newRAMCache(m.maxBytes)
		m.gens[name] = c
	}
	return c
}

func (m *memoryStore) Open(_ context.Context, generation string) error {
	m.generation(generation, true)
	return nil
}

func (m *memoryStore) Generations(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.gens))
	for name := range m.gens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) DeleteGeneration(_ context.Context, generation string) error {
	m.mu.Lock()
	delete(m.gens, generation)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Match(_ context.Context, generation, key string) (Snapshot, bool, error) {
	c := m.generation(generation, false)
	if c == nil {
		return Snapshot{}, false, nil
	}
	snap, ok := c.Get(key)
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (m *memoryStore) Put(_ context.Context, generation, key string, snap Snapshot) error {
	return m.generation(generation, true).Put(key, snap.Clone())
}

func (m *memoryStore) Keys(_ context.Context, generation string) ([]string, error) {
	c := m.generation(generation, false)
	if c == nil {
		return nil, nil
	}
	keys := c.Keys()
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) TotalSize() int64 {
	m.mu.Lock()
	gens := make([]*ramCache, 0, len(m.gens))
	for _, c := range m.gens {
		gens = append(gens, c)
	}
	m.mu.Unlock()
	var total int64
	for _, c := range gens {
		total += c.TotalSize()
	}
	return total
}

// ---- ram cache ----

type ramItem struct {
	key  string
	snap Snapshot
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Snapshot{}, false
	}
	c.moveToFront(it)
	return it.snap, true
}

// Put stores snap under key. Replacing a pinned entry keeps it pinned.
func (c *ramCache) Put(key string, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, exists := c.items[key]
	if exists && it.snap.Pinned {
		snap.Pinned = true
	}
	sz := snap.size() + int64(len(key))
	if c.maxBytes > 0 && sz > c.maxBytes && !snap.Pinned {
		return ErrEntryTooLarge
	}

	if exists {
		c.total -= it.size
		it.snap = snap
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, snap: snap, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes {
		if !c.evictOneLocked(key) {
			break
		}
	}
	return nil
}

// evictOneLocked drops the least recently used unpinned item other than keep.
func (c *ramCache) evictOneLocked(keep string) bool {
	for it := c.tail; it != nil; it = it.prev {
		if it.snap.Pinned || it.key == keep {
			continue
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		return true
	}
	return false
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
