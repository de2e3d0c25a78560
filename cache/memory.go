package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemCache is the in-process tier: a strict LRU over access order,
// bounded by total bytes. A mutex around the list and index is enough
// here; operations touch a single entry and never block on I/O.
type MemCache struct {
	mu       sync.Mutex
	capBytes int64
	used     int64
	order    *list.List // front = most recently used
	index    map[string]*list.Element
}

func NewMemCache(capBytes int64) *MemCache {
	return &MemCache{
		capBytes: capBytes,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (m *MemCache) Get(key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[key]
	if !ok {
		return Entry{}, false, nil
	}
	m.order.MoveToFront(el)
	return el.Value.(Entry), true, nil
}

func (m *MemCache) Put(entry Entry) error {
	if entry.Size() > m.capBytes {
		return ErrTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[entry.Key]; ok {
		m.used -= el.Value.(Entry).Size()
		m.order.Remove(el)
		delete(m.index, entry.Key)
	}
	for m.used+entry.Size() > m.capBytes {
		m.evictOldest()
	}
	m.index[entry.Key] = m.order.PushFront(entry)
	m.used += entry.Size()
	return nil
}

func (m *MemCache) Refresh(key string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		entry := el.Value.(Entry)
		entry.Expires = expires
		el.Value = entry
	}
	return nil
}

func (m *MemCache) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		m.used -= el.Value.(Entry).Size()
		m.order.Remove(el)
		delete(m.index, key)
	}
	return nil
}

func (m *MemCache) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, nil
}

func (m *MemCache) Keys(cb func(string)) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.index))
	for key := range m.index {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.index = make(map[string]*list.Element)
	m.used = 0
	return nil
}

// evictOldest removes the least-recently-used entry. Caller holds the lock.
func (m *MemCache) evictOldest() {
	el := m.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(Entry)
	m.used -= entry.Size()
	m.order.Remove(el)
	delete(m.index, entry.Key)
}
