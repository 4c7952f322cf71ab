package cache

import (
	"container/list"
	"sync"
)

// LRU is a synchronized bounded in-process cache. Insertion beyond capacity
// evicts the least recently used entry.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []byte
}

// NewLRU creates an LRU with the given capacity (minimum 1).
func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached value and moves the entry to most-recently-used.
func (l *LRU) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (l *LRU) Set(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		elem.Value.(*lruEntry).value = value
		l.order.MoveToFront(elem)
		return
	}

	if l.order.Len() >= l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.entries, oldest.Value.(*lruEntry).key)
		}
	}

	l.entries[key] = l.order.PushFront(&lruEntry{key: key, value: value})
}

// Delete removes a key, reporting whether it was present.
func (l *LRU) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[key]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.entries, key)
	return true
}

// Len returns the number of cached entries.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Clear drops all entries.
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.Init()
	l.entries = make(map[string]*list.Element)
}
