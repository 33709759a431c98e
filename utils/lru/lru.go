package lru

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

type LRU[K comparable, V any] struct {
	maxSize int
	items   map[K]*list.Element
	list    *list.List
	mu      sync.Mutex
}

func New[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize < 1 {
		panic("assertion error: maxSize < 1")
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element, maxSize),
		list:    list.New(),
	}
}

// GetOrAdd fetch item from lru and increase eviction order or create it.
// A failed create leaves the cache unchanged.
func (l *LRU[K, V]) GetOrAdd(key K, create func() (V, error)) (V, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, ok := l.items[key]
	if ok {
		l.list.MoveToFront(element)
		return element.Value.(entry[K, V]).value, nil
	}

	value, err := create()
	if err != nil {
		return value, err
	}

	if len(l.items) >= l.maxSize {
		element = l.list.Back()
		l.list.Remove(element)
		delete(l.items, element.Value.(entry[K, V]).key)
	}

	l.items[key] = l.list.PushFront(entry[K, V]{key: key, value: value})
	return value, nil
}

func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
