// Package pool keeps released objects for reuse.
package pool

import "sync"

// SlicePool is a LIFO free list. A pool created with NewSlicePoolSize keeps
// at most size objects; extra releases are dropped for the GC.
type SlicePool[T any] struct {
	mu    sync.Mutex
	s     []T
	limit int
}

func NewSlicePool[T any]() *SlicePool[T] {
	return new(SlicePool[T])
}

func NewSlicePoolSize[T any](size int) *SlicePool[T] {
	return &SlicePool[T]{s: make([]T, 0, size), limit: size}
}

// Acquire returns the most recently released object, or false when the pool
// is empty.
func (p *SlicePool[T]) Acquire() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.s)
	if l == 0 {
		return v, false
	}

	v = p.s[l-1]
	var zero T
	p.s[l-1] = zero
	p.s = p.s[:l-1]
	return v, true
}

func (p *SlicePool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.s) >= p.limit {
		return
	}
	p.s = append(p.s, v)
}

// Len is the number of objects ready for reuse.
func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}
