package buffer

import (
	"sync"
)

// Buffer collects distinct entries within a transaction, in insertion order.
type Buffer[T comparable] struct {
	mu   sync.Mutex
	ts   []T
	seen map[T]struct{}
}

func NewBuffer[T comparable]() *Buffer[T] {
	return &Buffer[T]{seen: map[T]struct{}{}}
}

// Add records e unless it is already buffered.
func (b *Buffer[T]) Add(e T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[e]; ok {
		return
	}
	b.seen[e] = struct{}{}
	b.ts = append(b.ts, e)
}

func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.seen = map[T]struct{}{}
	b.mu.Unlock()
	return es
}

func (b *Buffer[T]) Reset() {
	b.Drain()
}
