package broadcast

import (
	"github.com/google/btree"
)

// OrderBuffer releases items in the contiguous order of their ids, starting from a given id.
// Items arriving ahead of their turn are kept sorted until the gap before them is filled.
type OrderBuffer[T any] struct {
	next    uint64
	pending *btree.BTreeG[bufferItem[T]]
}

type bufferItem[T any] struct {
	id  uint64
	val T
}

func lessBufferItem[T any](a, b bufferItem[T]) bool {
	return a.id < b.id
}

func NewOrderBuffer[T any](start uint64) *OrderBuffer[T] {
	return &OrderBuffer[T]{
		next:    start,
		pending: btree.NewG(8, lessBufferItem[T]),
	}
}

// Push returns the items that become deliverable, in order.
// Stale or already buffered ids are dropped.
func (b *OrderBuffer[T]) Push(id uint64, val T) []T {
	if id < b.next {
		return nil
	}

	item := bufferItem[T]{id: id, val: val}
	if id > b.next {
		if !b.pending.Has(item) {
			b.pending.ReplaceOrInsert(item)
		}
		return nil
	}

	result := []T{val}
	b.next++

	for {
		front, ok := b.pending.Min()
		if !ok || front.id != b.next {
			break
		}
		b.pending.DeleteMin()
		result = append(result, front.val)
		b.next++
	}

	return result
}

// Next returns the id expected to be released next
func (b *OrderBuffer[T]) Next() uint64 {
	return b.next
}

// Len returns the number of buffered items
func (b *OrderBuffer[T]) Len() int {
	return b.pending.Len()
}
