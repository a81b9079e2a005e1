package registry

import (
	"fmt"

	"github.com/dove-platform/dgw/common/go/xerror"
)

type record[T any] interface {
	comparable
	sameKey(other T) bool
	validate() error
}

// slots is a fixed-capacity collection where a free slot holds the sentinel
// value.
type slots[T record[T]] struct {
	items []T
	free  T
}

func newSlots[T record[T]](capacity int, free T) slots[T] {
	items := make([]T, capacity)
	for idx := range items {
		items[idx] = free
	}

	return slots[T]{items: items, free: free}
}

// insert places v into the first free slot.
func (m *slots[T]) insert(v T) (int, error) {
	if v == m.free {
		return 0, fmt.Errorf("%w: record equals the free marker", xerror.ErrConfiguration)
	}
	if err := v.validate(); err != nil {
		return 0, err
	}

	free := -1
	for idx, item := range m.items {
		if item == m.free {
			if free < 0 {
				free = idx
			}
			continue
		}
		if item == v {
			return 0, fmt.Errorf("%w: %v", xerror.ErrExists, v)
		}
		if item.sameKey(v) {
			return 0, fmt.Errorf("%w: %v conflicts with %v", xerror.ErrConfiguration, v, item)
		}
	}
	if free < 0 {
		return 0, fmt.Errorf("%w: capacity %d reached", xerror.ErrFull, len(m.items))
	}

	m.items[free] = v
	return free, nil
}

// restore puts a removed record back into its former slot.
func (m *slots[T]) restore(idx int, v T) {
	m.items[idx] = v
}

func (m *slots[T]) index(v T) int {
	for idx, item := range m.items {
		if item != m.free && item.sameKey(v) {
			return idx
		}
	}
	return -1
}

func (m *slots[T]) find(fn func(T) bool) (T, bool) {
	for _, item := range m.items {
		if item != m.free && fn(item) {
			return item, true
		}
	}
	return m.free, false
}

func (m *slots[T]) contains(fn func(T) bool) bool {
	_, ok := m.find(fn)
	return ok
}

// values returns the occupied slots in slot order.
func (m *slots[T]) values() []T {
	out := make([]T, 0, len(m.items))
	for _, item := range m.items {
		if item != m.free {
			out = append(out, item)
		}
	}
	return out
}

func (m *slots[T]) len() int {
	count := 0
	for _, item := range m.items {
		if item != m.free {
			count++
		}
	}
	return count
}
