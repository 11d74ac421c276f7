package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testItem struct {
	value    int
	priority int
}

func newTestHeap() *Heap[*testItem] {
	return New(func(a, b *testItem) bool {
		return a.priority < b.priority
	})
}

func TestHeap(t *testing.T) {
	t.Run("empty heap", func(t *testing.T) {
		h := newTestHeap()
		assert.Equal(t, 0, h.Len())
		_, ok := h.Peek()
		assert.False(t, ok)
		_, ok = h.Pop()
		assert.False(t, ok)
	})

	t.Run("push and peek", func(t *testing.T) {
		h := newTestHeap()
		item := &testItem{value: 1, priority: 5}
		h.Push(item)
		assert.Equal(t, 1, h.Len())
		peek, ok := h.Peek()
		assert.True(t, ok)
		assert.Equal(t, item, peek)
	})

	t.Run("pop returns items in priority order", func(t *testing.T) {
		h := newTestHeap()
		h.Push(&testItem{value: 1, priority: 5})
		h.Push(&testItem{value: 2, priority: 3})
		h.Push(&testItem{value: 3, priority: 7})

		got := make([]int, 0, 3)
		for {
			item, ok := h.Pop()
			if !ok {
				break
			}
			got = append(got, item.value)
		}
		assert.Equal(t, []int{2, 1, 3}, got)
		assert.Equal(t, 0, h.Len())
	})

	t.Run("remove interior item", func(t *testing.T) {
		h := newTestHeap()
		item1 := &testItem{value: 1, priority: 5}
		item2 := &testItem{value: 2, priority: 3}
		item3 := &testItem{value: 3, priority: 7}

		h.Push(item1)
		h.Push(item2)
		h.Push(item3)

		removed, ok := h.Remove(item1)
		assert.True(t, ok)
		assert.Equal(t, item1, removed)
		assert.Equal(t, 2, h.Len())

		peek, _ := h.Peek()
		assert.Equal(t, item2, peek)
	})

	t.Run("remove unknown item", func(t *testing.T) {
		h := newTestHeap()
		h.Push(&testItem{value: 1, priority: 5})
		_, ok := h.Remove(&testItem{value: 9, priority: 9})
		assert.False(t, ok)
		assert.Equal(t, 1, h.Len())
	})

	t.Run("fix after priority change", func(t *testing.T) {
		h := newTestHeap()
		item1 := &testItem{value: 1, priority: 5}
		item2 := &testItem{value: 2, priority: 3}
		item3 := &testItem{value: 3, priority: 7}

		h.Push(item1)
		h.Push(item2)
		h.Push(item3)

		item2.priority = 8
		assert.True(t, h.Fix(item2))

		peek, _ := h.Peek()
		assert.Equal(t, item1, peek)

		item3.priority = 1
		assert.True(t, h.Fix(item3))

		peek, _ = h.Peek()
		assert.Equal(t, item3, peek)
	})

	t.Run("fix unknown item", func(t *testing.T) {
		h := newTestHeap()
		assert.False(t, h.Fix(&testItem{value: 1, priority: 1}))
	})
}
