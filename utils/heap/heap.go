// Package heap provides a comparator-ordered priority queue that tracks item
// positions, so removal and reprioritization of a known item cost O(log n).
package heap

type Heap[T comparable] struct {
	items []T
	index map[T]int
	less  func(a, b T) bool
}

func New[T comparable](less func(a T, b T) bool) *Heap[T] {
	return &Heap[T]{
		index: make(map[T]int),
		less:  less,
	}
}

func (h *Heap[T]) Len() int { return len(h.items) }

// Push adds the item. Pushing an item that is already queued corrupts the
// position index; callers must Remove it first.
func (h *Heap[T]) Push(item T) {
	h.items = append(h.items, item)
	h.index[item] = len(h.items) - 1
	h.up(len(h.items) - 1)
}

func (h *Heap[T]) Peek() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

func (h *Heap[T]) Pop() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	top := h.items[0]
	h.removeAt(0)
	return top, true
}

// Remove drops the item wherever it sits in the queue.
func (h *Heap[T]) Remove(item T) (T, bool) {
	i, ok := h.index[item]
	if !ok {
		var zero T
		return zero, false
	}
	removed := h.items[i]
	h.removeAt(i)
	return removed, true
}

// Fix restores ordering after the item's priority changed in place. Returns
// false if the item is not queued.
func (h *Heap[T]) Fix(item T) bool {
	i, ok := h.index[item]
	if !ok {
		return false
	}
	if !h.down(i) {
		h.up(i)
	}
	return true
}

func (h *Heap[T]) removeAt(i int) {
	last := len(h.items) - 1
	delete(h.index, h.items[i])
	if i != last {
		h.items[i] = h.items[last]
		h.index[h.items[i]] = i
	}
	h.items = h.items[:last]
	if i < last {
		if !h.down(i) {
			h.up(i)
		}
	}
}

func (h *Heap[T]) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.items[i], h.items[p]) {
			break
		}
		h.swap(i, p)
		i = p
	}
}

// down sifts the item at i toward the leaves and reports whether it moved.
func (h *Heap[T]) down(i int) bool {
	start := i
	for {
		smallest := i
		if l := 2*i + 1; l < len(h.items) && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < len(h.items) && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return i > start
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *Heap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i]] = i
	h.index[h.items[j]] = j
}
