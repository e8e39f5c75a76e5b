package buffer

// Cursor is a stable reference to a list position.
// The zero Cursor is empty. A cursor whose slot has been popped is stale and behaves as empty.
type Cursor struct {
	index int    // index is the slot index plus one
	gen   uint64 // gen is the slot generation the cursor was issued for
}

// IsZero reports whether c is the empty cursor.
func (c Cursor) IsZero() bool {
	return c.index == 0
}

// slot is one arena cell.
type slot[T any] struct {
	value T      // value is the stored element
	has   bool   // has is false after Take until the next Set
	used  bool   // used is true while the slot belongs to the list
	gen   uint64 // gen is bumped every time the slot is released
	next  int    // next is the successor slot index plus one, zero at the tail
}

// List is an ordered container with push at the tail, pop at the head and
// cursors that stay valid across unrelated insertions and removals.
// It is not safe for concurrent use.
type List[T any] struct {
	slots  []slot[T] // slots is the arena
	free   []int     // free holds released slot indices
	head   int       // head is the first slot index plus one
	tail   int       // tail is the last slot index plus one
	length int       // length is the number of elements
}

// NewList creates an empty list.
func NewList[T any]() *List[T] {
	return &List[T]{}
}

// Len returns the number of elements.
func (l *List[T]) Len() int {
	return l.length
}

// Reset removes every element and invalidates all cursors.
func (l *List[T]) Reset() {
	for l.length > 0 {
		l.PopFront()
	}
}

// PushBack appends v at the tail and returns its cursor.
func (l *List[T]) PushBack(v T) Cursor {
	var idx int
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot[T]{})
		idx = len(l.slots) - 1
	}

	s := &l.slots[idx]
	s.value = v
	s.has = true
	s.used = true
	s.next = 0

	if l.tail != 0 {
		l.slots[l.tail-1].next = idx + 1
	} else {
		l.head = idx + 1
	}
	l.tail = idx + 1
	l.length++

	return Cursor{index: idx + 1, gen: s.gen}
}

// PopFront removes and returns the head element.
func (l *List[T]) PopFront() (T, bool) {
	var zero T

	if l.head == 0 {
		return zero, false
	}

	idx := l.head - 1
	s := &l.slots[idx]
	v := s.value

	l.head = s.next
	if l.head == 0 {
		l.tail = 0
	}

	s.value = zero
	s.has = false
	s.used = false
	s.next = 0
	s.gen++

	l.free = append(l.free, idx)
	l.length--

	return v, true
}

// Head returns a cursor to the first element, or the empty cursor.
func (l *List[T]) Head() Cursor {
	if l.head == 0 {
		return Cursor{}
	}

	return Cursor{index: l.head, gen: l.slots[l.head-1].gen}
}

// Valid reports whether c refers to a live position.
func (l *List[T]) Valid(c Cursor) bool {
	if c.index <= 0 || c.index > len(l.slots) {
		return false
	}

	s := &l.slots[c.index-1]

	return s.used && s.gen == c.gen
}

// Next returns the successor of c, or the empty cursor at the tail or when c is stale.
func (l *List[T]) Next(c Cursor) Cursor {
	if !l.Valid(c) {
		return Cursor{}
	}

	next := l.slots[c.index-1].next
	if next == 0 {
		return Cursor{}
	}

	return Cursor{index: next, gen: l.slots[next-1].gen}
}

// Get returns the element at c. ok is false for empty, stale or taken positions.
func (l *List[T]) Get(c Cursor) (v T, ok bool) {
	if !l.Valid(c) {
		return v, false
	}

	s := &l.slots[c.index-1]
	if !s.has {
		return v, false
	}

	return s.value, true
}

// Take removes the element at c, leaving the position in place until Set.
func (l *List[T]) Take(c Cursor) (v T, ok bool) {
	v, ok = l.Get(c)
	if !ok {
		return v, false
	}

	s := &l.slots[c.index-1]

	var zero T
	s.value = zero
	s.has = false

	return v, true
}

// Set stores v at c. Returns false if c is empty or stale.
func (l *List[T]) Set(c Cursor, v T) bool {
	if !l.Valid(c) {
		return false
	}

	s := &l.slots[c.index-1]
	s.value = v
	s.has = true

	return true
}

// Find scans forward from c, or from the head when c is empty or stale,
// and returns the first position whose element satisfies match.
// Taken positions are skipped.
func (l *List[T]) Find(c Cursor, match func(T) bool) Cursor {
	if !l.Valid(c) {
		c = l.Head()
	}

	for ; !c.IsZero(); c = l.Next(c) {
		if v, ok := l.Get(c); ok && match(v) {
			return c
		}
	}

	return Cursor{}
}
