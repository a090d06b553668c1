package omx

import "fmt"

// BufferID is an arena handle: a slot index plus the slot's generation.
// The zero value never names a buffer.
type BufferID uint64

func makeBufferID(index, gen uint32) BufferID {
	return BufferID(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (id BufferID) Index() uint32 { return uint32(id) }

// Generation returns the slot generation the handle was issued for.
func (id BufferID) Generation() uint32 { return uint32(id >> 32) }

// Valid reports whether id could name a buffer.
func (id BufferID) Valid() bool { return id.Generation() != 0 }

func (id BufferID) String() string {
	return fmt.Sprintf("buf#%d.%d", id.Index(), id.Generation())
}

type tableSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// BufferTable maps BufferIDs to values. Removing an entry bumps the slot
// generation, so handles to freed buffers never resolve again.
// BufferTable is not safe for concurrent use.
type BufferTable[T any] struct {
	slots []tableSlot[T]
	free  []uint32
	count int
}

// Insert stores v and returns its handle.
func (t *BufferTable[T]) Insert(v T) BufferID {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot[T]{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	t.count++
	return makeBufferID(idx, s.gen)
}

// Get resolves id.
func (t *BufferTable[T]) Get(id BufferID) (T, bool) {
	var zero T
	idx := id.Index()
	if !id.Valid() || int(idx) >= len(t.slots) {
		return zero, false
	}
	s := &t.slots[idx]
	if !s.used || s.gen != id.Generation() {
		return zero, false
	}
	return s.val, true
}

// Remove deletes id and returns the value it named.
func (t *BufferTable[T]) Remove(id BufferID) (T, bool) {
	v, ok := t.Get(id)
	if !ok {
		return v, false
	}
	idx := id.Index()
	var zero T
	t.slots[idx].used = false
	t.slots[idx].val = zero
	t.free = append(t.free, idx)
	t.count--
	return v, true
}

// Len returns the number of live entries.
func (t *BufferTable[T]) Len() int {
	return t.count
}

// Range calls fn for every live entry in slot order until fn returns false.
func (t *BufferTable[T]) Range(fn func(BufferID, T) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeBufferID(uint32(i), s.gen), s.val) {
			return
		}
	}
}
