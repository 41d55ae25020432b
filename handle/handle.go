// Package handle implements opaque, generation-tagged handles for objects
// that live on one side of the boundary and are referenced from the other.
//
// A Handle is a plain uint32 with no structure visible to callers. Internally
// the low 16 bits select a slot and the high 16 bits carry the slot's
// generation, which changes every time the slot is reused. A handle that
// outlives its object therefore fails with ErrStale instead of reaching a
// different object. A slot whose generation is used up is retired rather
// than reused, so no generation is ever handed out twice for the same slot.
package handle

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrInvalid = errors.New("invalid handle")
	ErrStale   = errors.New("handle was disposed")
	ErrFull    = errors.New("handle table is full")
)

// Handle is an opaque reference. The zero Handle is never valid.
type Handle uint32

const (
	indexBits = 16
	indexMask = 1<<indexBits - 1

	// MaxLive is the number of slots a table can ever allocate, and so the
	// most objects it can hold at once. Retired slots count against it.
	MaxLive = indexMask
)

func makeHandle(index int, gen uint16) Handle {
	return Handle(uint32(gen)<<indexBits | uint32(index+1))
}

func (h Handle) index() int {
	return int(uint32(h)&indexMask) - 1
}

func (h Handle) generation() uint16 {
	return uint16(uint32(h) >> indexBits)
}

func (h Handle) String() string {
	return fmt.Sprintf("handle(%d#%d)", h.index()+1, h.generation())
}

type slot[T any] struct {
	value T
	gen   uint16
	live  bool
}

// Table stores values addressed by Handles. It is safe for concurrent use;
// the values themselves are not protected.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []int
	live  int
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int
	switch {
	case len(t.free) > 0:
		idx = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case len(t.slots) < MaxLive:
		idx = len(t.slots)
		// generation 0 is skipped so that no handle equals its raw index
		t.slots = append(t.slots, slot[T]{gen: 1})
	default:
		return 0, ErrFull
	}

	s := &t.slots[idx]
	s.value = v
	s.live = true
	t.live++
	return makeHandle(idx, s.gen), nil
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	idx := h.index()
	if h == 0 || idx < 0 || idx >= len(t.slots) {
		return nil, ErrInvalid
	}
	s := &t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return nil, ErrStale
	}
	return s, nil
}

// Get returns the value for h. The table keeps ownership.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove invalidates h and hands its value back to the caller.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.live = false
	t.live--
	if s.gen == math.MaxUint16 {
		// every generation of this slot has been issued; keep it dead
		return v, nil
	}
	s.gen++
	t.free = append(t.free, h.index())
	return v, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Range calls fn for every live handle until fn returns false.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, s := range t.slots {
		if s.live && !fn(makeHandle(i, s.gen), s.value) {
			return
		}
	}
}
