package memory

import (
	"errors"
	"math"
	"sync"

	"github.com/tidwall/btree"
)

const (
	// Alignment of every block handed out by the allocator.
	Alignment = 8

	// DefaultBase is the first offset the allocator manages. Offsets below it
	// stay unused so that 0 is never a valid pointer.
	DefaultBase = Alignment
)

var (
	ErrOutOfMemory    = errors.New("out of memory")
	ErrInvalidPointer = errors.New("pointer was not allocated or already freed")
	ErrSizeMismatch   = errors.New("free size does not match allocation size")
)

type block struct {
	off  uint32
	size uint32
}

func blockLess(a, b block) bool {
	return a.off < b.off
}

// Stats is a snapshot of allocator state.
type Stats struct {
	LiveAllocations int
	LiveBytes       uint64
	FreeBlocks      int
	MemoryBytes     uint32
	Allocs          uint64
	Frees           uint64
}

// Allocator hands out 8-byte aligned blocks of a Memory. Free blocks are
// kept in an address-ordered tree and coalesced on release.
//
// Unlike a bare malloc, Free checks its precondition: the pointer must be
// live and the size must equal the size passed to Alloc.
type Allocator struct {
	mu sync.Mutex

	mem  Memory
	base uint32
	top  uint32 // end of the managed region; everything above is untouched
	free *btree.BTreeG[block]
	live map[uint32]uint32

	allocs uint64
	frees  uint64
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithBase sets the first managed offset. It is rounded up to Alignment and
// never below DefaultBase.
func WithBase(offset uint32) AllocatorOption {
	return func(a *Allocator) {
		if offset < DefaultBase {
			offset = DefaultBase
		}
		a.base = alignUp(offset)
	}
}

// NewAllocator manages mem starting at DefaultBase.
func NewAllocator(mem Memory, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		mem:  mem,
		base: DefaultBase,
		free: btree.NewBTreeGOptions(blockLess, btree.Options{NoLocks: true}),
		live: make(map[uint32]uint32),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.top = a.base
	return a
}

// Memory returns the memory the allocator manages.
func (a *Allocator) Memory() Memory {
	return a.mem
}

// Alloc reserves size bytes and returns their offset. A zero size returns
// the null pointer without reserving anything.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	if uint64(size) > math.MaxUint32-Alignment {
		return 0, ErrOutOfMemory
	}
	rounded := alignUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	ptr, ok := a.takeFree(rounded)
	if !ok {
		var err error
		if ptr, err = a.bump(rounded); err != nil {
			return 0, err
		}
	}
	a.live[ptr] = size
	a.allocs++
	return ptr, nil
}

// takeFree carves rounded bytes out of the first free block large enough.
func (a *Allocator) takeFree(rounded uint32) (uint32, bool) {
	var found block
	var ok bool
	a.free.Scan(func(b block) bool {
		if b.size >= rounded {
			found, ok = b, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	a.free.Delete(found)
	if rest := found.size - rounded; rest > 0 {
		a.free.Set(block{off: found.off + rounded, size: rest})
	}
	return found.off, true
}

func (a *Allocator) bump(rounded uint32) (uint32, error) {
	end := uint64(a.top) + uint64(rounded)
	if end > math.MaxUint32 {
		return 0, ErrOutOfMemory
	}
	if size := uint64(a.mem.Size()); end > size {
		pages := (end - size + PageSize - 1) / PageSize
		if _, ok := a.mem.Grow(uint32(pages)); !ok {
			return 0, ErrOutOfMemory
		}
	}
	ptr := a.top
	a.top = uint32(end)
	return ptr, nil
}

// Free releases a block previously returned by Alloc. size must be the
// size passed to Alloc. Freeing the null pointer with size 0 is a no-op.
func (a *Allocator) Free(ptr, size uint32) error {
	if ptr == 0 && size == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	want, ok := a.live[ptr]
	if !ok {
		return ErrInvalidPointer
	}
	if want != size {
		return ErrSizeMismatch
	}
	delete(a.live, ptr)
	a.frees++
	a.release(block{off: ptr, size: alignUp(size)})
	return nil
}

func (a *Allocator) release(b block) {
	if prev, ok := a.neighbour(b, a.free.Descend); ok && prev.off+prev.size == b.off {
		a.free.Delete(prev)
		b = block{off: prev.off, size: prev.size + b.size}
	}
	if next, ok := a.neighbour(b, a.free.Ascend); ok && b.off+b.size == next.off {
		a.free.Delete(next)
		b.size += next.size
	}
	if b.off+b.size == a.top {
		a.top = b.off
		return
	}
	a.free.Set(b)
}

// neighbour returns the first free block walk visits from pivot.
func (a *Allocator) neighbour(pivot block, walk func(block, func(block) bool)) (block, bool) {
	var found block
	var ok bool
	walk(pivot, func(b block) bool {
		found, ok = b, true
		return false
	})
	return found, ok
}

// SizeOf reports the requested size of a live allocation.
func (a *Allocator) SizeOf(ptr uint32) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[ptr]
	return size, ok
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		LiveAllocations: len(a.live),
		FreeBlocks:      a.free.Len(),
		MemoryBytes:     a.mem.Size(),
		Allocs:          a.allocs,
		Frees:           a.frees,
	}
	for _, size := range a.live {
		s.LiveBytes += uint64(size)
	}
	return s
}

func alignUp(n uint32) uint32 {
	return uint32((uint64(n) + Alignment - 1) &^ (Alignment - 1))
}
