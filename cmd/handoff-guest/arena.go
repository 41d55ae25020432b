//go:build wasip1

package main

import (
	"unsafe"

	"github.com/caffeineduck/handoff/memory"
)

// heap is the only memory the allocator hands out. Go owns the rest of
// linear memory, so the arena never grows.
var heap [16 << 20]byte

func heapBase() uint32 {
	return uint32(uintptr(unsafe.Pointer(&heap[0])))
}

// arena exposes heap at its absolute linear memory offsets, which are the
// pointers the host reads and writes through.
type arena struct {
	base uint32
}

func newArena() arena {
	return arena{base: heapBase()}
}

func (a arena) Size() uint32 {
	return a.base + uint32(len(heap))
}

func (a arena) Grow(uint32) (uint32, bool) {
	return a.Size() / memory.PageSize, false
}

func (a arena) Read(offset, byteCount uint32) ([]byte, bool) {
	if offset < a.base {
		return nil, false
	}
	start := uint64(offset - a.base)
	end := start + uint64(byteCount)
	if end > uint64(len(heap)) {
		return nil, false
	}
	return heap[start:end:end], true
}

func (a arena) Write(offset uint32, v []byte) bool {
	b, ok := a.Read(offset, uint32(len(v)))
	if !ok {
		return false
	}
	copy(b, v)
	return true
}
