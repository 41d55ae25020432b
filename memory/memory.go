// Package memory implements the boundary allocator: a first-fit allocator
// over a linear byte memory that both sides of a foreign-function boundary
// agree on.
//
// A caller obtains memory with [Allocator.Alloc], writes into it through the
// same [Memory], and hands the pointer to the callee. Memory the callee
// returns is released with [Allocator.Free] using the exact size it was
// allocated with.
package memory

// PageSize is the size of one linear memory page (64 KiB, as in wasm).
const PageSize = 65536

// MaxPages is the page count of a full 32-bit address space.
const MaxPages = 65536

// Memory is a growable linear memory addressed by 32-bit offsets.
//
// The method set is a subset of wazero's api.Memory, so guest memories can
// be managed directly.
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint32

	// Grow extends the memory by deltaPages pages and returns the previous
	// size in pages. ok is false when the memory cannot grow.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// Read returns a view of byteCount bytes at offset. The view aliases the
	// memory and is only valid until the next Grow.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write copies v into the memory at offset.
	Write(offset uint32, v []byte) bool
}

// Linear is a slice-backed Memory.
type Linear struct {
	buf      []byte
	maxPages uint32
}

// NewLinear returns a memory of pages pages that may grow up to maxPages.
// A zero maxPages means the 4 GiB address space limit.
func NewLinear(pages, maxPages uint32) *Linear {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	if pages > maxPages {
		pages = maxPages
	}
	return &Linear{
		buf:      make([]byte, uint64(pages)*PageSize),
		maxPages: maxPages,
	}
}

func (l *Linear) Size() uint32 {
	// 65536 pages would overflow; the last byte is never addressable anyway.
	if uint64(len(l.buf)) > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(len(l.buf))
}

func (l *Linear) pages() uint32 {
	return uint32(uint64(len(l.buf)) / PageSize)
}

func (l *Linear) Grow(deltaPages uint32) (uint32, bool) {
	prev := l.pages()
	if deltaPages == 0 {
		return prev, true
	}
	if uint64(prev)+uint64(deltaPages) > uint64(l.maxPages) {
		return prev, false
	}
	size := (uint64(prev) + uint64(deltaPages)) * PageSize
	if c := uint64(cap(l.buf)); size > c {
		l.buf = append(l.buf[:c], make([]byte, size-c)...)
	} else {
		l.buf = l.buf[:size]
	}
	return prev, true
}

func (l *Linear) Read(offset, byteCount uint32) ([]byte, bool) {
	if !l.inBounds(offset, byteCount) {
		return nil, false
	}
	return l.buf[offset : uint64(offset)+uint64(byteCount) : uint64(offset)+uint64(byteCount)], true
}

func (l *Linear) Write(offset uint32, v []byte) bool {
	if !l.inBounds(offset, uint32(len(v))) {
		return false
	}
	copy(l.buf[offset:], v)
	return true
}

func (l *Linear) inBounds(offset, byteCount uint32) bool {
	return uint64(offset)+uint64(byteCount) <= uint64(len(l.buf))
}
