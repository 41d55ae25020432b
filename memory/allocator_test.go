package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(pages, maxPages uint32) *Allocator {
	return NewAllocator(NewLinear(pages, maxPages))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(1, 0)

	ptr, err := a.Alloc(10)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	assert.Zero(t, ptr%Alignment)

	require.NoError(t, a.Free(ptr, 10))

	// the released block is reused by the next allocation
	again, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, ptr, again)
	require.NoError(t, a.Free(again, 10))

	s := a.Stats()
	assert.Zero(t, s.LiveAllocations)
	assert.Zero(t, s.LiveBytes)
	assert.Zero(t, s.FreeBlocks)
	assert.Equal(t, uint64(2), s.Allocs)
	assert.Equal(t, uint64(2), s.Frees)
}

func TestAllocZeroIsNull(t *testing.T) {
	a := newTestAllocator(1, 0)

	ptr, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Zero(t, ptr)
	require.NoError(t, a.Free(0, 0))
	assert.Zero(t, a.Stats().LiveAllocations)
}

func TestAllocDoesNotOverlap(t *testing.T) {
	a := newTestAllocator(1, 0)
	mem := a.Memory()

	first, err := a.Alloc(5)
	require.NoError(t, err)
	second, err := a.Alloc(5)
	require.NoError(t, err)

	require.True(t, mem.Write(first, []byte("aaaaa")))
	require.True(t, mem.Write(second, []byte("bbbbb")))

	got, ok := mem.Read(first, 5)
	require.True(t, ok)
	assert.Equal(t, "aaaaa", string(got))
	assert.GreaterOrEqual(t, second, first+8)
}

func TestFreeChecksPrecondition(t *testing.T) {
	a := newTestAllocator(1, 0)

	ptr, err := a.Alloc(16)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Free(ptr, 15), ErrSizeMismatch)
	assert.ErrorIs(t, a.Free(ptr+8, 8), ErrInvalidPointer)

	require.NoError(t, a.Free(ptr, 16))
	assert.ErrorIs(t, a.Free(ptr, 16), ErrInvalidPointer, "double free")
}

func TestAllocGrowsMemory(t *testing.T) {
	a := newTestAllocator(0, 4)

	ptr, err := a.Alloc(PageSize + 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*PageSize), a.Memory().Size())

	require.NoError(t, a.Free(ptr, PageSize+1))
}

func TestAllocOutOfMemory(t *testing.T) {
	a := newTestAllocator(1, 1)

	_, err := a.Alloc(2 * PageSize)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// a failed allocation leaves the allocator usable
	ptr, err := a.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr, 64))
}

func TestFreeCoalesces(t *testing.T) {
	a := newTestAllocator(1, 0)

	p1, _ := a.Alloc(8)
	p2, _ := a.Alloc(8)
	p3, _ := a.Alloc(8)
	guard, _ := a.Alloc(8)

	require.NoError(t, a.Free(p1, 8))
	require.NoError(t, a.Free(p3, 8))
	assert.Equal(t, 2, a.Stats().FreeBlocks)

	require.NoError(t, a.Free(p2, 8))
	assert.Equal(t, 1, a.Stats().FreeBlocks)

	// the merged block satisfies a request none of its parts could
	big, err := a.Alloc(24)
	require.NoError(t, err)
	assert.Equal(t, p1, big)

	require.NoError(t, a.Free(big, 24))
	require.NoError(t, a.Free(guard, 8))
	s := a.Stats()
	assert.Zero(t, s.FreeBlocks, "tail blocks return to the unmanaged region")
	assert.Zero(t, s.LiveAllocations)
}

func TestAllocRespectsBase(t *testing.T) {
	a := NewAllocator(NewLinear(1, 0), WithBase(1025))

	ptr, err := a.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1032), ptr)

	size, ok := a.SizeOf(ptr)
	require.True(t, ok)
	assert.Equal(t, uint32(1), size)
}

func TestAllocManyReleaseAll(t *testing.T) {
	a := newTestAllocator(1, 0)

	type alloc struct{ ptr, size uint32 }
	var allocs []alloc
	for i := uint32(1); i <= 200; i++ {
		size := i*7%97 + 1
		ptr, err := a.Alloc(size)
		require.NoError(t, err)
		allocs = append(allocs, alloc{ptr, size})
	}
	// free every other block first to fragment the free list
	for i := 0; i < len(allocs); i += 2 {
		require.NoError(t, a.Free(allocs[i].ptr, allocs[i].size))
	}
	for i := 1; i < len(allocs); i += 2 {
		require.NoError(t, a.Free(allocs[i].ptr, allocs[i].size))
	}

	s := a.Stats()
	assert.Zero(t, s.LiveAllocations)
	assert.Zero(t, s.FreeBlocks)
}

func TestLinearBounds(t *testing.T) {
	l := NewLinear(1, 2)

	_, ok := l.Read(PageSize-4, 8)
	assert.False(t, ok)
	assert.False(t, l.Write(PageSize-1, []byte{1, 2}))

	prev, ok := l.Grow(1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), prev)

	_, ok = l.Grow(1)
	assert.False(t, ok, "max pages reached")

	b, ok := l.Read(PageSize-4, 8)
	require.True(t, ok)
	assert.Len(t, b, 8)
}
