package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/handoff/memory"
)

func newTestMarshaler(t *testing.T) *Marshaler {
	t.Helper()
	return NewMarshaler(memory.NewAllocator(memory.NewLinear(1, 0)))
}

// put allocates and fills a caller-owned buffer.
func put(t *testing.T, m *Marshaler, b []byte) Raw {
	t.Helper()
	raw, err := m.Export(b)
	require.NoError(t, err)
	return raw
}

func TestViewBorrowedLeavesOwnership(t *testing.T) {
	m := newTestMarshaler(t)
	raw := put(t, m, []byte("hello"))

	view, release, err := m.View(raw, Borrowed, Strict)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(view))
	require.NoError(t, release())

	// still live: the caller frees it
	assert.Equal(t, 1, m.Allocator().Stats().LiveAllocations)
	require.NoError(t, m.Allocator().Free(raw.Ptr, raw.Len))
}

func TestViewConsumedFrees(t *testing.T) {
	m := newTestMarshaler(t)
	raw := put(t, m, []byte("hello"))

	s, err := m.Text(raw, Consumed, Strict)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	assert.Zero(t, m.Allocator().Stats().LiveAllocations)
	assert.ErrorIs(t, m.Allocator().Free(raw.Ptr, raw.Len), memory.ErrInvalidPointer)
}

func TestConsumedFreedOnInvalidUTF8(t *testing.T) {
	m := newTestMarshaler(t)
	raw := put(t, m, []byte{0xff, 0xfe})

	_, err := m.Text(raw, Consumed, Strict)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Zero(t, m.Allocator().Stats().LiveAllocations)
}

func TestUncheckedPassesInvalidUTF8(t *testing.T) {
	m := newTestMarshaler(t)
	raw := put(t, m, []byte{'a', 0xff})

	view, release, err := m.View(raw, Borrowed, Unchecked)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 0xff}, view)
	require.NoError(t, release())
}

func TestViewEmpty(t *testing.T) {
	m := newTestMarshaler(t)

	view, release, err := m.View(Raw{}, Consumed, Strict)
	require.NoError(t, err)
	assert.Empty(t, view)
	require.NoError(t, release())
}

func TestViewOutOfBounds(t *testing.T) {
	m := newTestMarshaler(t)

	_, release, err := m.View(Raw{Ptr: memory.PageSize - 2, Len: 4}, Borrowed, Strict)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	require.NoError(t, release())
}

func TestExportCString(t *testing.T) {
	m := newTestMarshaler(t)

	ptr, err := m.ExportCString("From Go: hi")
	require.NoError(t, err)

	s, err := CString(m.Allocator().Memory(), ptr)
	require.NoError(t, err)
	assert.Equal(t, "From Go: hi", s)
	require.NoError(t, m.Allocator().Free(ptr, uint32(len(s)+1)))

	_, err = m.ExportCString("a\x00b")
	assert.ErrorIs(t, err, ErrInteriorNUL)
	assert.Zero(t, m.Allocator().Stats().LiveAllocations)
}

func TestCStringSpansChunks(t *testing.T) {
	m := newTestMarshaler(t)
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}

	ptr, err := m.ExportCString(string(long))
	require.NoError(t, err)

	s, err := CString(m.Allocator().Memory(), ptr)
	require.NoError(t, err)
	assert.Len(t, s, 1000)
}

func TestCStringUnterminated(t *testing.T) {
	mem := memory.NewLinear(1, 0)
	for off := uint32(0); off < memory.PageSize; off += 4 {
		mem.Write(off, []byte("abcd"))
	}

	_, err := CString(mem, 16)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestOutParameters(t *testing.T) {
	m := newTestMarshaler(t)
	slot, err := m.Allocator().Alloc(4)
	require.NoError(t, err)

	require.NoError(t, m.PutU32(slot, 0xdeadbeef))
	v, err := m.U32(slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	assert.ErrorIs(t, m.PutU32(memory.PageSize-2, 1), ErrOutOfBounds)
}
