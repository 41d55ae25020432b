// Package buffer is the marshaling choke point for byte buffers crossing the
// boundary. Every entry point that accepts a (pointer, length) pair goes
// through a [Marshaler], which states whether the buffer is borrowed or
// consumed and how its bytes are validated.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/caffeineduck/handoff/memory"
)

var (
	ErrInvalidUTF8 = errors.New("buffer is not valid UTF-8")
	ErrOutOfBounds = errors.New("buffer is outside of memory")
	ErrInteriorNUL = errors.New("string contains an interior NUL byte")
)

// Raw is a pointer and length pair designating bytes in linear memory.
type Raw struct {
	Ptr uint32
	Len uint32
}

// Ownership says who releases a Raw buffer after a call.
type Ownership uint8

const (
	// Borrowed buffers stay owned by the caller, who may reuse them and
	// must eventually free them.
	Borrowed Ownership = iota
	// Consumed buffers are freed by the callee before the call returns, on
	// success and on failure alike. The caller must not touch them again.
	Consumed
)

func (o Ownership) String() string {
	if o == Consumed {
		return "consumed"
	}
	return "borrowed"
}

// Policy selects UTF-8 validation for an entry point.
type Policy uint8

const (
	// Strict rejects invalid UTF-8 with ErrInvalidUTF8.
	Strict Policy = iota
	// Unchecked passes bytes through; the caller guarantees they are UTF-8.
	Unchecked
)

func (p Policy) String() string {
	if p == Unchecked {
		return "unchecked"
	}
	return "strict"
}

// Marshaler reads caller buffers from and writes results into the memory
// managed by an allocator.
type Marshaler struct {
	alloc *memory.Allocator
}

func NewMarshaler(alloc *memory.Allocator) *Marshaler {
	return &Marshaler{alloc: alloc}
}

// Allocator returns the allocator backing the marshaler.
func (m *Marshaler) Allocator() *memory.Allocator {
	return m.alloc
}

// View returns a zero-copy, length-bounded view of raw. The view is valid
// until release is called; release frees a consumed buffer and must be
// called exactly once, also when err is non-nil.
func (m *Marshaler) View(raw Raw, own Ownership, policy Policy) (view []byte, release func() error, err error) {
	release = func() error { return nil }
	if own == Consumed {
		release = func() error { return m.alloc.Free(raw.Ptr, raw.Len) }
	}

	if raw.Len == 0 {
		return nil, release, nil
	}
	view, ok := m.alloc.Memory().Read(raw.Ptr, raw.Len)
	if !ok {
		return nil, release, ErrOutOfBounds
	}
	if policy == Strict && !utf8.Valid(view) {
		return nil, release, ErrInvalidUTF8
	}
	return view, release, nil
}

// Text copies raw into a Go string that outlives the call.
func (m *Marshaler) Text(raw Raw, own Ownership, policy Policy) (string, error) {
	view, release, err := m.View(raw, own, policy)
	s := string(view)
	if rerr := release(); err == nil {
		err = rerr
	}
	if err != nil {
		return "", err
	}
	return s, nil
}

// Export allocates len(b) bytes, copies b into them and transfers ownership
// of the result to the caller.
func (m *Marshaler) Export(b []byte) (Raw, error) {
	ptr, err := m.alloc.Alloc(uint32(len(b)))
	if err != nil {
		return Raw{}, err
	}
	if len(b) > 0 && !m.alloc.Memory().Write(ptr, b) {
		_ = m.alloc.Free(ptr, uint32(len(b)))
		return Raw{}, ErrOutOfBounds
	}
	return Raw{Ptr: ptr, Len: uint32(len(b))}, nil
}

// ExportCString writes s followed by a NUL byte. The caller frees the result
// with a size of len(s)+1.
func (m *Marshaler) ExportCString(s string) (uint32, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return 0, ErrInteriorNUL
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	raw, err := m.Export(b)
	if err != nil {
		return 0, err
	}
	return raw.Ptr, nil
}

// PutU32 writes v little-endian at ptr, the out-parameter convention of the
// boundary.
func (m *Marshaler) PutU32(ptr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if !m.alloc.Memory().Write(ptr, b[:]) {
		return ErrOutOfBounds
	}
	return nil
}

// U32 reads a little-endian u32 at ptr.
func (m *Marshaler) U32(ptr uint32) (uint32, error) {
	b, ok := m.alloc.Memory().Read(ptr, 4)
	if !ok {
		return 0, ErrOutOfBounds
	}
	return binary.LittleEndian.Uint32(b), nil
}

// CString reads a NUL-terminated string at ptr and returns it without the
// terminator. The caller still owns the memory.
func CString(mem memory.Memory, ptr uint32) (string, error) {
	const chunk = 256
	var sb strings.Builder
	for off := ptr; ; {
		n := uint32(chunk)
		if size := mem.Size(); off >= size {
			return "", ErrOutOfBounds
		} else if size-off < n {
			n = size - off
		}
		b, ok := mem.Read(off, n)
		if !ok {
			return "", ErrOutOfBounds
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			sb.Write(b[:i])
			return sb.String(), nil
		}
		sb.Write(b)
		off += n
	}
}
