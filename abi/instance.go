package abi

import (
	"math"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/handle"
	"github.com/caffeineduck/handoff/memory"
)

// Instance is the callee side of the boundary over one linear memory. Its
// methods are the exports listed in [Exports]; each runs to completion and
// reports failures as a Status instead of aborting.
//
// Calls are serialized. Handles are still the caller's to coordinate: a
// handle disposed by one caller is stale for every other caller.
type Instance struct {
	mu sync.Mutex

	alloc    *memory.Allocator
	buf      *buffer.Marshaler
	patterns *Patterns

	prefix       string
	targetPolicy buffer.Policy
	logger       log.Logger
}

// Stats describes an instance's outstanding resources.
type Stats struct {
	Memory   memory.Stats
	Patterns int
}

// New returns an instance whose allocator manages mem.
func New(mem memory.Memory, opts ...Option) *Instance {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	alloc := memory.NewAllocator(mem, memory.WithBase(cfg.base))
	return &Instance{
		alloc:        alloc,
		buf:          buffer.NewMarshaler(alloc),
		patterns:     NewPatterns(cfg.engine),
		prefix:       cfg.prefix,
		targetPolicy: cfg.targetPolicy,
		logger:       cfg.logger,
	}
}

// Memory returns the linear memory the instance allocates from.
func (i *Instance) Memory() memory.Memory {
	return i.alloc.Memory()
}

// Stats reports live allocations and live patterns.
func (i *Instance) Stats() Stats {
	return Stats{
		Memory:   i.alloc.Stats(),
		Patterns: i.patterns.Live(),
	}
}

// Alloc reserves size bytes for the caller and returns their offset, or 0
// when size is 0 or memory is exhausted.
func (i *Instance) Alloc(size uint32) uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()

	ptr, err := i.alloc.Alloc(size)
	if err != nil {
		level.Warn(i.logger).Log("msg", "allocation failed", "size", size, "err", err)
		return 0
	}
	return ptr
}

// Dealloc takes back memory from the caller. size must match the size the
// memory was allocated with.
func (i *Instance) Dealloc(ptr, size uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.report("dealloc", i.alloc.Free(ptr, size))
}

// CompilePattern consumes the UTF-8 expression at (ptr, length), compiles
// it and writes the new handle to outHandle.
func (i *Instance) CompilePattern(ptr, length, outHandle uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	view, release, err := i.buf.View(buffer.Raw{Ptr: ptr, Len: length}, buffer.Consumed, buffer.Strict)
	var h handle.Handle
	if err == nil {
		h, err = i.patterns.Compile(view)
	}
	if rerr := release(); err == nil {
		err = rerr
	}
	if err == nil {
		err = i.buf.PutU32(outHandle, uint32(h))
	}
	if err != nil && h != 0 {
		_ = i.patterns.Dispose(h)
	}
	return i.report("compile_pattern", err)
}

// MatchCount borrows both the pattern behind h and the target at
// (ptr, length) and writes the number of matches to outCount.
func (i *Instance) MatchCount(h, ptr, length, outCount uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	view, release, err := i.buf.View(buffer.Raw{Ptr: ptr, Len: length}, buffer.Borrowed, i.targetPolicy)
	var n int
	if err == nil {
		n, err = i.patterns.Count(handle.Handle(h), view)
	}
	_ = release()
	if err == nil {
		err = i.buf.PutU32(outCount, clampU32(n))
	}
	return i.report("match_count", err)
}

// DisposePattern consumes h.
func (i *Instance) DisposePattern(h uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.report("dispose_pattern", i.patterns.Dispose(handle.Handle(h)))
}

// StringLen borrows (ptr, length) and writes its code point count to outLen.
func (i *Instance) StringLen(ptr, length, outLen uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	view, release, err := i.buf.View(buffer.Raw{Ptr: ptr, Len: length}, buffer.Borrowed, buffer.Strict)
	var n int
	if err == nil {
		n, err = StringLen(view, buffer.Unchecked)
	}
	_ = release()
	if err == nil {
		err = i.buf.PutU32(outLen, clampU32(n))
	}
	return i.report("string_len", err)
}

// Prepend consumes (ptr, length) and writes to outStr a pointer to a new
// NUL-terminated string holding the prefix followed by the input. The
// caller owns the result and frees it with its length plus one.
func (i *Instance) Prepend(ptr, length, outStr uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	text, err := i.buf.Text(buffer.Raw{Ptr: ptr, Len: length}, buffer.Consumed, buffer.Strict)
	if err != nil {
		return i.report("prepend", err)
	}
	out := i.prefix + text
	cstr, err := i.buf.ExportCString(out)
	if err != nil {
		return i.report("prepend", err)
	}
	if err := i.buf.PutU32(outStr, cstr); err != nil {
		_ = i.alloc.Free(cstr, uint32(len(out)+1))
		return i.report("prepend", err)
	}
	return StatusOK
}

// AllocStats writes the live allocation count and live byte count to two
// consecutive u32 slots at out.
func (i *Instance) AllocStats(out uint32) Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	// both slots or neither; out+4 must not wrap to the bottom of memory
	if out > math.MaxUint32-8 {
		return i.report("alloc_stats", buffer.ErrOutOfBounds)
	}
	s := i.alloc.Stats()
	err := i.buf.PutU32(out, clampU32(s.LiveAllocations))
	if err == nil {
		err = i.buf.PutU32(out+4, uint32(min(s.LiveBytes, math.MaxUint32)))
	}
	return i.report("alloc_stats", err)
}

func (i *Instance) report(export string, err error) Status {
	status := StatusOf(err)
	if err != nil {
		level.Debug(i.logger).Log("msg", "call rejected", "export", export, "status", status, "err", err)
	}
	return status
}

func clampU32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}
