//go:build cgo

package main

import (
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/handle"
	"github.com/caffeineduck/handoff/internal/logging"
	"github.com/caffeineduck/handoff/memory"
)

// heap is where caller-visible memory comes from.
type heap interface {
	Malloc(size uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// library is the callee behind the C exports. Every block it hands out is
// tracked with its size so frees can be checked the way the linear memory
// allocator checks them.
type library struct {
	mu       sync.Mutex
	heap     heap
	live     map[unsafe.Pointer]uintptr
	patterns *abi.Patterns
	prefix   string
	logger   log.Logger
}

func newLibrary(h heap, e engine.Engine, prefix string, logger log.Logger) *library {
	return &library{
		heap:     h,
		live:     make(map[unsafe.Pointer]uintptr),
		patterns: abi.NewPatterns(e),
		prefix:   prefix,
		logger:   logger,
	}
}

func (l *library) alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.heap.Malloc(size)
	if p == nil {
		level.Warn(l.logger).Log("msg", "allocation failed", "size", size)
		return nil
	}
	l.live[p] = size
	return p
}

func (l *library) dealloc(p unsafe.Pointer, size uintptr) abi.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.report("dealloc", l.free(p, size))
}

func (l *library) free(p unsafe.Pointer, size uintptr) error {
	got, ok := l.live[p]
	switch {
	case !ok:
		return memory.ErrInvalidPointer
	case got != size:
		return memory.ErrSizeMismatch
	}
	delete(l.live, p)
	l.heap.Free(p)
	return nil
}

// consume frees a buffer the callee took ownership of. The buffer is
// freed even when the call it was passed to fails.
func (l *library) consume(p unsafe.Pointer, size uintptr, err error) error {
	if size == 0 {
		return err
	}
	if ferr := l.free(p, size); err == nil {
		err = ferr
	}
	return err
}

func (l *library) compilePattern(p unsafe.Pointer, n uintptr, out *uint32) abi.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var h handle.Handle
	err := l.owned(p, n)
	if err == nil {
		h, err = l.patterns.Compile(view(p, n))
	}
	err = l.consume(p, n, err)
	if err == nil && out == nil {
		err = buffer.ErrOutOfBounds
	}
	if err != nil {
		if h != 0 {
			_ = l.patterns.Dispose(h)
		}
		return l.report("compile_pattern", err)
	}
	*out = uint32(h)
	return abi.StatusOK
}

func (l *library) matchCount(h uint32, p unsafe.Pointer, n uintptr, out *uintptr) abi.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if out == nil || (p == nil && n > 0) {
		return l.report("match_count", buffer.ErrOutOfBounds)
	}
	count, err := l.patterns.Count(handle.Handle(h), view(p, n))
	if err != nil {
		return l.report("match_count", err)
	}
	*out = uintptr(count)
	return abi.StatusOK
}

func (l *library) disposePattern(h uint32) abi.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.report("dispose_pattern", l.patterns.Dispose(handle.Handle(h)))
}

func (l *library) stringLen(p unsafe.Pointer, n uintptr, out *uintptr) abi.Status {
	if out == nil || (p == nil && n > 0) {
		return l.report("string_len", buffer.ErrOutOfBounds)
	}
	count, err := abi.StringLen(view(p, n), buffer.Strict)
	if err != nil {
		return l.report("string_len", err)
	}
	*out = uintptr(count)
	return abi.StatusOK
}

// prepend consumes (p, n) and hands back a NUL-terminated string the caller
// frees with handoff_dealloc and its length plus one.
func (l *library) prepend(p unsafe.Pointer, n uintptr, out *unsafe.Pointer) abi.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	var text string
	err := l.owned(p, n)
	if err == nil {
		text, err = abi.PrependText(l.prefix, view(p, n))
	}
	err = l.consume(p, n, err)
	if err == nil && strings.IndexByte(text, 0) >= 0 {
		err = buffer.ErrInteriorNUL
	}
	if err == nil && out == nil {
		err = buffer.ErrOutOfBounds
	}
	if err != nil {
		return l.report("prepend", err)
	}

	size := uintptr(len(text)) + 1
	cstr := l.heap.Malloc(size)
	if cstr == nil {
		return l.report("prepend", memory.ErrOutOfMemory)
	}
	dst := unsafe.Slice((*byte)(cstr), size)
	copy(dst, text)
	dst[len(text)] = 0
	l.live[cstr] = size
	*out = cstr
	return abi.StatusOK
}

// owned checks that (p, n) lies within a block the library handed out.
func (l *library) owned(p unsafe.Pointer, n uintptr) error {
	if n == 0 {
		return nil
	}
	size, ok := l.live[p]
	switch {
	case !ok:
		return memory.ErrInvalidPointer
	case size != n:
		return memory.ErrSizeMismatch
	}
	return nil
}

func (l *library) stats() (allocations, bytes uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, size := range l.live {
		allocations++
		bytes += size
	}
	return allocations, bytes
}

func (l *library) report(export string, err error) abi.Status {
	status := abi.StatusOf(err)
	if err != nil {
		level.Debug(l.logger).Log("msg", "call rejected", "export", export, "status", status, "err", err)
	}
	return status
}

func view(p unsafe.Pointer, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

func defaultLibrary(h heap) *library {
	logger := log.NewNopLogger()
	if lvl := os.Getenv("HANDOFF_LOG_LEVEL"); lvl != "" {
		l, err := logging.New(os.Stderr, lvl, "logfmt")
		if err == nil {
			logger = l
		}
	}

	e := engine.Default()
	if name := os.Getenv("HANDOFF_ENGINE"); name != "" {
		if named, err := engine.ByName(name); err == nil {
			e = named
		} else {
			level.Warn(logger).Log("msg", "ignoring HANDOFF_ENGINE", "err", err)
		}
	}

	prefix := abi.DefaultPrefix
	if v, ok := os.LookupEnv("HANDOFF_PREFIX"); ok {
		prefix = v
	}
	return newLibrary(h, e, prefix, logger)
}
