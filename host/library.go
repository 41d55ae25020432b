package host

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/memory"
)

var (
	ErrClosed      = errors.New("library closed")
	ErrUnsupported = errors.New("not supported by this callee")
)

// Library is the caller side of the boundary: it writes UTF-8 into callee
// memory, invokes exports, reads results back and frees what it was
// handed. Calls are serialized.
type Library struct {
	exports Exports
	cfg     libraryConfig

	mu       sync.Mutex
	scratch  uint32 // two u32 out-parameter slots
	patterns map[uint32]*Pattern
	targets  map[*Target]struct{}
	closed   bool
}

// Stats reports the callee's allocator and what the library holds open.
type Stats struct {
	LiveAllocations uint32
	LiveBytes       uint32
	Patterns        int
	Targets         int
}

// Pattern is a compiled pattern living in the callee.
type Pattern struct {
	lib    *Library
	handle uint32
	expr   string
}

// Target is UTF-8 text written once into callee memory and borrowed by
// every count against it.
type Target struct {
	lib *Library
	raw buffer.Raw
}

// NewLibrary wraps exp. The library owns exp and closes it on Close.
func NewLibrary(ctx context.Context, exp Exports, opts ...Option) (*Library, error) {
	cfg := defaultLibraryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Library{
		exports:  exp,
		cfg:      cfg,
		patterns: make(map[uint32]*Pattern),
		targets:  make(map[*Target]struct{}),
	}

	if exp.Dialect() == DialectStatus {
		ptr, err := l.alloc(ctx, 8)
		if err != nil {
			return nil, errors.Wrap(err, "allocate out-parameters")
		}
		l.scratch = ptr
	}
	return l, nil
}

// Dialect reports the calling convention of the callee.
func (l *Library) Dialect() Dialect {
	return l.exports.Dialect()
}

// Compile compiles expr in the callee. The expression buffer is consumed
// by the callee, also when compilation fails.
func (l *Library) Compile(ctx context.Context, expr string) (*Pattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	raw, err := l.export(ctx, []byte(expr))
	if err != nil {
		return nil, err
	}

	var h uint32
	if l.Dialect() == DialectLegacy {
		h, err = l.call(ctx, abi.ExportCompilePattern, raw.Ptr, raw.Len)
	} else {
		err = l.callStatus(ctx, abi.ExportCompilePattern, raw.Ptr, raw.Len, l.scratch)
		if err == nil {
			h, err = l.readScratch(0)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "compile %q", expr)
	}

	p := &Pattern{lib: l, handle: h, expr: expr}
	l.patterns[h] = p
	return p, nil
}

// PrepareTarget copies text into callee memory for repeated counting.
func (l *Library) PrepareTarget(ctx context.Context, text string) (*Target, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	raw, err := l.export(ctx, []byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "prepare target")
	}
	t := &Target{lib: l, raw: raw}
	l.targets[t] = struct{}{}
	return t, nil
}

// StringLength counts the Unicode code points of s in the callee.
func (l *Library) StringLength(ctx context.Context, s string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	raw, err := l.export(ctx, []byte(s))
	if err != nil {
		return 0, err
	}
	// borrowed either way
	defer l.free(ctx, raw)

	var n uint32
	if l.Dialect() == DialectLegacy {
		n, err = l.call(ctx, abi.ExportStringLen, raw.Ptr, raw.Len)
	} else {
		err = l.callStatus(ctx, abi.ExportStringLen, raw.Ptr, raw.Len, l.scratch)
		if err == nil {
			n, err = l.readScratch(0)
		}
	}
	if err != nil {
		return 0, errors.Wrap(err, "string length")
	}
	return int(n), nil
}

// Prepend has the callee put its prefix in front of s. The NUL-terminated
// result is read and then freed with its length plus one.
func (l *Library) Prepend(ctx context.Context, s string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}

	raw, err := l.export(ctx, []byte(s))
	if err != nil {
		return "", err
	}

	var cstr uint32
	if l.Dialect() == DialectLegacy {
		cstr, err = l.call(ctx, LegacyPrepend, raw.Ptr, raw.Len)
	} else {
		err = l.callStatus(ctx, abi.ExportPrepend, raw.Ptr, raw.Len, l.scratch)
		if err == nil {
			cstr, err = l.readScratch(0)
		}
	}
	if err != nil {
		return "", errors.Wrap(err, "prepend")
	}

	out, err := buffer.CString(l.exports.Memory(), cstr)
	if err != nil {
		return "", errors.Wrap(err, "read prepend result")
	}
	if err := l.dealloc(ctx, cstr, uint32(len(out)+1)); err != nil {
		return "", errors.Wrap(err, "free prepend result")
	}
	return out, nil
}

// Stats asks the callee for its allocator counters.
func (l *Library) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Stats{}, ErrClosed
	}

	s := Stats{Patterns: len(l.patterns), Targets: len(l.targets)}
	if l.Dialect() == DialectLegacy {
		return s, ErrUnsupported
	}
	if err := l.callStatus(ctx, abi.ExportAllocStats, l.scratch); err != nil {
		return s, errors.Wrap(err, "alloc stats")
	}
	var err error
	if s.LiveAllocations, err = l.readScratch(0); err != nil {
		return s, err
	}
	if s.LiveBytes, err = l.readScratch(1); err != nil {
		return s, err
	}
	return s, nil
}

// Memory returns the callee's linear memory.
func (l *Library) Memory() memory.Memory {
	return l.exports.Memory()
}

// Close disposes every open pattern, frees every open target and closes
// the callee.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for h := range l.patterns {
		if err := l.dispose(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	for t := range l.targets {
		l.free(ctx, t.raw)
		delete(l.targets, t)
	}
	if l.scratch != 0 {
		if err := l.dealloc(ctx, l.scratch, 8); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.exports.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Handle returns the callee's handle for p.
func (p *Pattern) Handle() uint32 {
	return p.handle
}

func (p *Pattern) String() string {
	return p.expr
}

// MatchCount counts the matches of p in t. Both stay usable.
func (p *Pattern) MatchCount(ctx context.Context, t *Target) (int, error) {
	l := p.lib
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if t.lib != l {
		return 0, errors.New("target belongs to another library")
	}
	return l.count(ctx, p.handle, t.raw)
}

// MatchString counts the matches of p in s.
func (p *Pattern) MatchString(ctx context.Context, s string) (int, error) {
	l := p.lib
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	raw, err := l.export(ctx, []byte(s))
	if err != nil {
		return 0, err
	}
	defer l.free(ctx, raw)
	return l.count(ctx, p.handle, raw)
}

// Close disposes p. Using p afterwards fails with a stale handle error.
func (p *Pattern) Close(ctx context.Context) error {
	l := p.lib
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.patterns[p.handle] != p {
		return nil
	}
	return l.dispose(ctx, p.handle)
}

// Len returns the size of the target in bytes.
func (t *Target) Len() int {
	return int(t.raw.Len)
}

// Close frees the target in the callee.
func (t *Target) Close(ctx context.Context) error {
	l := t.lib
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if _, ok := l.targets[t]; !ok {
		return nil
	}
	delete(l.targets, t)
	if t.raw.Len == 0 {
		return nil
	}
	return l.dealloc(ctx, t.raw.Ptr, t.raw.Len)
}

func (l *Library) count(ctx context.Context, h uint32, raw buffer.Raw) (int, error) {
	var n uint32
	var err error
	if l.Dialect() == DialectLegacy {
		n, err = l.call(ctx, abi.ExportMatchCount, h, raw.Ptr, raw.Len)
	} else {
		err = l.callStatus(ctx, abi.ExportMatchCount, h, raw.Ptr, raw.Len, l.scratch)
		if err == nil {
			n, err = l.readScratch(0)
		}
	}
	if err != nil {
		return 0, errors.Wrap(err, "match count")
	}
	return int(n), nil
}

func (l *Library) dispose(ctx context.Context, h uint32) error {
	var err error
	if l.Dialect() == DialectLegacy {
		_, err = l.invoke(ctx, abi.ExportDisposePattern, uint64(h))
	} else {
		err = l.callStatus(ctx, abi.ExportDisposePattern, h)
	}
	if err == nil {
		delete(l.patterns, h)
	}
	return errors.Wrap(err, "dispose pattern")
}

// export allocates callee memory for b and copies it in. Empty input is the
// null buffer and needs no allocation.
func (l *Library) export(ctx context.Context, b []byte) (buffer.Raw, error) {
	if len(b) == 0 {
		return buffer.Raw{}, nil
	}
	ptr, err := l.alloc(ctx, uint32(len(b)))
	if err != nil {
		return buffer.Raw{}, err
	}
	if !l.exports.Memory().Write(ptr, b) {
		_ = l.dealloc(ctx, ptr, uint32(len(b)))
		return buffer.Raw{}, buffer.ErrOutOfBounds
	}
	return buffer.Raw{Ptr: ptr, Len: uint32(len(b))}, nil
}

func (l *Library) free(ctx context.Context, raw buffer.Raw) {
	if raw.Len == 0 {
		return
	}
	if err := l.dealloc(ctx, raw.Ptr, raw.Len); err != nil {
		level.Warn(l.cfg.logger).Log("msg", "free failed", "ptr", raw.Ptr, "size", raw.Len, "err", err)
	}
}

func (l *Library) alloc(ctx context.Context, size uint32) (uint32, error) {
	ptr, err := l.call(ctx, abi.ExportAlloc, size)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, errors.Wrapf(memory.ErrOutOfMemory, "alloc %d bytes", size)
	}
	return ptr, nil
}

func (l *Library) dealloc(ctx context.Context, ptr, size uint32) error {
	if l.Dialect() == DialectLegacy {
		_, err := l.invoke(ctx, abi.ExportDealloc, uint64(ptr), uint64(size))
		return err
	}
	return l.callStatus(ctx, abi.ExportDealloc, ptr, size)
}

// call invokes an export returning one i32.
func (l *Library) call(ctx context.Context, name string, params ...uint32) (uint32, error) {
	p := make([]uint64, len(params))
	for i, v := range params {
		p[i] = uint64(v)
	}
	res, err := l.invoke(ctx, name, p...)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, errors.Errorf("%s returned %d results", name, len(res))
	}
	return uint32(res[0]), nil
}

// callStatus invokes an export returning a status and maps it to an error
// matching the abi sentinels.
func (l *Library) callStatus(ctx context.Context, name string, params ...uint32) error {
	res, err := l.call(ctx, name, params...)
	if err != nil {
		return err
	}
	status := abi.Status(int32(res))
	l.cfg.metrics.observeStatus(name, status)
	if err := status.Err(); err != nil {
		level.Debug(l.cfg.logger).Log("msg", "call failed", "export", name, "status", status)
		return errors.Wrap(err, name)
	}
	return nil
}

func (l *Library) invoke(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := l.exports.Call(ctx, name, params...)
	l.cfg.metrics.observeCall(name, time.Since(start), err)
	if err != nil {
		level.Warn(l.cfg.logger).Log("msg", "call trapped", "export", name, "err", err)
	}
	return res, err
}

func (l *Library) readScratch(slot uint32) (uint32, error) {
	b, ok := l.exports.Memory().Read(l.scratch+4*slot, 4)
	if !ok {
		return 0, buffer.ErrOutOfBounds
	}
	return binary.LittleEndian.Uint32(b), nil
}
