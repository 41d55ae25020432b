// Package abi is the callee side of the handoff boundary: the allocator
// exports, the opaque pattern handles and the string helpers, all speaking
// the same i32 calling convention whether they are reached in-process,
// through a wazero host module, from a wasm guest or over cgo.
//
// # Calling convention
//
// Every parameter and result is an i32. alloc returns a pointer (0 on
// failure). Every other export returns a [Status] and writes its results
// through out-pointers the caller allocated:
//
//	alloc(size) -> ptr
//	dealloc(ptr, size) -> status
//	compile_pattern(ptr, len, out_handle) -> status      buffer consumed
//	match_count(handle, ptr, len, out_count) -> status   buffer borrowed
//	dispose_pattern(handle) -> status                    handle consumed
//	string_len(ptr, len, out_len) -> status              buffer borrowed
//	prepend(ptr, len, out_cstr) -> status                buffer consumed
//	alloc_stats(out) -> status
//
// A consumed buffer is freed by the callee on every path, so the caller
// must pass its exact allocated size and must not free it again. A borrowed
// buffer remains the caller's to free.
package abi

import (
	"context"
	"fmt"
)

// Export describes one entry point of the boundary.
type Export struct {
	Name   string
	Params []string
	call   func(i *Instance, p []uint32) uint32
}

// Invoke runs the export on i. len(params) must equal len(e.Params).
func (e Export) Invoke(i *Instance, params []uint32) uint32 {
	return e.call(i, params)
}

// Export names.
const (
	ExportAlloc          = "alloc"
	ExportDealloc        = "dealloc"
	ExportCompilePattern = "compile_pattern"
	ExportMatchCount     = "match_count"
	ExportDisposePattern = "dispose_pattern"
	ExportStringLen      = "string_len"
	ExportPrepend        = "prepend"
	ExportAllocStats     = "alloc_stats"
)

// Exports is the export table. It drives in-process dispatch, the wazero
// host module and the generated trampoline module alike.
var Exports = []Export{
	{ExportAlloc, []string{"size"}, func(i *Instance, p []uint32) uint32 {
		return i.Alloc(p[0])
	}},
	{ExportDealloc, []string{"ptr", "size"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.Dealloc(p[0], p[1]))
	}},
	{ExportCompilePattern, []string{"ptr", "len", "out_handle"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.CompilePattern(p[0], p[1], p[2]))
	}},
	{ExportMatchCount, []string{"handle", "ptr", "len", "out_count"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.MatchCount(p[0], p[1], p[2], p[3]))
	}},
	{ExportDisposePattern, []string{"handle"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.DisposePattern(p[0]))
	}},
	{ExportStringLen, []string{"ptr", "len", "out_len"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.StringLen(p[0], p[1], p[2]))
	}},
	{ExportPrepend, []string{"ptr", "len", "out_cstr"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.Prepend(p[0], p[1], p[2]))
	}},
	{ExportAllocStats, []string{"out"}, func(i *Instance, p []uint32) uint32 {
		return uint32(i.AllocStats(p[0]))
	}},
}

// Lookup returns the export named name.
func Lookup(name string) (Export, bool) {
	for _, e := range Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// Call dispatches an export by name with wasm-style uint64 parameters, so an
// Instance can stand in wherever a guest module's exports are expected.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no export named %q", name)
	}
	if len(params) != len(e.Params) {
		return nil, fmt.Errorf("%s: expected %d params, got %d", name, len(e.Params), len(params))
	}
	p := make([]uint32, len(params))
	for n, v := range params {
		p[n] = uint32(v)
	}
	return []uint64{uint64(e.Invoke(i, p))}, nil
}
