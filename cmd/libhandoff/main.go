// Command libhandoff builds the callee as a C shared library:
//
//	go build -buildmode=c-shared -o libhandoff.so ./cmd/libhandoff
//
// Every function but handoff_alloc returns a status code (0 on success) and
// writes its result through the last pointer argument. Buffers passed to
// handoff_compile_pattern and handoff_prepend must come from handoff_alloc
// and are freed by the call. Pattern handles are table indices, never Go
// pointers.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/caffeineduck/handoff/buffer"
)

type cHeap struct{}

func (cHeap) Malloc(size uintptr) unsafe.Pointer {
	return C.malloc(C.size_t(size))
}

func (cHeap) Free(p unsafe.Pointer) {
	C.free(p)
}

var lib = defaultLibrary(cHeap{})

func main() {}

//export handoff_alloc
func handoff_alloc(size C.size_t) *C.uint8_t {
	return (*C.uint8_t)(lib.alloc(uintptr(size)))
}

//export handoff_dealloc
func handoff_dealloc(ptr *C.uint8_t, size C.size_t) C.int32_t {
	return C.int32_t(lib.dealloc(unsafe.Pointer(ptr), uintptr(size)))
}

//export handoff_compile_pattern
func handoff_compile_pattern(ptr *C.uint8_t, length C.size_t, outHandle *C.uint32_t) C.int32_t {
	return C.int32_t(lib.compilePattern(unsafe.Pointer(ptr), uintptr(length), (*uint32)(unsafe.Pointer(outHandle))))
}

//export handoff_match_count
func handoff_match_count(h C.uint32_t, ptr *C.uint8_t, length C.size_t, outCount *C.size_t) C.int32_t {
	return C.int32_t(lib.matchCount(uint32(h), unsafe.Pointer(ptr), uintptr(length), (*uintptr)(unsafe.Pointer(outCount))))
}

//export handoff_dispose_pattern
func handoff_dispose_pattern(h C.uint32_t) C.int32_t {
	return C.int32_t(lib.disposePattern(uint32(h)))
}

//export handoff_string_len
func handoff_string_len(ptr *C.uint8_t, length C.size_t, outLen *C.size_t) C.int32_t {
	return C.int32_t(lib.stringLen(unsafe.Pointer(ptr), uintptr(length), (*uintptr)(unsafe.Pointer(outLen))))
}

//export handoff_prepend
func handoff_prepend(ptr *C.uint8_t, length C.size_t, outStr **C.char) C.int32_t {
	return C.int32_t(lib.prepend(unsafe.Pointer(ptr), uintptr(length), (*unsafe.Pointer)(unsafe.Pointer(outStr))))
}

//export handoff_alloc_stats
func handoff_alloc_stats(outAllocations, outBytes *C.size_t) C.int32_t {
	if outAllocations == nil || outBytes == nil {
		return C.int32_t(lib.report("alloc_stats", buffer.ErrOutOfBounds))
	}
	n, b := lib.stats()
	*outAllocations, *outBytes = C.size_t(n), C.size_t(b)
	return 0
}
