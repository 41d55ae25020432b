//go:build wasip1

// Command handoff-guest is the callee built as a WASI reactor, for hosts
// that load the boundary as a guest module instead of serving it natively:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o handoff.wasm ./cmd/handoff-guest
//	handoff match Twain book.txt --module handoff.wasm
//
// HANDOFF_PREFIX and HANDOFF_ENGINE in the guest's environment override the
// prepend prefix and the pattern engine.
package main

import (
	"os"

	"github.com/go-kit/log/level"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/internal/logging"
)

var inst *abi.Instance

func init() {
	logger, err := logging.New(os.Stderr, "warn", "logfmt")
	if err != nil {
		panic(err)
	}

	opts := []abi.Option{abi.WithLogger(logger), abi.WithHeapBase(heapBase())}
	if prefix, ok := os.LookupEnv("HANDOFF_PREFIX"); ok {
		opts = append(opts, abi.WithPrefix(prefix))
	}
	if name := os.Getenv("HANDOFF_ENGINE"); name != "" {
		e, err := engine.ByName(name)
		if err != nil {
			level.Error(logger).Log("msg", "ignoring HANDOFF_ENGINE", "err", err)
		} else {
			opts = append(opts, abi.WithEngine(e))
		}
	}
	inst = abi.New(newArena(), opts...)
}

func main() {}

//go:wasmexport alloc
func alloc(size uint32) uint32 {
	return inst.Alloc(size)
}

//go:wasmexport dealloc
func dealloc(ptr, size uint32) int32 {
	return int32(inst.Dealloc(ptr, size))
}

//go:wasmexport compile_pattern
func compilePattern(ptr, length, outHandle uint32) int32 {
	return int32(inst.CompilePattern(ptr, length, outHandle))
}

//go:wasmexport match_count
func matchCount(h, ptr, length, outCount uint32) int32 {
	return int32(inst.MatchCount(h, ptr, length, outCount))
}

//go:wasmexport dispose_pattern
func disposePattern(h uint32) int32 {
	return int32(inst.DisposePattern(h))
}

//go:wasmexport string_len
func stringLen(ptr, length, outLen uint32) int32 {
	return int32(inst.StringLen(ptr, length, outLen))
}

//go:wasmexport prepend
func prepend(ptr, length, outStr uint32) int32 {
	return int32(inst.Prepend(ptr, length, outStr))
}

//go:wasmexport alloc_stats
func allocStats(out uint32) int32 {
	return int32(inst.AllocStats(out))
}
