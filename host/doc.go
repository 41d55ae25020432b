// Package host is the caller side of the handoff boundary, built on
// wazero.
//
// # Overview
//
// A [Runtime] manages the wazero runtime, compiled module caching and a
// host module serving the native exports. It hands out [Exports]: a callee
// reachable by export name that owns a linear memory. A [Library] drives
// any Exports the way a foreign caller would: it writes UTF-8 into callee
// memory, calls the exports and frees whatever it was handed.
//
// # Basic Usage
//
//	rt, err := host.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	exp, err := rt.Native(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lib, err := host.NewLibrary(ctx, exp)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Close(ctx)
//
//	p, _ := lib.Compile(ctx, "Twain")
//	n, _ := p.MatchString(ctx, "Mark Twain")  // 1
//
// # Callees
//
// [Runtime.Native] serves an [abi.Instance] through a generated module whose
// exports forward to the host module, so calls go through wasm linear
// memory. [Runtime.Load] instantiates a guest binary, such as one built from
// cmd/handoff-guest, and detects its [Dialect]. [InProcess] skips wasm
// entirely.
//
// # Ownership
//
// Buffers passed to consuming exports (compile_pattern, prepend) are never
// freed by the library. Targets are borrowed and freed by [Target.Close].
// Prepend results are freed with their length plus one for the NUL.
package host
