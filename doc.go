// Package handoff moves strings and compiled patterns across a
// WebAssembly-style boundary: UTF-8 is written into the callee's linear
// memory, results come back through out-pointers, and every byte the callee
// hands over is freed with the size it was allocated with.
//
// # Overview
//
// The callee side lives in [abi]: an allocator over linear memory
// ([memory]), ownership-aware buffer marshaling ([buffer]), and compiled
// patterns behind generation-tagged handles ([handle], [engine]). The
// caller side lives in [host], which reaches the callee natively through
// wazero, in-process, or inside any guest .wasm that exports the same ABI.
//
// # Basic Usage
//
//	rt, _ := host.New(host.WithDiskCache())
//	defer rt.Close()
//
//	exp, _ := rt.Native(ctx)
//	lib, _ := host.NewLibrary(ctx, exp)
//	defer lib.Close(ctx)
//
//	p, _ := lib.Compile(ctx, `[a-z]shing`)
//	defer p.Close(ctx)
//	n, _ := p.MatchString(ctx, "fishing and washing")  // 2
//
//	s, _ := lib.Prepend(ctx, "tester")  // "From Go: tester"
//
// # Guests
//
//	g, _ := host.GuestFile("handoff.wasm")
//	exp, _ := rt.Load(ctx, g)
//
// Guests speaking the older trap-on-error dialect are detected on load and
// driven the same way; see [host.Dialect].
//
// See the [host], [abi] and [memory] packages for detailed API
// documentation, and cmd/handoff for the command line tool.
package handoff
