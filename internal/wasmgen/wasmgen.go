// Package wasmgen encodes small WebAssembly modules that forward their
// exports to host functions. A forwarding module owns a linear memory, so
// host functions reached through it see real guest memory.
package wasmgen

import (
	"bytes"
	"encoding/binary"
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	typeFunc = 0x60
	typeI32  = 0x7f

	kindFunc   = 0x00
	kindMemory = 0x02

	opLocalGet = 0x20
	opCall     = 0x10
	opEnd      = 0x0b
)

// Func is a forwarded function: Params i32 parameters and one i32 result.
// NoResult drops the result for exports that return nothing.
type Func struct {
	Name     string
	Params   int
	NoResult bool
}

// Trampoline describes a module importing each Func from Module and
// exporting it under the same name, plus its memory as MemoryExport.
type Trampoline struct {
	Module       string
	Funcs        []Func
	MemoryExport string
	// MinPages is the initial memory size. MaxPages of 0 leaves the memory
	// unbounded.
	MinPages uint32
	MaxPages uint32
}

// Encode returns the binary module.
func (t Trampoline) Encode() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	out.Write([]byte{0x01, 0x00, 0x00, 0x00})

	n := uint32(len(t.Funcs))

	// one type per function keeps indices aligned
	var types bytes.Buffer
	putU32(&types, n)
	for _, f := range t.Funcs {
		types.WriteByte(typeFunc)
		putU32(&types, uint32(f.Params))
		for range f.Params {
			types.WriteByte(typeI32)
		}
		if f.NoResult {
			putU32(&types, 0)
		} else {
			putU32(&types, 1)
			types.WriteByte(typeI32)
		}
	}
	section(&out, sectionType, types.Bytes())

	var imports bytes.Buffer
	putU32(&imports, n)
	for i, f := range t.Funcs {
		putName(&imports, t.Module)
		putName(&imports, f.Name)
		imports.WriteByte(kindFunc)
		putU32(&imports, uint32(i))
	}
	section(&out, sectionImport, imports.Bytes())

	var funcs bytes.Buffer
	putU32(&funcs, n)
	for i := range t.Funcs {
		putU32(&funcs, uint32(i))
	}
	section(&out, sectionFunction, funcs.Bytes())

	var mem bytes.Buffer
	putU32(&mem, 1)
	if t.MaxPages > 0 {
		mem.WriteByte(0x01)
		putU32(&mem, t.MinPages)
		putU32(&mem, t.MaxPages)
	} else {
		mem.WriteByte(0x00)
		putU32(&mem, t.MinPages)
	}
	section(&out, sectionMemory, mem.Bytes())

	var exports bytes.Buffer
	putU32(&exports, n+1)
	for i, f := range t.Funcs {
		putName(&exports, f.Name)
		exports.WriteByte(kindFunc)
		// imported functions come first in the index space
		putU32(&exports, n+uint32(i))
	}
	putName(&exports, t.MemoryExport)
	exports.WriteByte(kindMemory)
	putU32(&exports, 0)
	section(&out, sectionExport, exports.Bytes())

	var code bytes.Buffer
	putU32(&code, n)
	for i, f := range t.Funcs {
		var body bytes.Buffer
		putU32(&body, 0) // no locals
		for p := range f.Params {
			body.WriteByte(opLocalGet)
			putU32(&body, uint32(p))
		}
		body.WriteByte(opCall)
		putU32(&body, uint32(i))
		body.WriteByte(opEnd)

		putU32(&code, uint32(body.Len()))
		code.Write(body.Bytes())
	}
	section(&out, sectionCode, code.Bytes())

	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	putU32(out, uint32(len(payload)))
	out.Write(payload)
}

func putName(b *bytes.Buffer, s string) {
	putU32(b, uint32(len(s)))
	b.WriteString(s)
}

// putU32 writes v as unsigned LEB128.
func putU32(b *bytes.Buffer, v uint32) {
	var tmp [binary.MaxVarintLen32]byte
	b.Write(tmp[:binary.PutUvarint(tmp[:], uint64(v))])
}
