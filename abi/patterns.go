package abi

import (
	"fmt"
	"unicode/utf8"

	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/handle"
)

// Patterns owns compiled patterns on the callee side and hands out opaque
// handles for them. It works on plain byte slices so every boundary flavour
// (linear memory, wasm guest, C heap) shares the same handle semantics.
type Patterns struct {
	engine engine.Engine
	table  *handle.Table[engine.Pattern]
}

func NewPatterns(e engine.Engine) *Patterns {
	if e == nil {
		e = engine.Default()
	}
	return &Patterns{
		engine: e,
		table:  handle.NewTable[engine.Pattern](),
	}
}

// Engine returns the engine patterns are compiled with.
func (p *Patterns) Engine() engine.Engine {
	return p.engine
}

// Compile validates expr as UTF-8, compiles it and returns a handle that
// stays valid until Dispose. expr is not retained.
func (p *Patterns) Compile(expr []byte) (handle.Handle, error) {
	if !utf8.Valid(expr) {
		return 0, buffer.ErrInvalidUTF8
	}
	pat, err := p.engine.Compile(string(expr))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return p.table.Insert(pat)
}

// Count borrows the pattern behind h and counts its matches in target. The
// handle stays owned by the caller.
func (p *Patterns) Count(h handle.Handle, target []byte) (int, error) {
	pat, err := p.table.Get(h)
	if err != nil {
		return 0, err
	}
	return pat.Count(target)
}

// Dispose destroys the pattern behind h. Later uses of h fail with
// handle.ErrStale.
func (p *Patterns) Dispose(h handle.Handle) error {
	_, err := p.table.Remove(h)
	return err
}

// Live returns the number of patterns not yet disposed.
func (p *Patterns) Live() int {
	return p.table.Len()
}

// StringLen counts the Unicode code points in b.
func StringLen(b []byte, policy buffer.Policy) (int, error) {
	if policy == buffer.Strict && !utf8.Valid(b) {
		return 0, buffer.ErrInvalidUTF8
	}
	return utf8.RuneCount(b), nil
}

// PrependText returns prefix followed by b, validated as UTF-8.
func PrependText(prefix string, b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", buffer.ErrInvalidUTF8
	}
	return prefix + string(b), nil
}
