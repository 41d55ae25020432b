package host

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/memory"
)

// Dialect is the calling convention a callee speaks.
type Dialect int

const (
	// DialectStatus returns a status from every fallible export and writes
	// results through out-pointers. See package abi.
	DialectStatus Dialect = iota
	// DialectLegacy returns results directly and traps on failure:
	// compile_pattern(ptr, len) -> handle, match_count(h, ptr, len) -> count,
	// string_len(ptr, len) -> count, prepend_from_rust(ptr, len) -> cstr.
	DialectLegacy
)

func (d Dialect) String() string {
	if d == DialectLegacy {
		return "legacy"
	}
	return "status"
}

// LegacyPrepend is the legacy name of the prepend export.
const LegacyPrepend = "prepend_from_rust"

// Exports is a callee whose exports can be called by name.
type Exports interface {
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	Memory() memory.Memory
	Dialect() Dialect
	Close(ctx context.Context) error
}

// InProcess serves inst without any WebAssembly in between.
func InProcess(inst *abi.Instance) Exports {
	return inProcess{inst}
}

type inProcess struct {
	*abi.Instance
}

func (inProcess) Dialect() Dialect { return DialectStatus }

func (inProcess) Close(context.Context) error { return nil }

// moduleExports calls into an instantiated wazero module.
type moduleExports struct {
	mod     api.Module
	dialect Dialect
	onClose func()
}

func (m *moduleExports) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := m.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.Errorf("module does not export %s", name)
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", name)
	}
	return res, nil
}

func (m *moduleExports) Memory() memory.Memory {
	return m.mod.Memory()
}

func (m *moduleExports) Dialect() Dialect {
	return m.dialect
}

func (m *moduleExports) Close(ctx context.Context) error {
	if m.onClose != nil {
		m.onClose()
	}
	return m.mod.Close(ctx)
}

// detectDialect inspects the exports of a loaded guest.
func detectDialect(mod api.Module) (Dialect, error) {
	for _, name := range []string{abi.ExportAlloc, abi.ExportDealloc} {
		if mod.ExportedFunction(name) == nil {
			return 0, errors.Errorf("guest does not export %s", name)
		}
	}
	if mod.Memory() == nil {
		return 0, errors.New("guest does not export its memory")
	}

	if fn := mod.ExportedFunction(abi.ExportCompilePattern); fn != nil {
		return dialectByArity(fn, 3, 2)
	}
	if mod.ExportedFunction(LegacyPrepend) != nil {
		return DialectLegacy, nil
	}
	if fn := mod.ExportedFunction(abi.ExportStringLen); fn != nil {
		return dialectByArity(fn, 3, 2)
	}
	return DialectStatus, nil
}

func dialectByArity(fn api.Function, status, legacy int) (Dialect, error) {
	def := fn.Definition()
	switch len(def.ParamTypes()) {
	case status:
		return DialectStatus, nil
	case legacy:
		return DialectLegacy, nil
	}
	return 0, errors.Errorf("%s takes %d params, expected %d or %d", def.Name(), len(def.ParamTypes()), status, legacy)
}
