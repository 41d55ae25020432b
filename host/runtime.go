package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/internal/wasmgen"
)

// HostModule is the import module name native exports are registered under.
const HostModule = "handoff"

const trampolineName = "handoff:trampoline"

// Runtime manages a wazero runtime, compiled module caching and the native
// host module.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	logger   log.Logger
	maxPages uint32
	mu       sync.RWMutex
	closed   bool

	nativeMu sync.RWMutex
	natives  map[string]*abi.Instance
	seq      atomic.Uint64
}

// New creates a Runtime with WASI and the native host module instantiated.
func New(opts ...RuntimeOption) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, errors.Wrap(err, "create disk cache")
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	r := &Runtime{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		logger:   cfg.logger,
		maxPages: cfg.memoryLimitPages,
		natives:  make(map[string]*abi.Instance),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		r.Close()
		return nil, errors.Wrap(err, "instantiate WASI")
	}
	if err := r.instantiateHostModule(ctx); err != nil {
		r.Close()
		return nil, errors.Wrap(err, "instantiate host module")
	}

	for _, g := range cfg.precompile {
		if _, err := r.getCompiled(ctx, g); err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "precompile %s", g.Name())
		}
	}

	return r, nil
}

func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	b := r.runtime.NewHostModuleBuilder(HostModule)
	for _, e := range abi.Exports {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(r.forward(e), i32s(len(e.Params)), i32s(1)).
			WithParameterNames(e.Params...).
			Export(e.Name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

// forward serves e for whichever trampoline module is calling.
func (r *Runtime) forward(e abi.Export) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		r.nativeMu.RLock()
		inst := r.natives[mod.Name()]
		r.nativeMu.RUnlock()
		if inst == nil {
			panic(fmt.Errorf("%s called from unknown module %q", e.Name, mod.Name()))
		}

		params := make([]uint32, len(e.Params))
		for i := range params {
			params[i] = api.DecodeU32(stack[i])
		}
		stack[0] = api.EncodeU32(e.Invoke(inst, params))
	}
}

func i32s(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

// trampoline forwards every abi export to the host module.
func (r *Runtime) trampoline() Guest {
	funcs := make([]wasmgen.Func, len(abi.Exports))
	for i, e := range abi.Exports {
		funcs[i] = wasmgen.Func{Name: e.Name, Params: len(e.Params)}
	}
	bin := wasmgen.Trampoline{
		Module:       HostModule,
		Funcs:        funcs,
		MemoryExport: "memory",
		MinPages:     1,
		MaxPages:     r.maxPages,
	}.Encode()
	return GuestBytes(trampolineName, bin)
}

// Native serves a fresh abi.Instance through a generated guest module, so
// every call crosses wasm linear memory the way a real guest's would.
func (r *Runtime) Native(ctx context.Context, opts ...abi.Option) (Exports, error) {
	compiled, err := r.getCompiled(ctx, r.trampoline())
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("handoff-native-%d", r.seq.Add(1))
	mod, err := r.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		return nil, errors.Wrap(err, "instantiate native module")
	}

	opts = append([]abi.Option{abi.WithLogger(log.With(r.logger, "module", name))}, opts...)
	inst := abi.New(mod.Memory(), opts...)

	r.nativeMu.Lock()
	r.natives[name] = inst
	r.nativeMu.Unlock()

	level.Debug(r.logger).Log("msg", "native instance started", "module", name)
	return &moduleExports{
		mod:     mod,
		dialect: DialectStatus,
		onClose: func() {
			r.nativeMu.Lock()
			delete(r.natives, name)
			r.nativeMu.Unlock()
		},
	}, nil
}

// Load instantiates a guest exporting the boundary ABI and detects which
// dialect it speaks. Reactor guests have _initialize run first.
func (r *Runtime) Load(ctx context.Context, g Guest) (Exports, error) {
	compiled, err := r.getCompiled(ctx, g)
	if err != nil {
		return nil, err
	}

	mod, err := r.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions("_initialize").
			WithStderr(logWriter{level.Warn(log.With(r.logger, "guest", g.Name()))}))
	if err != nil {
		return nil, errors.Wrapf(err, "instantiate %s", g.Name())
	}

	dialect, err := detectDialect(mod)
	if err != nil {
		mod.Close(ctx)
		return nil, errors.Wrap(err, g.Name())
	}

	level.Debug(r.logger).Log("msg", "guest loaded", "guest", g.Name(), "dialect", dialect)
	return &moduleExports{mod: mod, dialect: dialect}, nil
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (r *Runtime) getCompiled(ctx context.Context, g Guest) (wazero.CompiledModule, error) {
	name := g.Name()

	r.mu.RLock()
	if compiled, ok := r.compiled[name]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("runtime closed")
	}
	if compiled, ok := r.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, g.Module())
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", name)
	}

	r.compiled[name] = compiled
	return compiled, nil
}

// Close releases all resources held by the Runtime, closing every module
// instantiated from it.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	ctx := context.Background()

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "handoff")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "handoff")
	}
	return filepath.Join(os.TempDir(), "handoff-cache")
}

// logWriter forwards guest stderr lines to a logger.
type logWriter struct {
	logger log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Log("stderr", string(p))
	return len(p), nil
}
