package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/metering"
)

// Module is instrumented, compiled guest code bound to a memory ceiling.
// It is immutable and safe to execute concurrently; every execution gets
// its own anonymous instance.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	hash     [sha256.Size]byte
	pages    uint32
	hasStart bool
	imports  []metering.Import
}

// Hash returns the sha256 of the code the module was compiled from
func (m *Module) Hash() [sha256.Size]byte {
	return m.hash
}

// Pages returns the page ceiling the module was compiled under
func (m *Module) Pages() uint32 {
	return m.pages
}

// Matches reports whether code is byte-identical to the compiled code.
func (m *Module) Matches(code []byte) bool {
	sum := sha256.Sum256(code)
	return bytes.Equal(sum[:], m.hash[:])
}

// Exports lists the function names the module exports
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names
}

// Close releases the runtime backing the module.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// checkImports verifies that the module only imports env functions present
// in imports.
func (m *Module) checkImports(imports HostImports) error {
	for _, imp := range m.imports {
		if imp.Module != HostModule {
			return &InstantiationError{Msg: fmt.Sprintf("unknown import module %q (%s.%s)", imp.Module, imp.Module, imp.Name)}
		}
		if imp.Kind != metering.ImportFunc {
			return &InstantiationError{Msg: fmt.Sprintf("import %s.%s is not a function", imp.Module, imp.Name)}
		}
		if _, ok := imports[imp.Name]; !ok {
			return &InstantiationError{Msg: fmt.Sprintf("unresolved import %s.%s", imp.Module, imp.Name)}
		}
	}
	return nil
}

// Compiler turns guest bytecode into Modules
type Compiler struct {
	logger  *zap.Logger
	metrics *Metrics
	backend string
	opts    metering.Options
	cache   wazero.CompilationCache
}

// CompilerOption defines a functional option for Compiler
type CompilerOption func(*Compiler)

// WithBackend selects the wazero compiler or interpreter
func WithBackend(backend string) CompilerOption {
	return func(c *Compiler) {
		c.backend = backend
	}
}

// WithAllowFloats accepts floating point instructions
func WithAllowFloats(allow bool) CompilerOption {
	return func(c *Compiler) {
		c.opts.AllowFloats = allow
	}
}

// WithSchedule sets the instruction gas schedule
func WithSchedule(s metering.Schedule) CompilerOption {
	return func(c *Compiler) {
		c.opts.Schedule = s
	}
}

// WithCompilerMetrics records compile durations and failures
func WithCompilerMetrics(m *Metrics) CompilerOption {
	return func(c *Compiler) {
		c.metrics = m
	}
}

// NewCompiler creates a Compiler. All runtimes it creates share one
// compilation cache.
func NewCompiler(logger *zap.Logger, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		logger:  logger,
		backend: BackendCompiler,
		opts:    metering.Options{Schedule: metering.DefaultSchedule()},
		cache:   wazero.NewCompilationCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the compilation cache
func (c *Compiler) Close(ctx context.Context) error {
	return c.cache.Close(ctx)
}

func (c *Compiler) runtimeConfig() wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	if c.backend == BackendInterpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	return cfg.
		WithCoreFeatures(api.CoreFeaturesV2.SetEnabled(api.CoreFeatureSIMD, false)).
		WithCompilationCache(c.cache)
}

// Compile instruments and compiles code under a memory ceiling of
// memoryLimit bytes. Failures are *CompileError; memory declarations above
// the ceiling wrap *LimitError.
func (c *Compiler) Compile(ctx context.Context, code []byte, memoryLimit uint64) (*Module, error) {
	start := time.Now()
	mod, err := c.compile(ctx, code, memoryLimit)
	c.metrics.observeCompile(time.Since(start), err)
	return mod, err
}

func (c *Compiler) compile(ctx context.Context, code []byte, memoryLimit uint64) (*Module, error) {
	res, err := metering.Instrument(code, c.opts)
	if err != nil {
		return nil, &CompileError{Msg: "invalid bytecode", Err: err}
	}

	limiter := NewMemoryLimiter(memoryLimit)
	for _, mem := range res.Memories {
		if mem.Imported {
			continue
		}
		if err := limiter.ValidateMemory(mem.Min, mem.Max); err != nil {
			return nil, &CompileError{Msg: "memory declaration rejected", Err: err}
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, c.runtimeConfig())
	compiled, err := rt.CompileModule(ctx, res.Code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &CompileError{Msg: "compilation failed", Err: err}
	}
	if err := instantiateDispatcher(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, &CompileError{Msg: "host module setup failed", Err: err}
	}

	mod := &Module{
		runtime:  rt,
		compiled: compiled,
		hash:     sha256.Sum256(code),
		pages:    limiter.Pages(),
		hasStart: res.HasStart,
		imports:  res.Imports,
	}
	c.logger.Debug("Compiled module",
		zap.String("hash", fmt.Sprintf("%x", mod.hash[:8])),
		zap.Uint32("pages", mod.pages),
		zap.Int("code_size", len(code)),
		zap.Int("instrumented_size", len(res.Code)),
		zap.String("backend", c.backend))
	return mod, nil
}
