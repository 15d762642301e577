package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/metering"
)

// Executor compiles, instantiates and runs actions
type Executor struct {
	logger     *zap.Logger
	compiler   *Compiler
	builder    *HostImportBuilder
	metrics    *Metrics
	hook       StateHook
	entryPoint string
	cacheSize  int
	cache      *moduleCache
	validate   *validator.Validate
}

var _ Engine = (*Executor)(nil)

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithEntryPoint sets the exported function invoked for each action
func WithEntryPoint(name string) ExecutorOption {
	return func(e *Executor) {
		e.entryPoint = name
	}
}

// WithHostImportBuilder sets the builder of per-execution env imports
func WithHostImportBuilder(b *HostImportBuilder) ExecutorOption {
	return func(e *Executor) {
		e.builder = b
	}
}

// WithStateHook observes execution state transitions
func WithStateHook(hook StateHook) ExecutorOption {
	return func(e *Executor) {
		e.hook = hook
	}
}

// WithMetrics records executions to m
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithCacheSize sets how many compiled modules are kept. Zero disables the
// cache.
func WithCacheSize(n int) ExecutorOption {
	return func(e *Executor) {
		e.cacheSize = n
	}
}

// NewExecutor creates an Executor around compiler.
func NewExecutor(logger *zap.Logger, compiler *Compiler, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		logger:     logger,
		compiler:   compiler,
		builder:    NewHostImportBuilder(WithHostLogger(logger)),
		entryPoint: DefaultEntryPoint,
		cacheSize:  64,
		validate:   validator.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.entryPoint == "" {
		return nil, fmt.Errorf("entry point must not be empty")
	}
	if e.cacheSize > 0 {
		cache, err := newModuleCache(e.cacheSize, logger, e.metrics)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	return e, nil
}

// Compiler returns the compiler used by the executor
func (e *Executor) Compiler() *Compiler {
	return e.compiler
}

// Close drops cached modules and the compilation cache.
func (e *Executor) Close(ctx context.Context) error {
	if e.cache != nil {
		e.cache.purge()
	}
	return e.compiler.Close(ctx)
}

// Execute runs a against p. The module is taken from the cache or compiled.
func (e *Executor) Execute(ctx context.Context, p Provider, a Action) (ResultData, error) {
	start := time.Now()
	if err := e.validate.Struct(a); err != nil {
		e.metrics.observeExecution(OutcomeCompileError, time.Since(start), 0)
		return ResultData{}, &CompileError{Msg: "invalid action", Err: err}
	}

	mod, release, err := e.module(ctx, a.Code, a.MemoryLimit)
	if err != nil {
		e.metrics.observeExecution(OutcomeCompileError, time.Since(start), 0)
		return ResultData{}, err
	}
	defer release()

	return e.run(ctx, p, mod, a, start)
}

// ExecuteModule runs a against p using a module compiled earlier. The
// module must match a.Code and its memory ceiling.
func (e *Executor) ExecuteModule(ctx context.Context, p Provider, mod *Module, a Action) (ResultData, error) {
	start := time.Now()
	if !mod.Matches(a.Code) {
		return ResultData{}, &CompileError{Msg: "module was compiled from different code"}
	}
	if pages := PagesFor(a.MemoryLimit); pages != mod.pages {
		return ResultData{}, &CompileError{Msg: fmt.Sprintf("module compiled for %d pages, action allows %d", mod.pages, pages)}
	}
	return e.run(ctx, p, mod, a, start)
}

func (e *Executor) module(ctx context.Context, code []byte, memoryLimit uint64) (*Module, func(), error) {
	if e.cache == nil {
		mod, err := e.compiler.Compile(ctx, code, memoryLimit)
		if err != nil {
			return nil, nil, err
		}
		return mod, func() { _ = mod.Close(context.Background()) }, nil
	}

	key := cacheKey{hash: sha256.Sum256(code), pages: PagesFor(memoryLimit)}
	if mod, release, ok := e.cache.acquire(key); ok {
		return mod, release, nil
	}
	mod, err := e.compiler.Compile(ctx, code, memoryLimit)
	if err != nil {
		return nil, nil, err
	}
	mod, release := e.cache.add(key, mod)
	return mod, release, nil
}

func (e *Executor) run(ctx context.Context, p Provider, mod *Module, a Action, start time.Time) (ResultData, error) {
	id := uuid.NewString()
	logger := e.logger.With(zap.String("execution_id", id))
	tr := newTracker(id, e.hook)

	imports := e.builder.Build(p)
	if err := mod.checkImports(imports); err != nil {
		e.finish(logger, OutcomeInstantiationError, start, 0, err)
		return ResultData{}, err
	}

	limiter := NewMemoryLimiter(a.MemoryLimit)
	caller := e.builder.newCaller(id, p, imports)
	callCtx := withCaller(ctx, caller)
	callCtx = experimental.WithMemoryAllocator(callCtx, limiter)

	inst, err := mod.runtime.InstantiateModule(callCtx, mod.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		ierr := &InstantiationError{Msg: "instantiation failed", Err: err}
		e.finish(logger, OutcomeInstantiationError, start, 0, ierr)
		return ResultData{}, ierr
	}
	defer inst.Close(ctx)

	entry, err := e.bind(caller, inst)
	if err != nil {
		e.finish(logger, OutcomeInstantiationError, start, 0, err)
		return ResultData{}, err
	}
	if err := tr.transition(StateInstantiated); err != nil {
		return ResultData{}, err
	}

	caller.gas.Set(a.GasLimit)
	if err := tr.transition(StateRunning); err != nil {
		return ResultData{}, err
	}

	data, err := e.invoke(callCtx, caller, inst, mod, entry, a.Input)
	if err != nil {
		return ResultData{}, e.fail(logger, tr, caller, limiter, start, a.GasLimit, err)
	}

	if err := tr.transition(StateCompleted); err != nil {
		return ResultData{}, err
	}
	res := ResultData{GasLeft: caller.GasLeft(), Data: data}
	used := a.GasLimit - res.GasLeft
	e.finish(logger, OutcomeCompleted, start, used, nil)
	return res, nil
}

// bind resolves the exports the ABI requires.
func (e *Executor) bind(c *Caller, inst api.Module) (api.Function, error) {
	gas, ok := inst.ExportedGlobal(metering.GasGlobalExport).(api.MutableGlobal)
	if !ok {
		return nil, &InstantiationError{Msg: "gas counter not exported"}
	}
	exhausted, ok := inst.ExportedGlobal(metering.ExhaustedGlobalExport).(api.MutableGlobal)
	if !ok {
		return nil, &InstantiationError{Msg: "gas flag not exported"}
	}
	c.gas, c.exhausted = gas, exhausted

	c.mem = inst.ExportedMemory(MemoryExport)
	if c.mem == nil {
		return nil, &InstantiationError{Msg: fmt.Sprintf("missing %s export", MemoryExport)}
	}
	c.allocate = inst.ExportedFunction(AllocateExport)
	if c.allocate == nil {
		return nil, &InstantiationError{Msg: fmt.Sprintf("missing %s export", AllocateExport)}
	}
	entry := inst.ExportedFunction(e.entryPoint)
	if entry == nil {
		return nil, &InstantiationError{Msg: fmt.Sprintf("missing entry point %q", e.entryPoint)}
	}
	def := entry.Definition()
	if !sameTypes(def.ParamTypes(), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}) ||
		!sameTypes(def.ResultTypes(), []api.ValueType{api.ValueTypeI64}) {
		return nil, &InstantiationError{Msg: fmt.Sprintf("entry point %q must have type (i32, i32) -> i64", e.entryPoint)}
	}
	return entry, nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// invoke runs the relocated start function, passes input and calls the
// entry point. The returned region is copied out of guest memory.
func (e *Executor) invoke(ctx context.Context, c *Caller, inst api.Module, mod *Module, entry api.Function, input []byte) ([]byte, error) {
	if mod.hasStart {
		start := inst.ExportedFunction(metering.StartExport)
		if start == nil {
			return nil, fmt.Errorf("start function not exported")
		}
		if _, err := start.Call(ctx); err != nil {
			return nil, err
		}
	}

	var ptr, length uint32
	if len(input) > 0 {
		p, err := c.alloc(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		if err := c.Write(p, input); err != nil {
			return nil, err
		}
		ptr, length = p, uint32(len(input))
	}

	results, err := entry.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(length))
	if err != nil {
		return nil, err
	}
	outPtr, outLen := UnpackPtrLen(results[0])
	mem := c.mem
	if uint64(outPtr)+uint64(outLen) > uint64(mem.Size()) {
		return nil, fmt.Errorf("%w: output [%d, %d)", ErrMemoryAccess, outPtr, uint64(outPtr)+uint64(outLen))
	}
	out := make([]byte, outLen)
	if outLen > 0 {
		view, ok := mem.Read(outPtr, outLen)
		if !ok {
			return nil, fmt.Errorf("%w: output [%d, %d)", ErrMemoryAccess, outPtr, uint64(outPtr)+uint64(outLen))
		}
		copy(out, view)
	}
	return out, nil
}

// fail classifies an error raised while running guest code.
func (e *Executor) fail(logger *zap.Logger, tr *tracker, c *Caller, limiter *MemoryLimiter, start time.Time, gasLimit uint64, err error) error {
	if c.outOfGas() || errors.Is(err, ErrOutOfGas) {
		_ = tr.transition(StateOutOfGas)
		e.finish(logger, OutcomeOutOfGas, start, gasLimit, ErrOutOfGas)
		return ErrOutOfGas
	}
	_ = tr.transition(StateTrapped)
	execErr := &ExecutionError{Msg: "guest trapped", Err: err}
	if limiter.Denied() > 0 {
		execErr.Limit = limiter.LastDenied()
	}
	e.finish(logger, OutcomeTrapped, start, 0, execErr)
	return execErr
}

func (e *Executor) finish(logger *zap.Logger, outcome string, start time.Time, gasUsed uint64, err error) {
	d := time.Since(start)
	e.metrics.observeExecution(outcome, d, gasUsed)
	if err != nil {
		logger.Info("Execution failed",
			zap.String("outcome", outcome),
			zap.Duration("duration", d),
			zap.Error(err))
		return
	}
	logger.Debug("Execution completed",
		zap.Duration("duration", d),
		zap.Uint64("gas_used", gasUsed))
}
