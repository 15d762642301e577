// Package sandbox provides the WebAssembly execution engine.
//
// The sandbox package runs untrusted guest bytecode under a memory ceiling
// and a gas budget. Code is instrumented by the metering package, compiled
// with wazero into a reusable Module, and run through an Executor that
// builds the env host imports from a Provider, instantiates the module
// anonymously, invokes the entry point and packages the result.
//
// Guests export memory, allocate(size i32) -> i32 and an entry point
// execute(ptr i32, len i32) -> i64 returning its output region packed as
// ptr<<32 | len. Failures are reported as *CompileError,
// *InstantiationError, *ExecutionError or ErrOutOfGas.
//
// Usage:
//
//	compiler := sandbox.NewCompiler(logger)
//	executor, err := sandbox.NewExecutor(logger, compiler)
//	result, err := executor.Execute(ctx, provider, sandbox.Action{
//	    Code:        code,
//	    MemoryLimit: 16 << 20,
//	    GasLimit:    1_000_000,
//	    Input:       []byte("hello"),
//	})
package sandbox
