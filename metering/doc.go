// Package metering rewrites WebAssembly modules so that guest execution is
// bounded by a gas counter.
//
// Instrument parses a module with the wippyai wasm package, decodes every
// function body into instructions, rejects malformed bytecode and
// instructions that are not allowed in a deterministic sandbox (floating
// point unless explicitly allowed, SIMD, atomics, tail calls), and injects a
// gas check at the start of every function body, every block and loop body,
// and after every branch or block end. The counter lives in a mutable i64
// global appended to the module's global index space and exported as
// GasGlobalExport, so function indices never shift. Guest code, initializers
// and exports may only name globals below that index; anything else is
// rejected as malformed. When a check finds fewer units than the block
// costs, the injected code sets the ExhaustedGlobalExport flag to 1 and
// traps.
//
// A start function is relocated: the start section is dropped and the
// function is exported as StartExport, so the host can run it after the
// counter has been set.
//
// Usage:
//
//	res, err := metering.Instrument(code, metering.Options{
//	    Schedule: metering.DefaultSchedule(),
//	})
//	if err != nil {
//	    return err
//	}
//	compiled, err := runtime.CompileModule(ctx, res.Code)
package metering
