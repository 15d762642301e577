// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

// Value types.
const (
	I32 = wasm.ValI32
	I64 = wasm.ValI64
	F32 = wasm.ValF32
	F64 = wasm.ValF64
)

// Export kinds.
const (
	ExportFunc   = wasm.KindFunc
	ExportMemory = wasm.KindMemory
	ExportGlobal = wasm.KindGlobal
)

// Builder collects module entries and encodes them with wasm.Module.
type Builder struct {
	mod wasm.Module
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Module exposes the module under construction so tests can set fields
// the helpers do not cover.
func (b *Builder) Module() *wasm.Module {
	return &b.mod
}

// Type adds a function type and returns its index. Identical types are
// shared.
func (b *Builder) Type(params, results []wasm.ValType) uint32 {
	return b.mod.AddType(wasm.FuncType{Params: params, Results: results})
}

// ImportFunc imports a function and returns its function index. All
// imports must be added before any function is defined.
func (b *Builder) ImportFunc(module, name string, params, results []wasm.ValType) uint32 {
	if len(b.mod.Funcs) > 0 {
		panic("wasmtest: imports must precede function definitions")
	}
	t := b.Type(params, results)
	b.mod.Imports = append(b.mod.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: t},
	})
	return uint32(b.mod.NumImportedFuncs() - 1)
}

// ImportMemory imports a memory with the given minimum page count.
func (b *Builder) ImportMemory(module, name string, min uint32) {
	b.mod.Imports = append(b.mod.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc: wasm.ImportDesc{
			Kind:   wasm.KindMemory,
			Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: uint64(min)}},
		},
	})
}

// ImportGlobal imports an immutable global and returns its index.
func (b *Builder) ImportGlobal(module, name string, t wasm.ValType) uint32 {
	b.mod.Imports = append(b.mod.Imports, wasm.Import{
		Module: module,
		Name:   name,
		Desc:   wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: t}},
	})
	return uint32(b.mod.NumImportedGlobals() - 1)
}

// Func defines a function and returns its index. body must not include
// the final end opcode.
func (b *Builder) Func(params, results []wasm.ValType, locals []wasm.LocalEntry, body ...[]wasm.Instruction) uint32 {
	var flat []wasm.Instruction
	for _, part := range body {
		flat = append(flat, part...)
	}
	flat = append(flat, wasm.Instruction{Opcode: wasm.OpEnd})
	return b.RawFunc(params, results, locals, wasm.EncodeInstructions(flat))
}

// RawFunc defines a function from already encoded code, which must carry
// its own end opcode.
func (b *Builder) RawFunc(params, results []wasm.ValType, locals []wasm.LocalEntry, code []byte) uint32 {
	t := b.Type(params, results)
	b.mod.Funcs = append(b.mod.Funcs, t)
	b.mod.Code = append(b.mod.Code, wasm.FuncBody{Locals: locals, Code: code})
	return uint32(b.mod.NumImportedFuncs() + len(b.mod.Funcs) - 1)
}

// Memory declares a memory. max < 0 means no maximum.
func (b *Builder) Memory(min uint32, max int64) {
	lim := wasm.Limits{Min: uint64(min)}
	if max >= 0 {
		m := uint64(max)
		lim.Max = &m
	}
	b.mod.Memories = append(b.mod.Memories, wasm.MemoryType{Limits: lim})
}

// GlobalI32 declares a mutable i32 global and returns its index in the
// global index space.
func (b *Builder) GlobalI32(init int32) uint32 {
	b.mod.Globals = append(b.mod.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: ConstExpr(I32Const(init)),
	})
	return uint32(b.mod.NumImportedGlobals() + len(b.mod.Globals) - 1)
}

// Export exports an item by kind and index.
func (b *Builder) Export(name string, kind byte, idx uint32) {
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
}

// Start marks a function as the start function.
func (b *Builder) Start(idx uint32) {
	b.mod.Start = &idx
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset uint32, bytes []byte) {
	b.mod.Data = append(b.mod.Data, wasm.DataSegment{
		Offset: ConstExpr(I32Const(int32(offset))),
		Init:   bytes,
	})
}

// Custom adds a custom section.
func (b *Builder) Custom(name string, payload []byte) {
	b.mod.CustomSections = append(b.mod.CustomSections, wasm.CustomSection{Name: name, Data: payload})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	return b.mod.Encode()
}

// Locals declares count locals of type t.
func Locals(count uint32, t wasm.ValType) []wasm.LocalEntry {
	return []wasm.LocalEntry{{Count: count, ValType: t}}
}

// ConstExpr encodes an initializer expression terminated by end.
func ConstExpr(instrs []wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, wasm.Instruction{Opcode: wasm.OpEnd}))
}
