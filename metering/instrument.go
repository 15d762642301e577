package metering

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-runtime/wasm"
)

// Names exported by instrumented modules. Modules that already export any
// of them are rejected.
const (
	GasGlobalExport       = "__wasmbox_gas"
	ExhaustedGlobalExport = "__wasmbox_gas_exhausted"
	StartExport           = "__wasmbox_start"
)

// Import kinds as encoded in the import section.
const (
	ImportFunc   = wasm.KindFunc
	ImportTable  = wasm.KindTable
	ImportMemory = wasm.KindMemory
	ImportGlobal = wasm.KindGlobal
)

// Options configures Instrument.
type Options struct {
	// Schedule prices instructions. The zero value means DefaultSchedule.
	Schedule Schedule
	// AllowFloats accepts floating point instructions.
	AllowFloats bool
}

// Limits describes a memory declared or imported by a module, in pages.
type Limits struct {
	Min      uint32
	Max      *uint32
	Imported bool
}

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   byte
}

// Result is an instrumented module.
type Result struct {
	// Code is the rewritten binary.
	Code []byte
	// Memories lists imported memories followed by declared ones.
	Memories []Limits
	// Imports lists the import section in order.
	Imports []Import
	// HasStart is set when the module had a start function, now exported
	// as StartExport.
	HasStart bool
}

type instrumenter struct {
	opts Options
	mod  *wasm.Module

	// numGlobals is the size of the guest's own global index space.
	numGlobals uint32
	gasIndex   uint32
	flagIndex  uint32
}

// Instrument validates code and returns a copy with gas accounting
// injected. Errors wrap ErrMalformed or ErrDisallowed.
func Instrument(code []byte, opts Options) (*Result, error) {
	if opts.Schedule == (Schedule{}) {
		opts.Schedule = DefaultSchedule()
	}
	if err := opts.Schedule.Validate(); err != nil {
		return nil, err
	}

	mod, err := wasm.ParseModule(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := mod.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(mod.Code) != len(mod.Funcs) {
		return nil, fmt.Errorf("%w: function and code section counts differ: %d != %d",
			ErrMalformed, len(mod.Funcs), len(mod.Code))
	}

	in := &instrumenter{opts: opts, mod: mod}
	in.numGlobals = uint32(mod.NumImportedGlobals() + len(mod.Globals))
	in.gasIndex = in.numGlobals
	in.flagIndex = in.numGlobals + 1

	res := &Result{}
	if err := in.checkModule(res); err != nil {
		return nil, err
	}
	for i := range mod.Code {
		if err := in.instrumentBody(&mod.Code[i]); err != nil {
			return nil, fmt.Errorf("function %d: %w", mod.NumImportedFuncs()+i, err)
		}
	}
	in.appendGlobals()
	if mod.Start != nil {
		res.HasStart = true
		mod.Exports = append(mod.Exports, wasm.Export{Name: StartExport, Kind: wasm.KindFunc, Idx: *mod.Start})
		mod.Start = nil
	}

	res.Code = mod.Encode()
	return res, nil
}

// checkModule walks everything outside function bodies: value types,
// memory limits, reserved names and initializer expressions.
func (in *instrumenter) checkModule(res *Result) error {
	m := in.mod
	if len(m.TypeDefs) > 0 {
		return fmt.Errorf("%w: garbage collected types", ErrDisallowed)
	}
	if len(m.Tags) > 0 {
		return fmt.Errorf("%w: exception handling tag section", ErrDisallowed)
	}
	for i, ft := range m.Types {
		for _, t := range append(append([]wasm.ValType{}, ft.Params...), ft.Results...) {
			if err := valueType(t); err != nil {
				return fmt.Errorf("type %d: %w", i, err)
			}
		}
	}

	for _, imp := range m.Imports {
		switch imp.Desc.Kind {
		case wasm.KindMemory:
			lim, err := memoryLimits(imp.Desc.Memory)
			if err != nil {
				return fmt.Errorf("import %s.%s: %w", imp.Module, imp.Name, err)
			}
			lim.Imported = true
			res.Memories = append(res.Memories, lim)
		case wasm.KindGlobal:
			if imp.Desc.Global == nil {
				return fmt.Errorf("%w: import %s.%s: missing global type", ErrMalformed, imp.Module, imp.Name)
			}
			if err := valueType(imp.Desc.Global.ValType); err != nil {
				return fmt.Errorf("import %s.%s: %w", imp.Module, imp.Name, err)
			}
		case wasm.KindTag:
			return fmt.Errorf("%w: exception handling tag import %s.%s", ErrDisallowed, imp.Module, imp.Name)
		}
		res.Imports = append(res.Imports, Import{Module: imp.Module, Name: imp.Name, Kind: imp.Desc.Kind})
	}
	for i := range m.Memories {
		lim, err := memoryLimits(&m.Memories[i])
		if err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
		res.Memories = append(res.Memories, lim)
	}

	for i, g := range m.Globals {
		if err := valueType(g.Type.ValType); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		if err := in.constExpr(g.Init); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
	}
	for i, t := range m.Tables {
		if len(t.Init) == 0 {
			continue
		}
		if err := in.constExpr(t.Init); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
	}
	for i, e := range m.Elements {
		exprs := append([][]byte{e.Offset}, e.Exprs...)
		for _, expr := range exprs {
			if len(expr) == 0 {
				continue
			}
			if err := in.constExpr(expr); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	for i, d := range m.Data {
		if d.MemIdx != 0 {
			return fmt.Errorf("%w: data segment %d targets memory %d", ErrDisallowed, i, d.MemIdx)
		}
		if len(d.Offset) == 0 {
			continue
		}
		if err := in.constExpr(d.Offset); err != nil {
			return fmt.Errorf("data %d: %w", i, err)
		}
	}

	for _, exp := range m.Exports {
		switch exp.Name {
		case GasGlobalExport, ExhaustedGlobalExport, StartExport:
			return fmt.Errorf("%w: export name %q is reserved", ErrDisallowed, exp.Name)
		}
		if exp.Kind == wasm.KindGlobal && exp.Idx >= in.numGlobals {
			return fmt.Errorf("%w: export %q references global %d of %d", ErrMalformed, exp.Name, exp.Idx, in.numGlobals)
		}
	}
	return nil
}

// constExpr checks an initializer expression. Only global.get carries an
// index that Validate leaves unchecked.
func (in *instrumenter) constExpr(expr []byte) error {
	instrs, err := wasm.DecodeInstructions(expr)
	if err != nil {
		return fmt.Errorf("%w: initializer: %w", ErrMalformed, err)
	}
	for _, ins := range instrs {
		if err := in.checkInstruction(ins); err != nil {
			return err
		}
	}
	return nil
}

func (in *instrumenter) instrumentBody(body *wasm.FuncBody) error {
	for _, l := range body.Locals {
		if err := valueType(l.ValType); err != nil {
			return fmt.Errorf("local: %w", err)
		}
	}
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	out := make([]wasm.Instruction, 0, len(instrs)*3)
	depth := 1
	segStart := 0
	var cost uint64
	for i, ins := range instrs {
		if depth == 0 {
			return fmt.Errorf("%w: %d instructions after function end", ErrMalformed, len(instrs)-i)
		}
		if err := in.checkInstruction(ins); err != nil {
			return err
		}
		cat, err := in.classify(ins)
		if err != nil {
			return err
		}
		cost += in.opts.Schedule.cost(cat)

		switch ins.Opcode {
		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
			depth++
		case wasm.OpEnd:
			depth--
		}
		if endsSegment(ins.Opcode) {
			out = in.charge(out, cost)
			out = append(out, instrs[segStart:i+1]...)
			segStart = i + 1
			cost = 0
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: function body not terminated", ErrMalformed)
	}

	body.Code = wasm.EncodeInstructions(out)
	return nil
}

// checkInstruction rejects references to globals outside the guest's own
// index space. The gas and flag globals are appended after it, so a guest
// that could name them could mint gas.
func (in *instrumenter) checkInstruction(ins wasm.Instruction) error {
	if ins.Opcode != wasm.OpGlobalGet && ins.Opcode != wasm.OpGlobalSet {
		return nil
	}
	imm, ok := ins.Imm.(wasm.GlobalImm)
	if !ok {
		return fmt.Errorf("%w: global instruction without index", ErrMalformed)
	}
	if imm.GlobalIdx >= in.numGlobals {
		return fmt.Errorf("%w: global index %d out of range (%d globals)", ErrMalformed, imm.GlobalIdx, in.numGlobals)
	}
	return nil
}

func (in *instrumenter) appendGlobals() {
	in.mod.Globals = append(in.mod.Globals,
		wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true},
			Init: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 0}},
				{Opcode: wasm.OpEnd},
			}),
		},
		wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: wasm.EncodeInstructions([]wasm.Instruction{
				{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
				{Opcode: wasm.OpEnd},
			}),
		},
	)
	in.mod.Exports = append(in.mod.Exports,
		wasm.Export{Name: GasGlobalExport, Kind: wasm.KindGlobal, Idx: in.gasIndex},
		wasm.Export{Name: ExhaustedGlobalExport, Kind: wasm.KindGlobal, Idx: in.flagIndex},
	)
}

// charge appends a check-and-subtract of cost against the gas global. The
// sequence is stack neutral.
func (in *instrumenter) charge(dst []wasm.Instruction, cost uint64) []wasm.Instruction {
	c := int64(math.MaxInt64)
	if cost < math.MaxInt64 {
		c = int64(cost)
	}
	return append(dst,
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: in.gasIndex}},
		wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: c}},
		wasm.Instruction{Opcode: wasm.OpI64LtU},
		wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: in.flagIndex}},
		wasm.Instruction{Opcode: wasm.OpUnreachable},
		wasm.Instruction{Opcode: wasm.OpEnd},
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: in.gasIndex}},
		wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: c}},
		wasm.Instruction{Opcode: wasm.OpI64Sub},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: in.gasIndex}},
	)
}

func memoryLimits(mt *wasm.MemoryType) (Limits, error) {
	if mt == nil {
		return Limits{}, fmt.Errorf("%w: missing memory type", ErrMalformed)
	}
	switch {
	case mt.Limits.Shared:
		return Limits{}, fmt.Errorf("%w: shared memory", ErrDisallowed)
	case mt.Limits.Memory64:
		return Limits{}, fmt.Errorf("%w: 64-bit memory", ErrDisallowed)
	}
	lim := Limits{Min: uint32(mt.Limits.Min)}
	if mt.Limits.Max != nil {
		max := uint32(*mt.Limits.Max)
		lim.Max = &max
	}
	return lim, nil
}
