package metering

import (
	"fmt"

	"github.com/wippyai/wasm-runtime/wasm"
)

type category uint8

const (
	categoryPlain category = iota
	categoryCall
	categoryMemory
	categoryGrow
	categoryBulk
)

// endsSegment reports whether op closes a straight-line run of
// instructions. The next instruction starts a new accounting segment.
func endsSegment(op byte) bool {
	switch op {
	case wasm.OpUnreachable, wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd,
		wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn:
		return true
	}
	return false
}

func disallowed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDisallowed, fmt.Sprintf(format, args...))
}

func (in *instrumenter) float(what string) error {
	if in.opts.AllowFloats {
		return nil
	}
	return disallowed("floating point %s", what)
}

// classify prices an instruction and rejects the ones the sandbox does
// not run: proposals beyond the MVP plus bulk memory and reference types,
// and floating point unless allowed.
func (in *instrumenter) classify(ins wasm.Instruction) (category, error) {
	op := ins.Opcode
	switch {
	case op == wasm.OpBlock, op == wasm.OpLoop, op == wasm.OpIf:
		return categoryPlain, in.blockType(ins.Imm.(wasm.BlockImm).Type)

	case op == wasm.OpCall, op == wasm.OpCallIndirect:
		return categoryCall, nil

	case op == wasm.OpReturnCall, op == wasm.OpReturnCallIndirect,
		op == wasm.OpCallRef, op == wasm.OpReturnCallRef:
		return categoryPlain, disallowed("tail call or typed function reference")

	case op == wasm.OpTry, op == wasm.OpCatch, op == wasm.OpThrow, op == wasm.OpRethrow,
		op == wasm.OpThrowRef, op == wasm.OpDelegate, op == wasm.OpCatchAll, op == wasm.OpTryTable:
		return categoryPlain, disallowed("exception handling instruction 0x%02x", op)

	case op == wasm.OpRefAsNonNull, op == wasm.OpRefEq, op == wasm.OpBrOnNull, op == wasm.OpBrOnNonNull:
		return categoryPlain, disallowed("typed reference instruction 0x%02x", op)

	case op == wasm.OpSelectType:
		for _, t := range ins.Imm.(wasm.SelectTypeImm).Types {
			if err := valueType(t); err != nil {
				return categoryPlain, err
			}
			if t == wasm.ValF32 || t == wasm.ValF64 {
				if err := in.float("select"); err != nil {
					return categoryPlain, err
				}
			}
		}
		return categoryPlain, nil

	case op == wasm.OpRefNull:
		switch ins.Imm.(wasm.RefNullImm).HeapType {
		case wasm.HeapTypeFunc, wasm.HeapTypeExtern:
			return categoryPlain, nil
		}
		return categoryPlain, disallowed("typed null reference")

	case op >= wasm.OpI32Load && op <= wasm.OpI64Store32:
		if ins.Imm.(wasm.MemoryImm).MemIdx != 0 {
			return categoryMemory, disallowed("multiple memories")
		}
		switch op {
		case wasm.OpF32Load, wasm.OpF64Load, wasm.OpF32Store, wasm.OpF64Store:
			return categoryMemory, in.float("load or store")
		}
		return categoryMemory, nil

	case op == wasm.OpMemorySize, op == wasm.OpMemoryGrow:
		if ins.Imm.(wasm.MemoryIdxImm).MemIdx != 0 {
			return categoryPlain, disallowed("multiple memories")
		}
		if op == wasm.OpMemoryGrow {
			return categoryGrow, nil
		}
		return categoryPlain, nil

	case op == wasm.OpF32Const, op == wasm.OpF64Const:
		return categoryPlain, in.float("constant")

	case op >= wasm.OpF32Eq && op <= wasm.OpF64Ge:
		return categoryPlain, in.float("comparison")

	case op >= wasm.OpF32Abs && op <= wasm.OpF64Copysign:
		return categoryPlain, in.float("arithmetic")

	case op >= wasm.OpI32TruncF32S && op <= wasm.OpF64ReinterpretI64 &&
		op != wasm.OpI64ExtendI32S && op != wasm.OpI64ExtendI32U:
		return categoryPlain, in.float("conversion")

	case op == wasm.OpPrefixMisc:
		return in.classifyMisc(ins.Imm.(wasm.MiscImm))

	case op == wasm.OpPrefixSIMD:
		return categoryPlain, disallowed("SIMD instruction")

	case op == wasm.OpPrefixAtomic:
		return categoryPlain, disallowed("atomic instruction")

	case op == wasm.OpPrefixGC:
		return categoryPlain, disallowed("garbage collection instruction")
	}
	return categoryPlain, nil
}

func (in *instrumenter) classifyMisc(imm wasm.MiscImm) (category, error) {
	switch imm.SubOpcode {
	case wasm.MiscMemoryDiscard:
		return categoryBulk, disallowed("memory.discard")
	case wasm.MiscMemoryInit:
		if len(imm.Operands) > 1 && imm.Operands[1] != 0 {
			return categoryBulk, disallowed("multiple memories")
		}
	case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
		for _, idx := range imm.Operands {
			if idx != 0 {
				return categoryBulk, disallowed("multiple memories")
			}
		}
	}
	if imm.SubOpcode <= wasm.MiscI64TruncSatF64U {
		return categoryPlain, in.float("saturating truncation")
	}
	return categoryBulk, nil
}

func (in *instrumenter) blockType(bt int32) error {
	switch bt {
	case wasm.BlockTypeV128:
		return disallowed("v128 value type")
	case wasm.BlockTypeF32, wasm.BlockTypeF64:
		return in.float("block result")
	}
	if bt < 0 && bt != wasm.BlockTypeVoid && bt != wasm.BlockTypeI32 && bt != wasm.BlockTypeI64 &&
		bt != int32(wasm.HeapTypeFunc) && bt != int32(wasm.HeapTypeExtern) {
		return disallowed("block type %d", bt)
	}
	if bt >= 0 && int(bt) >= len(in.mod.Types) {
		return fmt.Errorf("%w: block type index %d out of range", ErrMalformed, bt)
	}
	return nil
}

func valueType(t wasm.ValType) error {
	switch t {
	case wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64, wasm.ValFuncRef, wasm.ValExtern:
		return nil
	case wasm.ValV128:
		return disallowed("v128 value type")
	}
	return disallowed("value type 0x%02x", byte(t))
}
