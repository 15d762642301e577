package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

// Op emits instructions that carry no immediate.
func Op(ops ...byte) []wasm.Instruction {
	out := make([]wasm.Instruction, len(ops))
	for i, op := range ops {
		out[i] = wasm.Instruction{Opcode: op}
	}
	return out
}

// Seq concatenates instruction fragments.
func Seq(parts ...[]wasm.Instruction) []wasm.Instruction {
	var out []wasm.Instruction
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// I32Const emits i32.const v.
func I32Const(v int32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}}
}

// I64Const emits i64.const v.
func I64Const(v int64) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}}}
}

// F32Const emits f32.const v.
func F32Const(v float32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Value: v}}}
}

// CallFunc emits call idx.
func CallFunc(idx uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}}
}

// Get emits local.get idx.
func Get(idx uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: idx}}}
}

// Set emits local.set idx.
func Set(idx uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: idx}}}
}

// GGet emits global.get idx.
func GGet(idx uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: idx}}}
}

// GSet emits global.set idx.
func GSet(idx uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: idx}}}
}

// Block opens a block with no result.
func Block() []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}}}
}

// LoopOp opens a loop with no result.
func LoopOp() []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}}}
}

// If opens an if with no result.
func If() []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}}}
}

// Br emits br depth.
func Br(depth uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: depth}}}
}

// BrIf emits br_if depth.
func BrIf(depth uint32) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: depth}}}
}

// Mem emits a load or store on memory 0.
func Mem(op byte, align uint32, offset uint64) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: op, Imm: wasm.MemoryImm{Align: align, Offset: offset}}}
}

// MemorySize emits memory.size on memory 0.
func MemorySize() []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpMemorySize, Imm: wasm.MemoryIdxImm{}}}
}

// MemoryGrow emits memory.grow on memory 0.
func MemoryGrow() []wasm.Instruction {
	return []wasm.Instruction{{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemoryIdxImm{}}}
}

// Pack leaves (i64(ptr) << 32) | i64(len) on the stack, reading ptr and
// len from the given locals.
func Pack(ptrLocal, lenLocal uint32) []wasm.Instruction {
	return Seq(
		Get(ptrLocal), Op(wasm.OpI64ExtendI32U), I64Const(32), Op(wasm.OpI64Shl),
		Get(lenLocal), Op(wasm.OpI64ExtendI32U), Op(wasm.OpI64Or),
	)
}

// PackConst is Pack with a constant length.
func PackConst(ptrLocal uint32, n int64) []wasm.Instruction {
	return Seq(
		Get(ptrLocal), Op(wasm.OpI64ExtendI32U), I64Const(32), Op(wasm.OpI64Shl),
		I64Const(n), Op(wasm.OpI64Or),
	)
}
