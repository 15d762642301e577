package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

var (
	params2 = []wasm.ValType{I32, I32}
	results = []wasm.ValType{I64}
)

// guest holds a builder with memory and the bump allocator already in
// place, ready for env imports to be declared first.
type guest struct {
	b        *Builder
	allocate uint32
}

// newGuest declares imports through imports, then memory and allocator.
func newGuest(imports func(b *Builder)) *guest {
	b := NewBuilder()
	if imports != nil {
		imports(b)
	}
	b.Memory(1, -1)
	g := &guest{b: b}
	g.allocate = addAllocator(b)
	b.Export("memory", ExportMemory, 0)
	b.Export("allocate", ExportFunc, g.allocate)
	return g
}

// addAllocator defines a bump allocator over a mutable heap global. It
// grows memory as needed and traps when growth is denied.
func addAllocator(b *Builder) uint32 {
	heap := b.GlobalI32(1024)
	// locals: 0 size, 1 ptr, 2 end
	return b.Func([]wasm.ValType{I32}, []wasm.ValType{I32}, Locals(2, I32),
		GGet(heap), Set(1),
		Get(1), Get(0), Op(wasm.OpI32Add), Set(2),
		Block(),
		Get(2), MemorySize(), I32Const(16), Op(wasm.OpI32Shl, wasm.OpI32LeU), BrIf(0),
		Get(2), MemorySize(), I32Const(16), Op(wasm.OpI32Shl, wasm.OpI32Sub),
		I32Const(65535), Op(wasm.OpI32Add), I32Const(16), Op(wasm.OpI32ShrU),
		MemoryGrow(), I32Const(-1), Op(wasm.OpI32Eq),
		If(), Op(wasm.OpUnreachable, wasm.OpEnd),
		Op(wasm.OpEnd),
		Get(2), GSet(heap),
		Get(1),
	)
}

func (g *guest) entry(name string, locals []wasm.LocalEntry, body ...[]wasm.Instruction) []byte {
	idx := g.b.Func(params2, results, locals, body...)
	g.b.Export(name, ExportFunc, idx)
	return g.b.Bytes()
}

// Identity returns a guest whose entry point returns its input unchanged.
func Identity() []byte {
	return IdentityNamed("execute")
}

// IdentityNamed is Identity with a custom entry point name.
func IdentityNamed(entry string) []byte {
	return newGuest(nil).entry(entry, nil, Pack(0, 1))
}

// NoAllocate exports memory and execute but no allocator.
func NoAllocate() []byte {
	b := NewBuilder()
	b.Memory(1, -1)
	idx := b.Func(params2, results, nil, Pack(0, 1))
	b.Export("memory", ExportMemory, 0)
	b.Export("execute", ExportFunc, idx)
	return b.Bytes()
}

// HiddenMemory declares a memory and an allocator but exports the memory
// under another name.
func HiddenMemory() []byte {
	b := NewBuilder()
	b.Memory(1, -1)
	alloc := addAllocator(b)
	idx := b.Func(params2, results, nil, Pack(0, 1))
	b.Export("heap", ExportMemory, 0)
	b.Export("allocate", ExportFunc, alloc)
	b.Export("execute", ExportFunc, idx)
	return b.Bytes()
}

// Loop never returns.
func Loop() []byte {
	return newGuest(nil).entry("execute", nil,
		LoopOp(), Br(0), Op(wasm.OpEnd),
		I64Const(0),
	)
}

// Trap executes unreachable.
func Trap() []byte {
	return newGuest(nil).entry("execute", nil, Op(wasm.OpUnreachable))
}

// Grower grows memory by the page count in the first input byte and
// returns 8 bytes: the memory.grow result and the memory size afterwards,
// both little-endian i32.
func Grower() []byte {
	return newGuest(nil).entry("execute", nil,
		Get(0),
		Get(0), Mem(wasm.OpI32Load8U, 0, 0),
		MemoryGrow(),
		Mem(wasm.OpI32Store, 2, 0),
		Get(0), MemorySize(),
		Mem(wasm.OpI32Store, 2, 4),
		PackConst(0, 8),
	)
}

// StorageEcho stores the input under itself as key, reads it back and
// returns what storage_read produced.
func StorageEcho() []byte {
	var write, read uint32
	g := newGuest(func(b *Builder) {
		write = b.ImportFunc("env", "storage_write", []wasm.ValType{I32, I32, I32, I32}, nil)
		read = b.ImportFunc("env", "storage_read", params2, results)
	})
	return g.entry("execute", nil,
		Get(0), Get(1), Get(0), Get(1), CallFunc(write),
		Get(0), Get(1), CallFunc(read),
	)
}

// StorageRead returns storage_read(input).
func StorageRead() []byte {
	var read uint32
	g := newGuest(func(b *Builder) {
		read = b.ImportFunc("env", "storage_read", params2, results)
	})
	return g.entry("execute", nil, Get(0), Get(1), CallFunc(read))
}

// StorageReadSized calls storage_read with the input pointer and a key
// length of n, regardless of the real input size.
func StorageReadSized(n int32) []byte {
	var read uint32
	g := newGuest(func(b *Builder) {
		read = b.ImportFunc("env", "storage_read", params2, results)
	})
	return g.entry("execute", nil, Get(0), I32Const(n), CallFunc(read))
}

// StorageRemove removes the key given as input and returns nothing.
func StorageRemove() []byte {
	var remove uint32
	g := newGuest(func(b *Builder) {
		remove = b.ImportFunc("env", "storage_remove", params2, nil)
	})
	return g.entry("execute", nil, Get(0), Get(1), CallFunc(remove), I64Const(0))
}

// Hasher returns hash(input) using the named env hash function, which
// writes 32 bytes into a buffer from allocate.
func Hasher(name string) []byte {
	var hash uint32
	g := newGuest(func(b *Builder) {
		hash = b.ImportFunc("env", name, []wasm.ValType{I32, I32, I32}, nil)
	})
	return g.entry("execute", Locals(1, I32),
		I32Const(32), CallFunc(g.allocate), Set(2),
		Get(0), Get(1), Get(2), CallFunc(hash),
		PackConst(2, 32),
	)
}

// Logger passes its input to env.log and returns nothing.
func Logger() []byte {
	var log uint32
	g := newGuest(func(b *Builder) {
		log = b.ImportFunc("env", "log", params2, nil)
	})
	return g.entry("execute", nil, Get(0), Get(1), CallFunc(log), I64Const(0))
}

// LogOutOfBounds calls env.log with a range far past the end of memory.
func LogOutOfBounds() []byte {
	var log uint32
	g := newGuest(func(b *Builder) {
		log = b.ImportFunc("env", "log", params2, nil)
	})
	return g.entry("execute", nil, I32Const(-256), I32Const(4096), CallFunc(log), I64Const(0))
}

// OutputOutOfBounds returns a packed region past the end of memory.
func OutputOutOfBounds() []byte {
	return newGuest(nil).entry("execute", nil, I64Const(0x0001_0000_0000_0010))
}

// Abort calls env.abort with its input as message.
func Abort() []byte {
	var abort uint32
	g := newGuest(func(b *Builder) {
		abort = b.ImportFunc("env", "abort", params2, nil)
	})
	return g.entry("execute", nil, Get(0), Get(1), CallFunc(abort), I64Const(0))
}

// GasReader returns gas_left as 8 little-endian bytes.
func GasReader() []byte {
	var gasLeft uint32
	g := newGuest(func(b *Builder) {
		gasLeft = b.ImportFunc("env", "gas_left", nil, results)
	})
	return g.entry("execute", Locals(1, I32),
		I32Const(8), CallFunc(g.allocate), Set(2),
		Get(2), CallFunc(gasLeft), Mem(wasm.OpI64Store, 3, 0),
		PackConst(2, 8),
	)
}

// Verifier expects input laid out as sig_len(1) | sig | pubkey(33) | msg
// and returns one byte with the result of env.secp256k1_verify.
func Verifier() []byte {
	var verify uint32
	g := newGuest(func(b *Builder) {
		verify = b.ImportFunc("env", "secp256k1_verify",
			[]wasm.ValType{I32, I32, I32, I32, I32, I32}, []wasm.ValType{I32})
	})
	return g.entry("execute", Locals(1, I32),
		Get(0), Mem(wasm.OpI32Load8U, 0, 0), Set(2),
		Get(0),
		Get(0), I32Const(34), Op(wasm.OpI32Add), Get(2), Op(wasm.OpI32Add),
		Get(1), I32Const(34), Op(wasm.OpI32Sub), Get(2), Op(wasm.OpI32Sub),
		Get(0), I32Const(1), Op(wasm.OpI32Add), Get(2),
		Get(0), I32Const(1), Op(wasm.OpI32Add), Get(2), Op(wasm.OpI32Add), I32Const(33),
		CallFunc(verify),
		Mem(wasm.OpI32Store8, 0, 0),
		PackConst(0, 1),
	)
}

// StartLoop has a start function that never returns.
func StartLoop() []byte {
	g := newGuest(nil)
	start := g.b.Func(nil, nil, nil, LoopOp(), Br(0), Op(wasm.OpEnd))
	g.b.Start(start)
	return g.entry("execute", nil, Pack(0, 1))
}

// StartMarker has a start function that writes 0x2A at address 16; the
// entry point returns that byte.
func StartMarker() []byte {
	g := newGuest(nil)
	start := g.b.Func(nil, nil, nil, I32Const(16), I32Const(0x2A), Mem(wasm.OpI32Store8, 0, 0))
	g.b.Start(start)
	return g.entry("execute", nil, I64Const(16<<32|1))
}

// Float uses an f32 instruction in its entry point.
func Float() []byte {
	return newGuest(nil).entry("execute", nil,
		F32Const(1), F32Const(1), Op(wasm.OpF32Add, wasm.OpDrop),
		Pack(0, 1),
	)
}

// ImportsFrom imports a function named name from module.
func ImportsFrom(module, name string) []byte {
	g := newGuest(func(b *Builder) {
		b.ImportFunc(module, name, nil, nil)
	})
	return g.entry("execute", nil, Pack(0, 1))
}

// WithMemory is Identity declaring memory limits min and max pages
// (max < 0 for none).
func WithMemory(min uint32, max int64) []byte {
	b := NewBuilder()
	b.Memory(min, max)
	alloc := addAllocator(b)
	idx := b.Func(params2, results, nil, Pack(0, 1))
	b.Export("memory", ExportMemory, 0)
	b.Export("allocate", ExportFunc, alloc)
	b.Export("execute", ExportFunc, idx)
	return b.Bytes()
}

// ForgedGas writes the global right after the guest's own globals, where
// the instrumented gas counter lives, before running a loop.
func ForgedGas() []byte {
	g := newGuest(nil)
	// The allocator's heap global is the only guest global.
	return g.entry("execute", nil,
		I64Const(9_000_000_000), GSet(1),
		LoopOp(), Br(0), Op(wasm.OpEnd),
		I64Const(0),
	)
}

// ForgedExhaustion sets the global where the instrumented exhaustion flag
// lives and then traps.
func ForgedExhaustion() []byte {
	g := newGuest(nil)
	return g.entry("execute", nil,
		I32Const(1), GSet(2),
		Op(wasm.OpUnreachable),
	)
}
