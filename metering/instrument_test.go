package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-runtime/wasm"

	"github.com/isdmx/wasmbox/internal/wasmtest"
)

func parse(t *testing.T, code []byte) *wasm.Module {
	t.Helper()
	m, err := wasm.ParseModuleValidate(code)
	require.NoError(t, err)
	return m
}

// exports maps export names to (kind, index).
func exports(t *testing.T, code []byte) map[string][2]uint32 {
	t.Helper()
	out := make(map[string][2]uint32)
	for _, e := range parse(t, code).Exports {
		out[e.Name] = [2]uint32{uint32(e.Kind), e.Idx}
	}
	return out
}

func TestInstrument(t *testing.T) {
	t.Run("identity guest gets gas globals exported", func(t *testing.T) {
		res, err := Instrument(wasmtest.Identity(), Options{})
		require.NoError(t, err)
		assert.False(t, res.HasStart)

		ex := exports(t, res.Code)
		// the allocator's heap global is index 0
		assert.Equal(t, [2]uint32{uint32(ImportGlobal), 1}, ex[GasGlobalExport])
		assert.Equal(t, [2]uint32{uint32(ImportGlobal), 2}, ex[ExhaustedGlobalExport])
		assert.Contains(t, ex, "execute")
		assert.Contains(t, ex, "allocate")
		assert.Contains(t, ex, "memory")
		assert.NotContains(t, ex, StartExport)

		require.Len(t, res.Memories, 1)
		assert.Equal(t, uint32(1), res.Memories[0].Min)
		assert.Nil(t, res.Memories[0].Max)
		assert.False(t, res.Memories[0].Imported)
	})

	t.Run("exact injection for a straight-line body", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		f := b.Func(nil, nil, nil, wasmtest.Op(wasm.OpNop))
		b.Export("f", wasmtest.ExportFunc, f)

		res, err := Instrument(b.Bytes(), Options{Schedule: Schedule{Instruction: 1}})
		require.NoError(t, err)

		m := parse(t, res.Code)
		require.Len(t, m.Code, 1)
		got, err := wasm.DecodeInstructions(m.Code[0].Code)
		require.NoError(t, err)

		// nop + end cost 2; gas global is 0 and the flag 1 since the
		// module has no globals of its own.
		want := []wasm.Instruction{
			{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
			{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 2}},
			{Opcode: wasm.OpI64LtU},
			{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
			{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
			{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 1}},
			{Opcode: wasm.OpUnreachable},
			{Opcode: wasm.OpEnd},
			{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
			{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 2}},
			{Opcode: wasm.OpI64Sub},
			{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
			{Opcode: wasm.OpNop},
			{Opcode: wasm.OpEnd},
		}
		assert.Equal(t, want, got)
	})

	t.Run("gas globals are appended as mutable i64 and i32", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		b.Func(nil, nil, nil, wasmtest.Op(wasm.OpNop))

		res, err := Instrument(b.Bytes(), Options{})
		require.NoError(t, err)

		m := parse(t, res.Code)
		require.Len(t, m.Globals, 2)
		assert.Equal(t, wasm.GlobalType{ValType: wasm.ValI64, Mutable: true}, m.Globals[0].Type)
		assert.Equal(t, wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, m.Globals[1].Type)
		require.Len(t, m.Exports, 2)
	})

	t.Run("module without functions", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		b.Memory(1, 1)

		res, err := Instrument(b.Bytes(), Options{})
		require.NoError(t, err)
		m := parse(t, res.Code)
		assert.Empty(t, m.Code)
		assert.Len(t, m.Memories, 1)
		assert.Len(t, m.Globals, 2)
	})

	t.Run("imported globals come before the gas global", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		g := b.ImportGlobal("env", "base", wasm.ValI32)
		f := b.Func(nil, []wasm.ValType{wasm.ValI32}, nil, wasmtest.GGet(g))
		b.Export("f", wasmtest.ExportFunc, f)

		res, err := Instrument(b.Bytes(), Options{})
		require.NoError(t, err)
		ex := exports(t, res.Code)
		assert.Equal(t, uint32(1), ex[GasGlobalExport][1])
		assert.Equal(t, uint32(2), ex[ExhaustedGlobalExport][1])
	})

	t.Run("start function is relocated to an export", func(t *testing.T) {
		res, err := Instrument(wasmtest.StartMarker(), Options{})
		require.NoError(t, err)
		assert.True(t, res.HasStart)
		assert.Nil(t, parse(t, res.Code).Start)

		ex := exports(t, res.Code)
		require.Contains(t, ex, StartExport)
		assert.Equal(t, uint32(ImportFunc), ex[StartExport][0])
		// allocator is function 0, start function 1
		assert.Equal(t, uint32(1), ex[StartExport][1])
	})

	t.Run("imports are reported", func(t *testing.T) {
		res, err := Instrument(wasmtest.StorageEcho(), Options{})
		require.NoError(t, err)
		require.Len(t, res.Imports, 2)
		assert.Equal(t, Import{Module: "env", Name: "storage_write", Kind: ImportFunc}, res.Imports[0])
		assert.Equal(t, Import{Module: "env", Name: "storage_read", Kind: ImportFunc}, res.Imports[1])
	})

	t.Run("imported memory is reported", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		b.ImportMemory("env", "memory", 3)

		res, err := Instrument(b.Bytes(), Options{})
		require.NoError(t, err)
		require.Len(t, res.Memories, 1)
		assert.True(t, res.Memories[0].Imported)
		assert.Equal(t, uint32(3), res.Memories[0].Min)
	})

	t.Run("declared maximum is reported", func(t *testing.T) {
		res, err := Instrument(wasmtest.WithMemory(2, 5), Options{})
		require.NoError(t, err)
		require.Len(t, res.Memories, 1)
		require.NotNil(t, res.Memories[0].Max)
		assert.Equal(t, uint32(5), *res.Memories[0].Max)
	})

	t.Run("custom sections survive", func(t *testing.T) {
		b := wasmtest.NewBuilder()
		b.Func(nil, nil, nil)
		b.Custom("name", []byte{0x01, 0x02})

		res, err := Instrument(b.Bytes(), Options{})
		require.NoError(t, err)
		m := parse(t, res.Code)
		require.Len(t, m.CustomSections, 1)
		assert.Equal(t, "name", m.CustomSections[0].Name)
	})

	t.Run("instrumented output is larger than input", func(t *testing.T) {
		code := wasmtest.Loop()
		res, err := Instrument(code, Options{})
		require.NoError(t, err)
		assert.Greater(t, len(res.Code), len(code))
	})
}

func TestInstrumentRejects(t *testing.T) {
	raw := func(code ...byte) []byte {
		b := wasmtest.NewBuilder()
		b.RawFunc(nil, nil, nil, code)
		return b.Bytes()
	}
	sharedMemory := func() []byte {
		b := wasmtest.NewBuilder()
		max := uint64(2)
		b.Module().Memories = append(b.Module().Memories, wasm.MemoryType{
			Limits: wasm.Limits{Min: 1, Max: &max, Shared: true},
		})
		return b.Bytes()
	}
	reservedExport := func() []byte {
		b := wasmtest.NewBuilder()
		f := b.Func(nil, nil, nil)
		b.Export(GasGlobalExport, wasmtest.ExportFunc, f)
		return b.Bytes()
	}

	identity := wasmtest.Identity()
	truncated := identity[:len(identity)-3]

	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00}, ErrMalformed},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}, ErrMalformed},
		{"truncated section", truncated, ErrMalformed},
		{"unknown section", append(wasmtest.NewBuilder().Bytes(), 0x0E, 0x00), ErrMalformed},
		{"trailing bytes after body", raw(wasm.OpEnd, wasm.OpNop, wasm.OpEnd), ErrMalformed},
		{"unterminated body", raw(wasm.OpBlock, 0x40, wasm.OpEnd), ErrMalformed},
		{"unknown opcode", raw(0x27, wasm.OpEnd), ErrMalformed},
		{"float instruction", wasmtest.Float(), ErrDisallowed},
		{"shared memory", sharedMemory(), ErrDisallowed},
		{"reserved export", reservedExport(), ErrDisallowed},
		{"simd", raw(wasm.OpPrefixSIMD, 0x0F, wasm.OpEnd), ErrDisallowed},
		{"tail call", raw(wasm.OpReturnCall, 0x00, wasm.OpEnd), ErrDisallowed},
		{"exception handling", raw(wasm.OpTry, 0x40, wasm.OpEnd, wasm.OpEnd), ErrDisallowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Instrument(tt.code, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// Globals past the guest's own index space are where the gas counter and
// the exhaustion flag land after instrumentation.
func TestInstrumentRejectsForeignGlobals(t *testing.T) {
	bodyWrite := func() []byte {
		b := wasmtest.NewBuilder()
		b.Func(nil, nil, nil, wasmtest.I64Const(1<<40), wasmtest.GSet(0))
		return b.Bytes()
	}
	bodyRead := func() []byte {
		b := wasmtest.NewBuilder()
		heap := b.GlobalI32(0)
		b.Func(nil, []wasm.ValType{wasm.ValI64}, nil, wasmtest.GGet(heap+1))
		return b.Bytes()
	}
	dataOffset := func() []byte {
		b := wasmtest.NewBuilder()
		b.Memory(1, -1)
		b.Module().Data = append(b.Module().Data, wasm.DataSegment{
			Offset: wasmtest.ConstExpr(wasmtest.GGet(0)),
			Init:   []byte{1},
		})
		return b.Bytes()
	}
	globalInit := func() []byte {
		b := wasmtest.NewBuilder()
		b.Module().Globals = append(b.Module().Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI64},
			Init: wasmtest.ConstExpr(wasmtest.GGet(1)),
		})
		return b.Bytes()
	}
	export := func() []byte {
		b := wasmtest.NewBuilder()
		b.GlobalI32(0)
		b.Export("gas", wasmtest.ExportGlobal, 1)
		return b.Bytes()
	}

	tests := []struct {
		name string
		code []byte
	}{
		{"global.set in a body", bodyWrite()},
		{"global.get in a body", bodyRead()},
		{"data offset", dataOffset()},
		{"global initializer", globalInit()},
		{"export", export()},
		{"forged counter fixture", wasmtest.ForgedGas()},
		{"forged flag fixture", wasmtest.ForgedExhaustion()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Instrument(tt.code, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestInstrumentAllowFloats(t *testing.T) {
	res, err := Instrument(wasmtest.Float(), Options{AllowFloats: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Code)
}

func TestInstrumentTwiceFails(t *testing.T) {
	res, err := Instrument(wasmtest.Identity(), Options{})
	require.NoError(t, err)

	_, err = Instrument(res.Code, Options{})
	assert.ErrorIs(t, err, ErrDisallowed)
}

func TestInstrumentRejectsZeroInstructionCost(t *testing.T) {
	_, err := Instrument(wasmtest.Identity(), Options{Schedule: Schedule{Call: 5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gas.schedule.instruction")
}
