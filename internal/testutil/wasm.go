package testutil

import (
	"math"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Value types, re-exported so tests read naturally.
const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
	F32 = wasm.ValueTypeF32
	F64 = wasm.ValueTypeF64
)

// ModuleBuilder assembles a WebAssembly binary for tests. Imports must be
// declared before any function is added so indices stay stable.
type ModuleBuilder struct {
	m *wasm.Module
}

// NewModule creates an empty module builder.
func NewModule() *ModuleBuilder {
	return &ModuleBuilder{m: &wasm.Module{}}
}

// ImportFunc declares an imported function and returns its function index.
func (b *ModuleBuilder) ImportFunc(module, name string, params, results []wasm.ValueType) uint32 {
	idx := b.m.ImportFuncCount()
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: b.typeIndex(params, results),
	})
	return idx
}

// ImportMemory declares an imported memory.
func (b *ModuleBuilder) ImportMemory(module, name string, minPages uint32) *ModuleBuilder {
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:    wasm.ExternTypeMemory,
		Module:  module,
		Name:    name,
		DescMem: &wasm.Memory{Min: minPages},
	})
	return b
}

// Memory declares the module memory. A zero maxPages leaves it unbounded.
func (b *ModuleBuilder) Memory(minPages, maxPages uint32) *ModuleBuilder {
	mem := &wasm.Memory{Min: minPages}
	if maxPages > 0 {
		mem.Max = maxPages
		mem.IsMaxEncoded = true
	}
	b.m.MemorySection = mem
	return b
}

// Data places an active data segment at offset in memory 0.
func (b *ModuleBuilder) Data(offset int32, data []byte) *ModuleBuilder {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{
			Opcode: wasm.OpcodeI32Const,
			Data:   leb128.EncodeInt32(offset),
		},
		Init: data,
	})
	return b
}

// Func adds a function and returns its index. The body is the concatenation
// of code; the closing end opcode is appended. An empty export name keeps the
// function private.
func (b *ModuleBuilder) Func(export string, params, results, locals []wasm.ValueType, code ...[]byte) uint32 {
	idx := b.m.ImportFuncCount() + uint32(len(b.m.FunctionSection))
	b.m.FunctionSection = append(b.m.FunctionSection, b.typeIndex(params, results))

	var body []byte
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, wasm.OpcodeEnd)
	b.m.CodeSection = append(b.m.CodeSection, &wasm.Code{LocalTypes: locals, Body: body})

	if export != "" {
		b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{
			Type:  wasm.ExternTypeFunc,
			Name:  export,
			Index: idx,
		})
	}
	return idx
}

// ExportGlobal exports the global at idx under name. The builder does not
// check that the global exists.
func (b *ModuleBuilder) ExportGlobal(name string, idx uint32) *ModuleBuilder {
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{
		Type:  wasm.ExternTypeGlobal,
		Name:  name,
		Index: idx,
	})
	return b
}

// Start marks a function as the module start function.
func (b *ModuleBuilder) Start(funcIdx uint32) *ModuleBuilder {
	b.m.StartSection = &funcIdx
	return b
}

// Bytes encodes the module.
func (b *ModuleBuilder) Bytes() []byte {
	return binary.EncodeModule(b.m)
}

func (b *ModuleBuilder) typeIndex(params, results []wasm.ValueType) uint32 {
	for i, ft := range b.m.TypeSection {
		if ft.EqualsSignature(params, results) {
			return uint32(i)
		}
	}
	b.m.TypeSection = append(b.m.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	return uint32(len(b.m.TypeSection) - 1)
}

// Types is shorthand for a value type list.
func Types(vt ...wasm.ValueType) []wasm.ValueType {
	return vt
}

// Op returns raw opcodes.
func Op(ops ...byte) []byte {
	return ops
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...)
}

// F64Const encodes f64.const v.
func F64Const(v float64) []byte {
	bits := math.Float64bits(v)
	out := []byte{wasm.OpcodeF64Const}
	for i := 0; i < 8; i++ {
		out = append(out, byte(bits>>(8*i)))
	}
	return out
}

// Call encodes call idx.
func Call(funcIdx uint32) []byte {
	return append([]byte{wasm.OpcodeCall}, leb128.EncodeUint32(funcIdx)...)
}

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte {
	return append([]byte{wasm.OpcodeLocalGet}, leb128.EncodeUint32(idx)...)
}

// LocalSet encodes local.set idx.
func LocalSet(idx uint32) []byte {
	return append([]byte{wasm.OpcodeLocalSet}, leb128.EncodeUint32(idx)...)
}

// InfiniteLoop encodes (loop (br 0)).
func InfiniteLoop() []byte {
	return []byte{wasm.OpcodeLoop, 0x40, wasm.OpcodeBr, 0x00, wasm.OpcodeEnd}
}
