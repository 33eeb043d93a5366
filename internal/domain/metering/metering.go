// Package metering rewrites WebAssembly modules so that every function entry
// and loop header charges a fuel counter held in an exported mutable global.
// The counter traps through unreachable once it drops below zero, which
// bounds the CPU work any instrumented module can perform.
package metering

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Classification errors returned by Decode and Instrument.
var (
	ErrMalformed   = errors.New("malformed module")
	ErrUnsupported = errors.New("unsupported feature")
)

// Reserved export names added by Instrument.
const (
	FuelExport  = "__moat_fuel"
	StartExport = "__moat_start"
)

const blockTypeEmpty = 0x40

// Features are the core features accepted by Decode. SIMD is decoded so it
// can be reported as unsupported rather than malformed.
const Features = wasm.CoreFeaturesV2

// Info describes an instrumented module.
type Info struct {
	// Sites is the number of metering points injected.
	Sites int

	// HasStart reports that the start function was moved to StartExport.
	HasStart bool

	// HasMemory reports whether the module defines a linear memory.
	HasMemory bool

	// MinMemoryPages is the declared initial memory size.
	MinMemoryPages uint32

	// MaxMemoryPages is the declared maximum, or zero when unbounded.
	MaxMemoryPages uint32
}

// Decode parses a binary module and rejects value types outside the
// supported feature set.
func Decode(code []byte) (*wasm.Module, error) {
	m, err := binary.DecodeModule(code, Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := checkValueTypes(m); err != nil {
		return nil, err
	}
	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, fmt.Errorf("%w: %d functions declared but %d bodies present",
			ErrMalformed, len(m.FunctionSection), len(m.CodeSection))
	}
	return m, nil
}

// Instrument injects fuel accounting into every function body of m, adds the
// fuel global and its export, and moves the start function to an export so
// the host can seed fuel before any guest code runs.
func Instrument(m *wasm.Module) (*Info, error) {
	for _, e := range m.ExportSection {
		if e.Name == FuelExport || e.Name == StartExport {
			return nil, fmt.Errorf("%w: export name %q is reserved", ErrUnsupported, e.Name)
		}
	}

	// The fuel global takes the first free index. Anything already naming
	// that index is invalid as submitted and must not reach the counter.
	global := m.ImportGlobalCount() + uint32(len(m.GlobalSection))
	for _, e := range m.ExportSection {
		if e.Type == wasm.ExternTypeGlobal && e.Index >= global {
			return nil, fmt.Errorf("%w: export %q names global %d of %d", ErrMalformed, e.Name, e.Index, global)
		}
	}
	info := &Info{}

	for i, code := range m.CodeSection {
		body, sites, err := instrumentBody(code.Body, global)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", m.ImportFuncCount()+uint32(i), err)
		}
		code.Body = body
		info.Sites += sites
	}

	m.GlobalSection = append(m.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: wasm.ValueTypeI64, Mutable: true},
		Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: leb128.EncodeInt64(0)},
	})
	m.ExportSection = append(m.ExportSection, &wasm.Export{
		Type:  wasm.ExternTypeGlobal,
		Name:  FuelExport,
		Index: global,
	})

	if m.StartSection != nil {
		m.ExportSection = append(m.ExportSection, &wasm.Export{
			Type:  wasm.ExternTypeFunc,
			Name:  StartExport,
			Index: *m.StartSection,
		})
		m.StartSection = nil
		info.HasStart = true
	}

	if mem := m.MemorySection; mem != nil {
		info.HasMemory = true
		info.MinMemoryPages = mem.Min
		if mem.IsMaxEncoded {
			info.MaxMemoryPages = mem.Max
		}
	}

	return info, nil
}

// Encode serializes m. The data count section, which the wabin encoder does
// not emit, is restored ahead of the code section when present.
func Encode(m *wasm.Module) []byte {
	out := binary.EncodeModule(m)
	if m.DataCountSection == nil {
		return out
	}
	return spliceDataCount(out, *m.DataCountSection)
}

// meteringSite is a point where fuel is charged and the number of
// instructions it pays for.
type meteringSite struct {
	at   int
	cost int64
}

// instrumentBody charges each function entry and loop header for the
// instructions that execute between it and the next metering point. Nested
// loops are paid for by their own header.
func instrumentBody(body []byte, global uint32) ([]byte, int, error) {
	sites := []meteringSite{{at: 0}}
	open := []int{0}
	var loops []bool

	br := newBodyReader(body)
	for {
		if br.done() {
			return nil, 0, fmt.Errorf("%w: function body missing end", ErrMalformed)
		}
		ins, err := br.next()
		if err != nil {
			return nil, 0, err
		}
		sites[open[len(open)-1]].cost++

		switch ins.opcode {
		case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
			if ins.global >= global {
				return nil, 0, fmt.Errorf("%w: global index %d out of range at offset %d", ErrMalformed, ins.global, ins.start)
			}
		case wasm.OpcodeBlock, wasm.OpcodeIf:
			loops = append(loops, false)
		case wasm.OpcodeLoop:
			loops = append(loops, true)
			sites = append(sites, meteringSite{at: ins.end})
			open = append(open, len(sites)-1)
		case wasm.OpcodeEnd:
			if len(loops) == 0 {
				if !br.done() {
					return nil, 0, fmt.Errorf("%w: %d bytes after function end", ErrMalformed, len(body)-ins.end)
				}
				return rewrite(body, sites, global), len(sites), nil
			}
			if loops[len(loops)-1] {
				open = open[:len(open)-1]
			}
			loops = loops[:len(loops)-1]
		}
	}
}

func rewrite(body []byte, sites []meteringSite, global uint32) []byte {
	out := make([]byte, 0, len(body)+len(sites)*24)
	prev := 0
	for _, s := range sites {
		out = append(out, body[prev:s.at]...)
		out = append(out, chargeSequence(global, s.cost)...)
		prev = s.at
	}
	return append(out, body[prev:]...)
}

// chargeSequence subtracts cost from the fuel global and traps when the
// result is negative:
//
//	global.get g; i64.const cost; i64.sub; global.set g
//	global.get g; i64.const 0; i64.lt_s; if; unreachable; end
func chargeSequence(global uint32, cost int64) []byte {
	g := leb128.EncodeUint32(global)

	seq := make([]byte, 0, 24)
	seq = append(seq, wasm.OpcodeGlobalGet)
	seq = append(seq, g...)
	seq = append(seq, wasm.OpcodeI64Const)
	seq = append(seq, leb128.EncodeInt64(cost)...)
	seq = append(seq, wasm.OpcodeI64Sub, wasm.OpcodeGlobalSet)
	seq = append(seq, g...)
	seq = append(seq, wasm.OpcodeGlobalGet)
	seq = append(seq, g...)
	return append(seq,
		wasm.OpcodeI64Const, 0x00,
		wasm.OpcodeI64LtS,
		wasm.OpcodeIf, blockTypeEmpty,
		wasm.OpcodeUnreachable,
		wasm.OpcodeEnd,
	)
}

func checkValueTypes(m *wasm.Module) error {
	simd := fmt.Errorf("%w: SIMD value types", ErrUnsupported)
	for _, ft := range m.TypeSection {
		if hasV128(ft.Params) || hasV128(ft.Results) {
			return simd
		}
	}
	for _, g := range m.GlobalSection {
		if g.Type.ValType == wasm.ValueTypeV128 {
			return simd
		}
	}
	for _, imp := range m.ImportSection {
		if imp.DescGlobal != nil && imp.DescGlobal.ValType == wasm.ValueTypeV128 {
			return simd
		}
	}
	for _, c := range m.CodeSection {
		if hasV128(c.LocalTypes) {
			return simd
		}
	}
	return nil
}

func hasV128(types []wasm.ValueType) bool {
	return bytes.IndexByte(types, wasm.ValueTypeV128) >= 0
}

func spliceDataCount(bin []byte, count uint32) []byte {
	content := leb128.EncodeUint32(count)
	section := append([]byte{wasm.SectionIDDataCount}, leb128.EncodeUint32(uint32(len(content)))...)
	section = append(section, content...)

	pos := 8 // magic + version
	for pos < len(bin) {
		id := bin[pos]
		if id == wasm.SectionIDCode || id == wasm.SectionIDData {
			break
		}
		size, n, err := leb128.DecodeUint32(bytes.NewReader(bin[pos+1:]))
		if err != nil {
			break
		}
		pos += 1 + int(n) + int(size)
	}

	out := make([]byte, 0, len(bin)+len(section))
	out = append(out, bin[:pos]...)
	out = append(out, section...)
	return append(out, bin[pos:]...)
}
