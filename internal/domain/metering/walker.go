package metering

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Opcodes outside the supported feature set.
const (
	opcodeReturnCall         = 0x12
	opcodeReturnCallIndirect = 0x13
	opcodeThreadsPrefix      = 0xfe
	opcodeMemArgFirst        = 0x28 // i32.load
	opcodeMemArgLast         = 0x3e // i64.store32
	opcodeNumericFirst       = 0x45 // i32.eqz
	opcodeNumericLast        = 0xc4 // i64.extend32_s
	opcodeRefIsNull          = 0xd1
	miscTableFill            = 17
)

// instruction is one decoded instruction of a function body, located by its
// byte range [start, end).
type instruction struct {
	opcode byte
	start  int
	end    int

	// global is the immediate of global.get and global.set.
	global uint32
}

// bodyReader walks a function body one instruction at a time.
type bodyReader struct {
	body []byte
	r    *bytes.Reader
}

func newBodyReader(body []byte) *bodyReader {
	return &bodyReader{body: body, r: bytes.NewReader(body)}
}

func (br *bodyReader) offset() int {
	return len(br.body) - br.r.Len()
}

func (br *bodyReader) done() bool {
	return br.r.Len() == 0
}

func (br *bodyReader) next() (instruction, error) {
	start := br.offset()
	op, err := br.r.ReadByte()
	if err != nil {
		return instruction{}, fmt.Errorf("%w: truncated function body", ErrMalformed)
	}
	ins := instruction{opcode: op, start: start}
	if op == wasm.OpcodeGlobalGet || op == wasm.OpcodeGlobalSet {
		ins.global, _, err = leb128.DecodeUint32(br.r)
		if err != nil {
			return instruction{}, malformed(err, "global index")
		}
	} else if err := br.skipImmediates(op); err != nil {
		return instruction{}, err
	}
	ins.end = br.offset()
	return ins, nil
}

func (br *bodyReader) skipImmediates(op byte) error {
	if op >= opcodeNumericFirst && op <= opcodeNumericLast {
		return nil
	}
	if op >= opcodeMemArgFirst && op <= opcodeMemArgLast {
		return br.u32s(2)
	}

	switch op {
	case wasm.OpcodeUnreachable, wasm.OpcodeNop, wasm.OpcodeElse, wasm.OpcodeEnd,
		wasm.OpcodeReturn, wasm.OpcodeDrop, wasm.OpcodeSelect, opcodeRefIsNull:
		return nil
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		_, _, err := leb128.DecodeInt33AsInt64(br.r)
		return malformed(err, "block type")
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeTableGet, wasm.OpcodeTableSet, wasm.OpcodeRefFunc,
		wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		return br.u32s(1)
	case wasm.OpcodeBrTable:
		n, _, err := leb128.DecodeUint32(br.r)
		if err != nil {
			return malformed(err, "br_table length")
		}
		return br.u32s(int(n) + 1)
	case wasm.OpcodeCallIndirect:
		return br.u32s(2)
	case wasm.OpcodeTypedSelect:
		n, _, err := leb128.DecodeUint32(br.r)
		if err != nil {
			return malformed(err, "select types")
		}
		return br.skip(int(n))
	case wasm.OpcodeI32Const:
		_, _, err := leb128.DecodeInt32(br.r)
		return malformed(err, "i32.const")
	case wasm.OpcodeI64Const:
		_, _, err := leb128.DecodeInt64(br.r)
		return malformed(err, "i64.const")
	case wasm.OpcodeF32Const:
		return br.skip(4)
	case wasm.OpcodeF64Const:
		return br.skip(8)
	case wasm.OpcodeRefNull:
		return br.skip(1)
	case wasm.OpcodeMiscPrefix:
		return br.skipMisc()
	case wasm.OpcodeVecPrefix:
		return fmt.Errorf("%w: SIMD instructions", ErrUnsupported)
	case opcodeThreadsPrefix:
		return fmt.Errorf("%w: atomic instructions", ErrUnsupported)
	case opcodeReturnCall, opcodeReturnCallIndirect:
		return fmt.Errorf("%w: tail calls", ErrUnsupported)
	case 0x06, 0x07, 0x08, 0x09, 0x0a, 0x18, 0x19:
		return fmt.Errorf("%w: exception handling", ErrUnsupported)
	default:
		return fmt.Errorf("%w: unknown opcode 0x%02x at offset %d", ErrMalformed, op, br.offset()-1)
	}
}

// skipMisc handles the 0xfc prefix: saturating truncation, bulk memory and
// table instructions.
func (br *bodyReader) skipMisc() error {
	sub, _, err := leb128.DecodeUint32(br.r)
	if err != nil {
		return malformed(err, "misc opcode")
	}
	switch {
	case sub <= 7:
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		return br.u32s(2)
	case sub <= miscTableFill:
		return br.u32s(1)
	default:
		return fmt.Errorf("%w: misc opcode 0xfc %d", ErrUnsupported, sub)
	}
}

func (br *bodyReader) u32s(n int) error {
	for i := 0; i < n; i++ {
		if _, _, err := leb128.DecodeUint32(br.r); err != nil {
			return malformed(err, "immediate")
		}
	}
	return nil
}

func (br *bodyReader) skip(n int) error {
	if n < 0 || n > br.r.Len() {
		return fmt.Errorf("%w: immediate runs past end of body", ErrMalformed)
	}
	_, _ = br.r.Seek(int64(n), io.SeekCurrent)
	return nil
}

func malformed(err error, what string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}
