package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// ValueType is a WebAssembly numeric type.
type ValueType string

// Supported argument and result types.
const (
	TypeI32 ValueType = "i32"
	TypeI64 ValueType = "i64"
	TypeF32 ValueType = "f32"
	TypeF64 ValueType = "f64"
)

// Value is a typed WebAssembly value.
type Value struct {
	Type ValueType
	raw  uint64
}

// I32 returns an i32 value.
func I32(v int32) Value { return Value{Type: TypeI32, raw: api.EncodeI32(v)} }

// I64 returns an i64 value.
func I64(v int64) Value { return Value{Type: TypeI64, raw: api.EncodeI64(v)} }

// F32 returns an f32 value.
func F32(v float32) Value { return Value{Type: TypeF32, raw: api.EncodeF32(v)} }

// F64 returns an f64 value.
func F64(v float64) Value { return Value{Type: TypeF64, raw: api.EncodeF64(v)} }

// ParseValue parses "type:literal", for example "i32:10" or "f64:0.5".
func ParseValue(s string) (Value, error) {
	typ, lit, ok := strings.Cut(s, ":")
	if !ok {
		return Value{}, fmt.Errorf("%w: argument %q must be type:value", ErrInvalidInput, s)
	}
	switch ValueType(typ) {
	case TypeI32:
		n, err := strconv.ParseInt(lit, 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return I32(int32(n)), nil
	case TypeI64:
		n, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return I64(n), nil
	case TypeF32:
		f, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return F32(float32(f)), nil
	case TypeF64:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return F64(f), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown value type %q", ErrInvalidInput, typ)
	}
}

// Int returns integer values sign-extended to int64.
func (v Value) Int() int64 {
	if v.Type == TypeI32 {
		return int64(api.DecodeI32(v.raw))
	}
	return int64(v.raw)
}

// Float returns float values widened to float64.
func (v Value) Float() float64 {
	if v.Type == TypeF32 {
		return float64(api.DecodeF32(v.raw))
	}
	return api.DecodeF64(v.raw)
}

// Interface returns the Go value.
func (v Value) Interface() any {
	switch v.Type {
	case TypeI32:
		return api.DecodeI32(v.raw)
	case TypeI64:
		return int64(v.raw)
	case TypeF32:
		return api.DecodeF32(v.raw)
	default:
		return api.DecodeF64(v.raw)
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s:%v", v.Type, v.Interface())
}

// MarshalJSON encodes the value as {"type":"i32","value":42}. Non-finite
// floats are encoded as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	var val any = v.Interface()
	if v.Type == TypeF32 || v.Type == TypeF64 {
		if f := v.Float(); math.IsInf(f, 0) || math.IsNaN(f) {
			val = strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return json.Marshal(struct {
		Type  ValueType `json:"type"`
		Value any       `json:"value"`
	}{v.Type, val})
}

func (t ValueType) apiType() api.ValueType {
	switch t {
	case TypeI32:
		return api.ValueTypeI32
	case TypeI64:
		return api.ValueTypeI64
	case TypeF32:
		return api.ValueTypeF32
	default:
		return api.ValueTypeF64
	}
}

func valueFromAPI(t api.ValueType, raw uint64) Value {
	switch t {
	case api.ValueTypeI32:
		return Value{Type: TypeI32, raw: uint64(uint32(raw))}
	case api.ValueTypeI64:
		return Value{Type: TypeI64, raw: raw}
	case api.ValueTypeF32:
		return Value{Type: TypeF32, raw: uint64(uint32(raw))}
	default:
		return Value{Type: TypeF64, raw: raw}
	}
}

// encodeArgs checks args against the function's parameter types.
func encodeArgs(params []api.ValueType, args []Value) ([]uint64, error) {
	if len(params) != len(args) {
		return nil, fmt.Errorf("%w: entry takes %d arguments, got %d", ErrInvalidInput, len(params), len(args))
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		if a.Type.apiType() != params[i] {
			return nil, fmt.Errorf("%w: argument %d is %s, entry expects %s",
				ErrInvalidInput, i, a.Type, api.ValueTypeName(params[i]))
		}
		out[i] = a.raw
	}
	return out, nil
}
