package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the storage encoding of a Tensor. Arithmetic is always float32;
// the dtype only decides how elements are kept between tile loads.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// SafetensorsName returns the dtype tag used in safetensors headers.
func (d DType) SafetensorsName() string {
	return strings.ToUpper(d.String())
}

// ParseDType accepts the short names used on the command line and in
// safetensors headers.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float":
		return F32, nil
	case "f16", "float16", "half", "fp16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func putU16le(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:], v)
}

func f16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

func f32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f32ToBF16 rounds to nearest-even on the dropped 16 bits. NaNs stay NaN.
func f32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if f != f {
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// Round returns v after a round trip through dtype d.
func Round(d DType, v float32) float32 {
	switch d {
	case F16:
		return f16ToF32(f32ToF16(v))
	case BF16:
		return bf16ToF32(f32ToBF16(v))
	default:
		return v
	}
}
