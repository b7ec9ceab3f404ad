package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/goccy/go-json"
)

var (
	ErrInvalidShape     = errors.New("invalid tensor shape")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrSizeMismatch     = errors.New("tensor data size mismatch")
)

// Shape is the [batch, sequence, heads, dim] layout shared by Q, K, V and
// the attention output.
type Shape struct {
	Batch, Seq, Heads, Dim int
}

// ShapeOf builds a Shape from a 4-element dimension list.
func ShapeOf(dims []int) (Shape, error) {
	if len(dims) != 4 {
		return Shape{}, fmt.Errorf("%w: want 4 dims [batch, seq, heads, dim], got %d", ErrInvalidShape, len(dims))
	}
	s := Shape{Batch: dims[0], Seq: dims[1], Heads: dims[2], Dim: dims[3]}
	return s, s.Validate()
}

func (s Shape) Validate() error {
	if s.Batch <= 0 || s.Seq <= 0 || s.Heads <= 0 || s.Dim <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidShape, s)
	}
	n := 1
	for _, d := range s.Dims() {
		if n > math.MaxInt/d {
			return fmt.Errorf("%w: %s overflows", ErrInvalidShape, s)
		}
		n *= d
	}
	return nil
}

// MarshalJSON encodes the shape as [batch, seq, heads, dim].
func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Dims())
}

func (s *Shape) UnmarshalJSON(b []byte) error {
	var dims []int
	if err := json.Unmarshal(b, &dims); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidShape, err)
	}
	sh, err := ShapeOf(dims)
	if err != nil {
		return err
	}
	*s = sh
	return nil
}

func (s Shape) Dims() []int {
	return []int{s.Batch, s.Seq, s.Heads, s.Dim}
}

func (s Shape) Elements() int {
	return s.Batch * s.Seq * s.Heads * s.Dim
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s.Batch, s.Seq, s.Heads, s.Dim)
}

// Tensor is a dense row-major [B,S,H,D] array.
//
// F32 tensors keep their values in Data. F16 and BF16 tensors keep the
// little-endian encoding in Raw and are decoded tile by tile, so a half
// precision tensor never exists as a full float32 copy.
type Tensor struct {
	Shape Shape
	DType DType
	Data  []float32
	Raw   []byte
}

// New allocates a zeroed tensor.
func New(shape Shape, dtype DType) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	t := &Tensor{Shape: shape, DType: dtype}
	switch dtype {
	case F32:
		t.Data = make([]float32, shape.Elements())
	case F16, BF16:
		t.Raw = make([]byte, shape.Elements()*2)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	return t, nil
}

// FromFloat32 encodes values into a new tensor, rounding to dtype.
func FromFloat32(shape Shape, dtype DType, values []float32) (*Tensor, error) {
	t, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.Elements() {
		return nil, fmt.Errorf("%w: shape %s wants %d values, got %d", ErrSizeMismatch, shape, shape.Elements(), len(values))
	}
	t.encode(0, values)
	return t, nil
}

// FromBytes wraps little-endian encoded data. raw is copied. The byte
// length is checked against the shape before anything is allocated.
func FromBytes(shape Shape, dtype DType, raw []byte) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	if shape.Elements() > math.MaxInt/size {
		return nil, fmt.Errorf("%w: shape %s %s overflows, got %d bytes", ErrSizeMismatch, shape, dtype, len(raw))
	}
	if want := shape.Elements() * size; len(raw) != want {
		return nil, fmt.Errorf("%w: shape %s %s wants %d bytes, got %d", ErrSizeMismatch, shape, dtype, want, len(raw))
	}
	t, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if dtype == F32 {
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return t, nil
	}
	copy(t.Raw, raw)
	return t, nil
}

// Bytes returns the little-endian encoding of the tensor.
func (t *Tensor) Bytes() []byte {
	if t.DType != F32 {
		out := make([]byte, len(t.Raw))
		copy(out, t.Raw)
		return out
	}
	out := make([]byte, len(t.Data)*4)
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Index returns the flat element index of [b, s, h, 0].
func (t *Tensor) Index(b, s, h int) int {
	sh := t.Shape
	return ((b*sh.Seq+s)*sh.Heads + h) * sh.Dim
}

func (t *Tensor) At(b, s, h, d int) float32 {
	return t.load(t.Index(b, s, h) + d)
}

func (t *Tensor) Set(b, s, h, d int, v float32) {
	i := t.Index(b, s, h) + d
	switch t.DType {
	case F32:
		t.Data[i] = v
	case F16:
		putU16le(t.Raw, i*2, f32ToF16(v))
	case BF16:
		putU16le(t.Raw, i*2, f32ToBF16(v))
	}
}

// Float32 decodes the whole tensor.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, t.Shape.Elements())
	if t.DType == F32 {
		copy(out, t.Data)
		return out
	}
	t.decode(out, 0)
	return out
}

// LoadTile copies dst.R consecutive sequence positions of head h, starting
// at s0, into dst as float32 rows. Positions at or past Seq are zero-filled.
// It returns the number of rows actually read.
func (t *Tensor) LoadTile(dst *Mat, b, s0, h int) int {
	if dst.C != t.Shape.Dim {
		panic("tile width does not match head dim")
	}
	rows := max(min(dst.R, t.Shape.Seq-s0), 0)
	for i := 0; i < rows; i++ {
		t.decode(dst.Row(i), t.Index(b, s0+i, h))
	}
	for i := rows; i < dst.R; i++ {
		clear(dst.Row(i))
	}
	return rows
}

// StoreTile writes the first rows rows of src to positions s0.. of head h.
func (t *Tensor) StoreTile(src *Mat, b, s0, h, rows int) {
	if src.C != t.Shape.Dim {
		panic("tile width does not match head dim")
	}
	if rows > src.R || s0+rows > t.Shape.Seq {
		panic("tile store out of range")
	}
	for i := 0; i < rows; i++ {
		t.encode(t.Index(b, s0+i, h), src.Row(i))
	}
}

// FillNormal fills the tensor with standard normal samples from a seeded
// generator, rounded to the storage dtype.
func (t *Tensor) FillNormal(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	vals := make([]float32, t.Shape.Elements())
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	t.encode(0, vals)
}

func (t *Tensor) load(i int) float32 {
	switch t.DType {
	case F16:
		return f16ToF32(u16le(t.Raw, i*2))
	case BF16:
		return bf16ToF32(u16le(t.Raw, i*2))
	default:
		return t.Data[i]
	}
}

func (t *Tensor) decode(dst []float32, off int) {
	switch t.DType {
	case F16:
		for j := range dst {
			dst[j] = f16ToF32(u16le(t.Raw, (off+j)*2))
		}
	case BF16:
		for j := range dst {
			dst[j] = bf16ToF32(u16le(t.Raw, (off+j)*2))
		}
	default:
		copy(dst, t.Data[off:off+len(dst)])
	}
}

func (t *Tensor) encode(off int, src []float32) {
	switch t.DType {
	case F16:
		for j, v := range src {
			putU16le(t.Raw, (off+j)*2, f32ToF16(v))
		}
	case BF16:
		for j, v := range src {
			putU16le(t.Raw, (off+j)*2, f32ToBF16(v))
		}
	default:
		copy(t.Data[off:], src)
	}
}
