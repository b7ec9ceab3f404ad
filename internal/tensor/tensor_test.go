package tensor

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"f32": F32, "float16": F16, "HALF": F16, " bf16 ": BF16} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDType("int8")
	require.Error(t, err)
}

func TestShapeValidate(t *testing.T) {
	require.NoError(t, Shape{1, 2, 3, 4}.Validate())
	require.ErrorIs(t, Shape{1, 0, 3, 4}.Validate(), ErrInvalidShape)
	require.ErrorIs(t, Shape{math.MaxInt / 2, 4, 1, 1}.Validate(), ErrInvalidShape)

	_, err := ShapeOf([]int{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidShape)
	s, err := ShapeOf([]int{2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 120, s.Elements())
}

func TestShapeJSON(t *testing.T) {
	b, err := json.Marshal(Shape{1, 2048, 12, 64})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2048,12,64]`, string(b))

	var s Shape
	require.NoError(t, json.Unmarshal([]byte(`[2,3,4,5]`), &s))
	assert.Equal(t, Shape{2, 3, 4, 5}, s)
	require.ErrorIs(t, json.Unmarshal([]byte(`[2,3,4]`), &s), ErrInvalidShape)
	require.ErrorIs(t, json.Unmarshal([]byte(`{"batch":1}`), &s), ErrInvalidShape)
}

func TestHalfPrecisionRounding(t *testing.T) {
	// 1 + 2^-11 is exactly halfway between two f16 values and rounds to even.
	assert.Equal(t, float32(1), Round(F16, 1+1.0/2048))
	assert.Equal(t, float32(0.5), Round(F16, 0.5))
	assert.Equal(t, float32(65504), Round(F16, 65504))
	assert.True(t, math.IsInf(float64(Round(F16, 1e6)), 1))

	assert.Equal(t, float32(1), Round(BF16, 1+1.0/512))
	assert.True(t, math.IsNaN(float64(Round(BF16, float32(math.NaN())))))
}

func TestTensorSetAtAcrossDTypes(t *testing.T) {
	shape := Shape{Batch: 2, Seq: 3, Heads: 2, Dim: 4}
	for _, dt := range []DType{F32, F16, BF16} {
		x, err := New(shape, dt)
		require.NoError(t, err)
		x.Set(1, 2, 1, 3, 0.75)
		x.Set(0, 0, 0, 0, -2)
		assert.Equal(t, float32(0.75), x.At(1, 2, 1, 3), dt.String())
		assert.Equal(t, float32(-2), x.At(0, 0, 0, 0), dt.String())
		assert.Equal(t, float32(0), x.At(1, 1, 1, 1), dt.String())

		back, err := FromBytes(shape, dt, x.Bytes())
		require.NoError(t, err)
		assert.Equal(t, x.Float32(), back.Float32(), dt.String())
	}
}

func TestFromFloat32SizeMismatch(t *testing.T) {
	_, err := FromFloat32(Shape{1, 2, 1, 2}, F16, make([]float32, 3))
	require.ErrorIs(t, err, ErrSizeMismatch)
	_, err = FromBytes(Shape{1, 2, 1, 2}, F32, make([]byte, 4))
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestFromBytesChecksLengthBeforeAllocating(t *testing.T) {
	huge := Shape{Batch: 32768, Seq: 32768, Heads: 32768, Dim: 1024}
	require.NoError(t, huge.Validate())
	for _, dtype := range []DType{F32, F16, BF16} {
		var x *Tensor
		var err error
		require.NotPanics(t, func() { x, err = FromBytes(huge, dtype, make([]byte, 8)) }, dtype.String())
		require.ErrorIs(t, err, ErrSizeMismatch, dtype.String())
		assert.Nil(t, x)
	}

	_, err := FromBytes(Shape{1, 1, 1, 1}, DType(9), make([]byte, 4))
	require.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestBytesRoundTrip(t *testing.T) {
	shape := Shape{Batch: 1, Seq: 2, Heads: 1, Dim: 2}
	for _, dtype := range []DType{F32, F16, BF16} {
		x, err := FromFloat32(shape, dtype, []float32{1, -2.5, 0.125, 3})
		require.NoError(t, err)
		raw := x.Bytes()
		require.Len(t, raw, shape.Elements()*dtype.Size())
		y, err := FromBytes(shape, dtype, raw)
		require.NoError(t, err)
		assert.Equal(t, x.Float32(), y.Float32(), dtype.String())
	}

	x, err := FromFloat32(Shape{1, 1, 1, 1}, F32, []float32{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, x.Bytes())
}

func TestLoadTileZeroFillsPastSequenceEnd(t *testing.T) {
	shape := Shape{Batch: 1, Seq: 5, Heads: 2, Dim: 3}
	vals := make([]float32, shape.Elements())
	for i := range vals {
		vals[i] = float32(i + 1)
	}
	x, err := FromFloat32(shape, F16, vals)
	require.NoError(t, err)

	tile := NewMat(4, 3)
	tile.Fill(42)
	rows := x.LoadTile(&tile, 0, 3, 1)
	require.Equal(t, 2, rows)
	assert.Equal(t, []float32{22, 23, 24}, tile.Row(0)) // s=3, h=1
	assert.Equal(t, []float32{28, 29, 30}, tile.Row(1)) // s=4, h=1
	assert.Equal(t, []float32{0, 0, 0}, tile.Row(2))
	assert.Equal(t, []float32{0, 0, 0}, tile.Row(3))

	out, err := New(shape, F32)
	require.NoError(t, err)
	out.StoreTile(&tile, 0, 3, 1, rows)
	assert.Equal(t, float32(29), out.At(0, 4, 1, 1))
	assert.Equal(t, float32(0), out.At(0, 4, 0, 1))
	require.Panics(t, func() { out.StoreTile(&tile, 0, 3, 1, 3) })
}

func TestFillNormalIsSeeded(t *testing.T) {
	shape := Shape{Batch: 1, Seq: 64, Heads: 2, Dim: 8}
	a, _ := New(shape, F16)
	b, _ := New(shape, F16)
	c, _ := New(shape, F16)
	a.FillNormal(7)
	b.FillNormal(7)
	c.FillNormal(8)
	assert.Equal(t, a.Raw, b.Raw)
	assert.NotEqual(t, a.Raw, c.Raw)

	var mean float64
	for _, v := range a.Float32() {
		mean += float64(v)
	}
	mean /= float64(shape.Elements())
	assert.InDelta(t, 0, mean, 0.2)
}
