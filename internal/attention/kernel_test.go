package attention

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/flashmha/internal/reference"
	"github.com/samcharles93/flashmha/internal/tensor"
)

func randomQKV(t *testing.T, shape tensor.Shape, dtype tensor.DType, seed uint64) (q, k, v *tensor.Tensor) {
	t.Helper()
	out := make([]*tensor.Tensor, 3)
	for i := range out {
		x, err := tensor.New(shape, dtype)
		require.NoError(t, err)
		x.FillNormal(seed + uint64(i)*101)
		out[i] = x
	}
	return out[0], out[1], out[2]
}

func mustForward(t *testing.T, cfg Config, q, k, v *tensor.Tensor) (*tensor.Tensor, Stats) {
	t.Helper()
	kern, err := New(cfg)
	require.NoError(t, err)
	out, stats, err := kern.Forward(context.Background(), q, k, v)
	require.NoError(t, err)
	return out, stats
}

func TestForwardMatchesReference(t *testing.T) {
	shapes := []tensor.Shape{
		{Batch: 2, Seq: 96, Heads: 3, Dim: 32},
		{Batch: 1, Seq: 130, Heads: 2, Dim: 64},
		{Batch: 1, Seq: 17, Heads: 1, Dim: 8},
	}
	blocks := [][2]int{{64, 64}, {32, 16}, {16, 48}}
	dtypes := []struct {
		dtype tensor.DType
		tol   float64
	}{
		{tensor.F16, 1e-2},
		{tensor.BF16, 2e-2},
		{tensor.F32, 1e-4},
	}

	for _, shape := range shapes {
		for _, dt := range dtypes {
			q, k, v := randomQKV(t, shape, dt.dtype, 11)
			for _, causal := range []bool{false, true} {
				want, err := reference.Attention(q, k, v, causal, 0)
				require.NoError(t, err)
				for _, bl := range blocks {
					name := fmt.Sprintf("%s/%s/causal=%v/%dx%d", shape, dt.dtype, causal, bl[0], bl[1])
					t.Run(name, func(t *testing.T) {
						got, _ := mustForward(t, Config{BlockM: bl[0], BlockN: bl[1], Causal: causal}, q, k, v)
						assert.Equal(t, dt.dtype, got.DType)
						r, err := reference.Compare(got, want, dt.tol, dt.tol)
						require.NoError(t, err)
						assert.True(t, r.OK(), r.String())
					})
				}
			}
		}
	}
}

func TestBlockSizeInvariance(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 200, Heads: 2, Dim: 16}
	q, k, v := randomQKV(t, shape, tensor.F32, 3)
	for _, causal := range []bool{false, true} {
		base, _ := mustForward(t, Config{BlockM: 64, BlockN: 64, Causal: causal}, q, k, v)
		for _, bl := range [][2]int{{1, 1}, {7, 13}, {200, 200}, {256, 32}} {
			got, _ := mustForward(t, Config{BlockM: bl[0], BlockN: bl[1], Causal: causal}, q, k, v)
			r, err := reference.Compare(got, base, 1e-5, 1e-5)
			require.NoError(t, err)
			assert.True(t, r.OK(), "blocks %v causal=%v: %s", bl, causal, r)
		}
	}
}

func TestOnesValuesGiveOnes(t *testing.T) {
	shape := tensor.Shape{Batch: 2, Seq: 77, Heads: 2, Dim: 8}
	q, k, _ := randomQKV(t, shape, tensor.F16, 5)
	ones := make([]float32, shape.Elements())
	for i := range ones {
		ones[i] = 1
	}
	v, err := tensor.FromFloat32(shape, tensor.F16, ones)
	require.NoError(t, err)

	for _, causal := range []bool{false, true} {
		out, _ := mustForward(t, Config{BlockM: 32, BlockN: 16, Causal: causal}, q, k, v)
		for i, x := range out.Float32() {
			require.Equal(t, float32(1), x, "element %d causal=%v", i, causal)
		}
	}
}

func TestCausalIgnoresFutureKeys(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 100, Heads: 2, Dim: 16}
	q, k, v := randomQKV(t, shape, tensor.F32, 9)
	cfg := Config{BlockM: 32, BlockN: 32, Causal: true}
	before, _ := mustForward(t, cfg, q, k, v)

	const cut = 40
	for s := cut + 1; s < shape.Seq; s++ {
		for h := 0; h < shape.Heads; h++ {
			for d := 0; d < shape.Dim; d++ {
				k.Set(0, s, h, d, 1e4)
				v.Set(0, s, h, d, float32(math.Inf(1)))
			}
		}
	}
	after, _ := mustForward(t, cfg, q, k, v)

	for s := 0; s <= cut; s++ {
		for h := 0; h < shape.Heads; h++ {
			for d := 0; d < shape.Dim; d++ {
				require.Equal(t, before.At(0, s, h, d), after.At(0, s, h, d), "s=%d h=%d d=%d", s, h, d)
			}
		}
	}
}

func TestPartialTailBlocks(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 130, Heads: 1, Dim: 32}
	q, k, v := randomQKV(t, shape, tensor.F16, 21)
	for _, causal := range []bool{false, true} {
		got, stats := mustForward(t, Config{BlockM: 64, BlockN: 64, Causal: causal}, q, k, v)
		want, err := reference.Attention(q, k, v, causal, 0)
		require.NoError(t, err)
		require.EqualValues(t, 3, stats.Units)

		// Rows 128 and 129 live in the two-row tail block.
		for s := 126; s < shape.Seq; s++ {
			for d := 0; d < shape.Dim; d++ {
				assert.InDelta(t, want.At(0, s, 0, d), got.At(0, s, 0, d), 1e-2, "s=%d d=%d", s, d)
			}
		}
	}
}

func TestSinglePositionReturnsValue(t *testing.T) {
	shape := tensor.Shape{Batch: 3, Seq: 1, Heads: 2, Dim: 5}
	q, k, v := randomQKV(t, shape, tensor.F16, 1)
	for _, causal := range []bool{false, true} {
		for _, bl := range [][2]int{{1, 1}, {64, 64}} {
			out, _ := mustForward(t, Config{BlockM: bl[0], BlockN: bl[1], Causal: causal}, q, k, v)
			assert.Equal(t, v.Raw, out.Raw)
		}
	}
}

func TestExtremeLogitsStayFinite(t *testing.T) {
	// Integer inputs keep the raw scores exact; they span roughly ±1e4.
	shape := tensor.Shape{Batch: 1, Seq: 90, Heads: 2, Dim: 4}
	vals := func(mul, add int) []float32 {
		out := make([]float32, shape.Elements())
		for i := range out {
			out[i] = float32((i*mul+add)%101 - 50)
		}
		return out
	}
	q, err := tensor.FromFloat32(shape, tensor.F32, vals(37, 11))
	require.NoError(t, err)
	k, err := tensor.FromFloat32(shape, tensor.F32, vals(53, 29))
	require.NoError(t, err)
	_, _, v := randomQKV(t, shape, tensor.F32, 77)

	for _, causal := range []bool{false, true} {
		got, _ := mustForward(t, Config{BlockM: 16, BlockN: 16, Causal: causal, Scale: 1}, q, k, v)
		for i, x := range got.Float32() {
			require.False(t, math.IsNaN(float64(x)) || math.IsInf(float64(x), 0), "element %d = %v", i, x)
		}
		want, err := reference.Attention(q, k, v, causal, 1)
		require.NoError(t, err)
		r, err := reference.Compare(got, want, 1e-2, 1e-2)
		require.NoError(t, err)
		assert.True(t, r.OK(), r.String())
	}
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	shape := tensor.Shape{Batch: 2, Seq: 150, Heads: 3, Dim: 16}
	q, k, v := randomQKV(t, shape, tensor.F16, 33)
	base, baseStats := mustForward(t, Config{BlockM: 32, BlockN: 32, Causal: true, Workers: 1}, q, k, v)
	for _, w := range []int{2, 5, 64} {
		got, stats := mustForward(t, Config{BlockM: 32, BlockN: 32, Causal: true, Workers: w}, q, k, v)
		assert.Equal(t, base.Raw, got.Raw, "workers=%d", w)
		assert.Equal(t, baseStats, stats, "workers=%d", w)
	}
}

func TestLog2ScaledMatchesNaturalScale(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 40, Heads: 1, Dim: 16}
	q, k, v := randomQKV(t, shape, tensor.F32, 8)
	natural, _ := mustForward(t, Config{BlockM: 16, BlockN: 16, Scale: 0.25}, q, k, v)
	folded, _ := mustForward(t, Config{BlockM: 16, BlockN: 16, Scale: 0.25 * Log2E, Log2Scaled: true}, q, k, v)
	assert.Equal(t, natural.Data, folded.Data)

	cfg := Config{Scale: 0.25 * Log2E, Log2Scaled: true}
	assert.InDelta(t, 0.25, cfg.SoftmaxScale(16), 1e-12)
	assert.InDelta(t, 0.25, Config{}.SoftmaxScale(16), 1e-12)
}

func TestStatsCountSkippedAndMaskedBlocks(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 256, Heads: 1, Dim: 8}
	q, k, v := randomQKV(t, shape, tensor.F16, 2)

	_, causal := mustForward(t, Config{BlockM: 64, BlockN: 64, Causal: true}, q, k, v)
	assert.Equal(t, Stats{Units: 4, KeyBlocks: 10, MaskedBlocks: 4, SkippedBlocks: 6}, causal)

	_, full := mustForward(t, Config{BlockM: 64, BlockN: 64}, q, k, v)
	assert.Equal(t, Stats{Units: 4, KeyBlocks: 16}, full)

	// Every 64-row query block straddles two 32-wide key blocks.
	_, split := mustForward(t, Config{BlockM: 64, BlockN: 32, Causal: true}, q, k, v)
	assert.Equal(t, Stats{Units: 4, KeyBlocks: 2 + 4 + 6 + 8, MaskedBlocks: 8, SkippedBlocks: 6 + 4 + 2}, split)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{BlockM: 0, BlockN: 64})
	require.ErrorIs(t, err, ErrInvalidBlockSize)
	_, err = New(Config{BlockM: 64, BlockN: -1})
	require.ErrorIs(t, err, ErrInvalidBlockSize)
	_, err = New(Config{BlockM: 64, BlockN: 64, Scale: -1})
	require.ErrorIs(t, err, ErrInvalidScale)
	_, err = New(Config{BlockM: 64, BlockN: 64, Scale: math.NaN()})
	require.ErrorIs(t, err, ErrInvalidScale)
	_, err = New(Config{BlockM: 64, BlockN: 64, Workers: -2})
	require.Error(t, err)
	_, err = New(DefaultConfig())
	require.NoError(t, err)
}

func TestRunRejectsMismatchedShapes(t *testing.T) {
	kern, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	shape := tensor.Shape{Batch: 1, Seq: 8, Heads: 2, Dim: 4}
	q, k, v := randomQKV(t, shape, tensor.F16, 1)
	out, _ := tensor.New(shape, tensor.F16)

	short, _ := tensor.New(tensor.Shape{Batch: 1, Seq: 7, Heads: 2, Dim: 4}, tensor.F16)
	_, err = kern.Run(ctx, q, short, v, out)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = kern.Run(ctx, q, k, v, short)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = kern.Run(ctx, q, k, nil, out)
	require.ErrorIs(t, err, ErrShapeMismatch)

	truncated := &tensor.Tensor{Shape: shape, DType: tensor.F16, Raw: q.Raw[:10]}
	_, err = kern.Run(ctx, truncated, k, v, out)
	require.ErrorIs(t, err, ErrShapeMismatch)

	odd := &tensor.Tensor{Shape: shape, DType: tensor.DType(9)}
	_, err = kern.Run(ctx, q, k, odd, out)
	require.ErrorIs(t, err, ErrUnsupportedDType)

	// Nothing was written by the rejected calls.
	assert.Equal(t, make([]byte, len(out.Raw)), out.Raw)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	shape := tensor.Shape{Batch: 2, Seq: 64, Heads: 2, Dim: 4}
	q, k, v := randomQKV(t, shape, tensor.F16, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, workers := range []int{1, 4} {
		kern, err := New(Config{BlockM: 16, BlockN: 16, Workers: workers})
		require.NoError(t, err)
		_, _, err = kern.Forward(ctx, q, k, v)
		require.ErrorIs(t, err, context.Canceled, "workers=%d", workers)
	}
}

func TestFLOPs(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 2, Heads: 1, Dim: 3}
	assert.Equal(t, 48.0, FLOPs(shape, false))
	assert.Equal(t, 24.0, FLOPs(shape, true))
	assert.InDelta(t, 1.0, TFLOPS(1e12, 1e9), 1e-12)
	assert.Zero(t, TFLOPS(1e12, 0))
}

func TestPackageForward(t *testing.T) {
	shape := tensor.Shape{Batch: 1, Seq: 3, Heads: 1, Dim: 2}
	q, k, v := randomQKV(t, shape, tensor.F32, 6)
	out, err := Forward(context.Background(), q, k, v, Config{BlockM: 2, BlockN: 2})
	require.NoError(t, err)
	want, err := reference.Attention(q, k, v, false, 0)
	require.NoError(t, err)
	assert.True(t, reference.AllClose(out, want, 1e-5, 1e-5))

	_, err = Forward(context.Background(), q, k, v, Config{})
	require.ErrorIs(t, err, ErrInvalidBlockSize)
}
