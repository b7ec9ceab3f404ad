package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/flashmha/internal/tensor"
)

func filled(t *testing.T, shape tensor.Shape, dtype tensor.DType, seed uint64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, dtype)
	require.NoError(t, err)
	x.FillNormal(seed)
	return x
}

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qkv.safetensors")
	shape := tensor.Shape{Batch: 1, Seq: 5, Heads: 2, Dim: 3}
	in := map[string]*tensor.Tensor{
		"q": filled(t, shape, tensor.F16, 1),
		"k": filled(t, shape, tensor.BF16, 2),
		"v": filled(t, shape, tensor.F32, 3),
	}
	require.NoError(t, Write(path, in, map[string]string{"format": "pt"}))

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	assert.Equal(t, []string{"k", "q", "v"}, f.Names())
	assert.Equal(t, map[string]string{"format": "pt"}, f.Metadata)
	for name, want := range in {
		got, err := f.Tensor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want.Shape, got.Shape, name)
		assert.Equal(t, want.DType, got.DType, name)
		assert.Equal(t, want.Bytes(), got.Bytes(), name)
	}

	info, ok := f.Info("q")
	require.True(t, ok)
	assert.Equal(t, "F16", info.DType)
	assert.Equal(t, []int{1, 5, 2, 3}, info.Shape)
}

func TestHeaderIsAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")
	x := filled(t, tensor.Shape{Batch: 1, Seq: 1, Heads: 1, Dim: 1}, tensor.F32, 9)
	require.NoError(t, Write(path, map[string]*tensor.Tensor{"output": x}, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, n%8)
	assert.Len(t, raw, 8+int(n)+4)
	assert.NotContains(t, string(raw[8:8+n]), metadataKey)
}

func TestOpenReaderAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.safetensors")
	x := filled(t, tensor.Shape{Batch: 2, Seq: 3, Heads: 1, Dim: 4}, tensor.F16, 4)
	require.NoError(t, Write(path, map[string]*tensor.Tensor{"x": x}, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	f, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	got, err := f.Tensor("x")
	require.NoError(t, err)
	assert.Equal(t, x.Raw, got.Raw)
}

func writeRaw(t *testing.T, header string, body []byte) string {
	t.Helper()
	var buf bytes.Buffer
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(header)))
	buf.Write(n[:])
	buf.WriteString(header)
	buf.Write(body)
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpenRejectsCorruptHeaders(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"q":`,
		"offsets past end": `{"q":{"dtype":"F32","shape":[1,1,1,1],"data_offsets":[0,8]}}`,
		"reversed offsets": `{"q":{"dtype":"F32","shape":[1,1,1,1],"data_offsets":[4,0]}}`,
		"one offset":       `{"q":{"dtype":"F32","shape":[1,1,1,1],"data_offsets":[0]}}`,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Open(writeRaw(t, header, make([]byte, 4)))
			require.ErrorIs(t, err, ErrCorruptFile)
		})
	}

	short := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o644))
	_, err := Open(short)
	require.ErrorIs(t, err, ErrCorruptFile)

	huge := writeRaw(t, "{}", nil)
	raw, err := os.ReadFile(huge)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(raw[:8], 1<<40)
	require.NoError(t, os.WriteFile(huge, raw, 0o644))
	_, err = Open(huge)
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestTensorErrors(t *testing.T) {
	header := `{"ids":{"dtype":"I32","shape":[1,1,1,1],"data_offsets":[0,4]},` +
		`"flat":{"dtype":"F32","shape":[1],"data_offsets":[0,4]},` +
		`"short":{"dtype":"F32","shape":[1,1,1,2],"data_offsets":[0,4]}}`
	f, err := Open(writeRaw(t, header, make([]byte, 4)))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Tensor("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.Tensor("ids")
	require.ErrorIs(t, err, tensor.ErrUnsupportedDType)
	_, err = f.Tensor("flat")
	require.ErrorIs(t, err, tensor.ErrInvalidShape)
	_, err = f.Tensor("short")
	require.ErrorIs(t, err, tensor.ErrSizeMismatch)
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestTensorShapeDisagreesWithOffsets(t *testing.T) {
	tests := map[string]string{
		"huge shape over eight bytes": `{"q":{"dtype":"F16","shape":[32768,32768,32768,1024],"data_offsets":[0,8]}}`,
		"shape larger than data":      `{"q":{"dtype":"F32","shape":[1,4,1,1],"data_offsets":[0,8]}}`,
		"shape smaller than data":     `{"q":{"dtype":"BF16","shape":[1,1,1,1],"data_offsets":[0,8]}}`,
		"odd span for half precision": `{"q":{"dtype":"F16","shape":[1,1,1,3],"data_offsets":[0,7]}}`,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := Open(writeRaw(t, header, make([]byte, 8)))
			require.NoError(t, err)
			defer f.Close()

			var x *tensor.Tensor
			require.NotPanics(t, func() { x, err = f.Tensor("q") })
			require.ErrorIs(t, err, ErrCorruptFile)
			require.ErrorIs(t, err, tensor.ErrSizeMismatch)
			assert.Nil(t, x)
		})
	}
}

func TestWriteRejectsReservedName(t *testing.T) {
	x := filled(t, tensor.Shape{Batch: 1, Seq: 1, Heads: 1, Dim: 1}, tensor.F32, 1)
	err := Write(filepath.Join(t.TempDir(), "x"), map[string]*tensor.Tensor{metadataKey: x}, nil)
	require.Error(t, err)
}
