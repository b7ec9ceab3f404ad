// Package safetensors reads and writes the safetensors container used for
// attention inputs and outputs: an 8-byte little-endian header length, a
// JSON header mapping tensor names to dtype, shape and byte offsets, then
// the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flashmha/internal/tensor"
)

var (
	ErrCorruptFile = errors.New("safetensors: corrupt file")
	ErrNotFound    = errors.New("safetensors: tensor not found")
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header read before any allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an opened safetensors container. Tensor data is served from a
// read-only mapping when the platform supports it.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	data    []byte
	body    []byte
	release func([]byte) error
}

// Open maps path and parses its header. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < 8 || st.Size() > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptFile, path, st.Size())
	}

	data, release, err := mapFile(f, int(st.Size()))
	if err != nil {
		return nil, fmt.Errorf("safetensors: load %s: %w", path, err)
	}
	sf, err := parse(data)
	if err != nil {
		_ = release(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.Path = path
	sf.release = release
	return sf, nil
}

// OpenReaderAt loads a container from a random-access reader without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptFile, size)
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	header := data[8 : 8+headerLen]
	body := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptFile, err)
	}

	f := &File{
		Tensors: make(map[string]TensorInfo, len(raw)),
		data:    data,
		body:    body,
	}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &f.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", ErrCorruptFile, err)
		}
		delete(raw, metadataKey)
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: data_offsets must have two entries", ErrCorruptFile, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > int64(len(body)) {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside %d data bytes",
				ErrCorruptFile, name, info.Start, info.End, len(body))
		}
		f.Tensors[name] = info
	}
	return f, nil
}

// Names lists the tensors in the file, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info returns the header entry for name.
func (f *File) Info(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the bytes of name. The slice aliases the mapping and is only
// valid until Close.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.body[t.Start:t.End], t, nil
}

// Tensor decodes name as a [batch, seq, heads, dim] tensor. The result owns
// its storage.
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w: %w", name, tensor.ErrUnsupportedDType, err)
	}
	shape, err := tensor.ShapeOf(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	// The header shape must agree with data_offsets before FromBytes
	// allocates anything sized by the shape.
	if span, size := int64(len(raw)), int64(dtype.Size()); span%size != 0 || span/size != int64(shape.Elements()) {
		return nil, fmt.Errorf("%w: tensor %s: %w: shape %s %s does not fit %d data bytes",
			ErrCorruptFile, name, tensor.ErrSizeMismatch, shape, dtype, span)
	}
	t, err := tensor.FromBytes(shape, dtype, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t, nil
}

// Close releases the mapping. Tensors returned by Tensor stay valid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.release != nil {
		err = f.release(f.data)
	}
	f.data, f.body, f.release = nil, nil, nil
	return err
}

// Write stores tensors at path, sorted by name, with an optional metadata
// block. The header is padded with spaces so the data starts 8-byte aligned.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("safetensors: %q is reserved", metadataKey)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	payloads := make([][]byte, len(names))
	var off int64
	for i, name := range names {
		t := tensors[name]
		if t == nil {
			return fmt.Errorf("safetensors: tensor %s is nil", name)
		}
		payloads[i] = t.Bytes()
		end := off + int64(len(payloads[i]))
		header[name] = tensorHeader{
			DType:       t.DType.SafetensorsName(),
			Shape:       t.Shape.Dims(),
			DataOffsets: []int64{off, end},
		}
		off = end
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	werr := writeAll(out, lenBuf[:], hdr)
	if werr == nil {
		werr = writeAll(out, payloads...)
	}
	if cerr := out.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, werr)
	}
	return nil
}

func writeAll(w io.Writer, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
