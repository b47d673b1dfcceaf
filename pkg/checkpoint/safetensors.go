// Package checkpoint reads and writes model directories: a Hugging Face style
// config.json next to a model.safetensors weight file.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/exp/mmap"

	"mhllama/pkg/tensor"
)

// ErrFormat is wrapped by every malformed-file error.
var ErrFormat = errors.New("invalid safetensors file")

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header we are willing to read.
const maxHeaderSize = 100 << 20

// TensorInfo is one entry of a safetensors header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func dtypeSize(dtype string) (int64, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	}
	return 0, false
}

// WriteSafetensors writes tensors as little-endian F32 to path. Tensors are laid
// out in name order and the header carries {"format": "pt"} metadata.
func WriteSafetensors(path string, tensors []tensor.Named) error {
	sorted := make([]tensor.Named, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := map[string]any{metadataKey: map[string]string{"format": "pt"}}
	var offset int64
	for i, t := range sorted {
		if t.Name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", metadataKey)
		}
		if i > 0 && sorted[i-1].Name == t.Name {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		size := int64(len(t.Tensor.Data)) * 4
		header[t.Name] = TensorInfo{DType: "F32", Shape: t.Tensor.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// pad with spaces so tensor data starts 8-byte aligned
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	buf := make([]byte, 4)
	for _, t := range sorted {
		for _, v := range t.Tensor.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// File is a memory-mapped safetensors file.
type File struct {
	path     string
	mmap     *mmap.ReaderAt
	dataOff  int64
	tensors  map[string]TensorInfo
	metadata map[string]string
}

// OpenSafetensors maps path and parses its header. Tensor data is read lazily.
func OpenSafetensors(path string) (*File, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	f := &File{path: path, mmap: r, tensors: make(map[string]TensorInfo)}
	if err := f.parse(); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) parse() error {
	size := int64(f.mmap.Len())
	if size < 8 {
		return fmt.Errorf("%w: file too small for header", ErrFormat)
	}

	var lenBuf [8]byte
	if _, err := f.mmap.ReadAt(lenBuf[:], 0); err != nil {
		return fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize || int64(headerLen) > size-8 {
		return fmt.Errorf("%w: header length %d exceeds file size %d", ErrFormat, headerLen, size)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := f.mmap.ReadAt(headerJSON, 8); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return fmt.Errorf("%w: decode header: %v", ErrFormat, err)
	}

	f.dataOff = 8 + int64(headerLen)
	dataLen := size - f.dataOff
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.metadata); err != nil {
				return fmt.Errorf("%w: decode metadata: %v", ErrFormat, err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return fmt.Errorf("%w: decode entry %s: %v", ErrFormat, name, err)
		}
		elemSize, ok := dtypeSize(info.DType)
		if !ok {
			return fmt.Errorf("%w: tensor %s has unsupported dtype %s", ErrFormat, name, info.DType)
		}
		numel := int64(1)
		for _, d := range info.Shape {
			if d < 0 {
				return fmt.Errorf("%w: tensor %s has negative dimension", ErrFormat, name)
			}
			numel *= int64(d)
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > dataLen {
			return fmt.Errorf("%w: tensor %s offsets [%d, %d) outside data of %d bytes", ErrFormat, name, begin, end, dataLen)
		}
		if end-begin != numel*elemSize {
			return fmt.Errorf("%w: tensor %s has %d bytes, shape %v needs %d", ErrFormat, name, end-begin, info.Shape, numel*elemSize)
		}
		f.tensors[name] = info
	}
	return nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the header entry of a tensor.
func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.tensors[name]
	return info, ok
}

// Metadata returns the __metadata__ map of the header (may be nil).
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// Tensor reads and decodes a tensor to float32. F32, F16 and BF16 are supported.
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}

	raw := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if _, err := f.mmap.ReadAt(raw, f.dataOff+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}

	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	t := tensor.NewTensor(shape)
	switch info.DType {
	case "F32":
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case "F16":
		for i := range t.Data {
			t.Data[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case "BF16":
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		}
	}
	return t, nil
}

// Close unmaps the file.
func (f *File) Close() error {
	return f.mmap.Close()
}

// float16ToFloat32 converts IEEE 754 half precision bits to float32.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalise
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}
