package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/x448/float16"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

// Parse reads a GGUF image held in memory. Tensor data aliases data.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", k, err)
		}
		offset += n
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if err := need(data, offset, uint64(dims)*8+12); err != nil {
			return nil, err
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid alignment 0")
	}
	offset = align(offset, alignment)
	file.DataOffset = offset

	for _, t := range file.Tensors {
		start := offset + t.Offset
		end := start + t.SizeBytes()
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d, %d) out of bounds (%d bytes)", t.Name, start, end, len(data))
		}
		t.Data = data[start:end]
	}

	return file, nil
}

func align(offset, alignment uint64) uint64 {
	if rem := offset % alignment; rem != 0 {
		return offset + alignment - rem
	}
	return offset
}

func need(data []byte, offset, n uint64) error {
	if offset+n > uint64(len(data)) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if err := need(data, offset, 8); err != nil {
		return "", 0, err
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if err := need(data, offset+8, length); err != nil {
		return "", 0, err
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

var scalarSizes = map[GGUFMetadataValueType]uint64{
	GGUFMetadataValueTypeUint8:   1,
	GGUFMetadataValueTypeInt8:    1,
	GGUFMetadataValueTypeBool:    1,
	GGUFMetadataValueTypeUint16:  2,
	GGUFMetadataValueTypeInt16:   2,
	GGUFMetadataValueTypeUint32:  4,
	GGUFMetadataValueTypeInt32:   4,
	GGUFMetadataValueTypeFloat32: 4,
	GGUFMetadataValueTypeUint64:  8,
	GGUFMetadataValueTypeInt64:   8,
	GGUFMetadataValueTypeFloat64: 8,
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	if size, ok := scalarSizes[typ]; ok {
		if err := need(data, offset, size); err != nil {
			return nil, 0, err
		}
	}
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if err := need(data, offset, 12); err != nil {
			return nil, 0, err
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		currentOff := offset + 12

		var arr []interface{}
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// String returns a string metadata value.
func (f *GGUFFile) String(key string) (string, bool) {
	v, ok := f.KV[key].(string)
	return v, ok
}

// Float32 decodes the tensor into a fresh float32 slice.
func (t *TensorInfo) Float32() ([]float32, error) {
	n := int(t.NumElements())
	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	default:
		return nil, ErrUnsupportedType{Name: t.Name, Type: t.Type}
	}
	return out, nil
}
