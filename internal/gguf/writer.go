package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

type kvPair struct {
	key   string
	typ   GGUFMetadataValueType
	value interface{}
}

type pendingTensor struct {
	info TensorInfo
	data []float32
}

// Writer assembles a GGUF v3 file of F32/F16 tensors.
type Writer struct {
	kv        []kvPair
	tensors   []pendingTensor
	names     map[string]bool
	dataSize  uint64
	alignment uint64
}

func NewWriter() *Writer {
	return &Writer{names: make(map[string]bool), alignment: DefaultAlignment}
}

func (w *Writer) SetString(key, value string) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeString, value})
}

func (w *Writer) SetUint32(key string, value uint32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeUint32, value})
}

func (w *Writer) SetFloat32(key string, value float32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeFloat32, value})
}

// AddTensor queues a (rows, cols) tensor stored as typ.
func (w *Writer) AddTensor(name string, typ GGMLType, rows, cols int, data []float32) error {
	if typ != GGMLTypeF32 && typ != GGMLTypeF16 {
		return ErrUnsupportedType{Name: name, Type: typ}
	}
	if len(data) != rows*cols {
		return fmt.Errorf("tensor %s: %d values for shape (%d, %d)", name, len(data), rows, cols)
	}
	if w.names[name] {
		return fmt.Errorf("tensor %s added twice", name)
	}
	w.names[name] = true

	info := TensorInfo{
		Name:       name,
		Dimensions: []uint64{uint64(cols), uint64(rows)},
		Type:       typ,
		Offset:     w.dataSize,
	}
	w.dataSize = align(w.dataSize+info.SizeBytes(), w.alignment)
	w.tensors = append(w.tensors, pendingTensor{info: info, data: data})
	return nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) put(v interface{}) error {
	return binary.Write(c, binary.LittleEndian, v)
}

func (c *countingWriter) putString(s string) error {
	if err := c.put(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(c, s)
	return err
}

func (c *countingWriter) pad(alignment uint64) error {
	padding := align(uint64(c.n), alignment) - uint64(c.n)
	_, err := c.Write(make([]byte, padding))
	return err
}

// WriteTo writes header, metadata, tensor infos, and aligned tensor data.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}

	// Step 1: header
	for _, v := range []interface{}{uint32(GGUFMagic), uint32(GGUFVersion), uint64(len(w.tensors)), uint64(len(w.kv))} {
		if err := cw.put(v); err != nil {
			return cw.n, err
		}
	}

	// Step 2: metadata
	for _, kv := range w.kv {
		if err := cw.putString(kv.key); err != nil {
			return cw.n, err
		}
		if err := cw.put(uint32(kv.typ)); err != nil {
			return cw.n, err
		}
		var err error
		if s, ok := kv.value.(string); ok {
			err = cw.putString(s)
		} else {
			err = cw.put(kv.value)
		}
		if err != nil {
			return cw.n, err
		}
	}

	// Step 3: tensor infos
	for _, t := range w.tensors {
		if err := cw.putString(t.info.Name); err != nil {
			return cw.n, err
		}
		if err := cw.put(uint32(len(t.info.Dimensions))); err != nil {
			return cw.n, err
		}
		for _, d := range t.info.Dimensions {
			if err := cw.put(d); err != nil {
				return cw.n, err
			}
		}
		if err := cw.put(uint32(t.info.Type)); err != nil {
			return cw.n, err
		}
		if err := cw.put(t.info.Offset); err != nil {
			return cw.n, err
		}
	}

	// Step 4: data
	if err := cw.pad(w.alignment); err != nil {
		return cw.n, err
	}
	for _, t := range w.tensors {
		if err := writeTensorData(cw, t); err != nil {
			return cw.n, err
		}
		if err := cw.pad(w.alignment); err != nil {
			return cw.n, err
		}
	}
	return cw.n, cw.w.Flush()
}

func writeTensorData(cw *countingWriter, t pendingTensor) error {
	switch t.info.Type {
	case GGMLTypeF16:
		buf := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
		_, err := cw.Write(buf)
		return err
	default:
		buf := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, err := cw.Write(buf)
		return err
	}
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
