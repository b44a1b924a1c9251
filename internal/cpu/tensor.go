package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a row-major float32 matrix. Views share the backing array of the
// tensor they were cut from.
type Tensor struct {
	data  []float32
	shape [2]int
	view  bool
}

func New(rows, cols int) *Tensor {
	return &Tensor{data: make([]float32, rows*cols), shape: [2]int{rows, cols}}
}

// FromData wraps data without copying.
func FromData(rows, cols int, data []float32) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("cpu: %d values for shape (%d, %d)", len(data), rows, cols))
	}
	return &Tensor{data: data, shape: [2]int{rows, cols}}
}

func (t *Tensor) Rows() int { return t.shape[0] }

func (t *Tensor) Cols() int { return t.shape[1] }

func (t *Tensor) Shape() [2]int { return t.shape }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Row(i int) []float32 {
	return t.data[i*t.shape[1] : (i+1)*t.shape[1]]
}

// Slice returns a view over rows [start, end).
func (t *Tensor) Slice(start, end int) *Tensor {
	if start < 0 || end < start || end > t.shape[0] {
		panic(fmt.Sprintf("cpu: slice [%d, %d) of %d rows", start, end, t.shape[0]))
	}
	cols := t.shape[1]
	return &Tensor{
		data:  t.data[start*cols : end*cols : end*cols],
		shape: [2]int{end - start, cols},
		view:  true,
	}
}

// Reshape returns a view with the same element count.
func (t *Tensor) Reshape(rows, cols int) *Tensor {
	if rows*cols != len(t.data) {
		panic(fmt.Sprintf("cpu: reshape %v to (%d, %d)", t.shape, rows, cols))
	}
	return &Tensor{data: t.data, shape: [2]int{rows, cols}, view: true}
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.shape[0], t.shape[1])
	copy(out.data, t.data)
	return out
}

func (t *Tensor) general() blas32.General {
	return blas32.General{Rows: t.shape[0], Cols: t.shape[1], Stride: t.shape[1], Data: t.data}
}
