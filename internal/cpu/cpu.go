package cpu

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-moe/internal/metrics"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordHostMemory(newVal)
}

// AllocatedBytes reports bytes currently held by pooled tensors across all contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Options are fixed when a Context is built and apply to every kernel it runs.
type Options struct {
	// Parallelism bounds row-chunked kernels and concurrent expert execution.
	// Zero means runtime.NumCPU().
	Parallelism int
	// Trace records per-kernel durations in metrics.
	Trace bool
}

type Context struct {
	mu     sync.Mutex
	pool   map[[2]int][]*Tensor
	pooled int64
	opts   Options
}

func NewContext(opts Options) *Context {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	return &Context{
		pool: make(map[[2]int][]*Tensor),
		opts: opts,
	}
}

func (c *Context) Parallelism() int {
	return c.opts.Parallelism
}

func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			traceAlloc(-int64(cap(t.data) * 4))
		}
	}
	c.pool = make(map[[2]int][]*Tensor)
	c.pooled = 0
}

// Get returns a zeroed (rows, cols) tensor, reusing a pooled buffer when one fits.
func (c *Context) Get(rows, cols int) *Tensor {
	key := [2]int{rows, cols}
	c.mu.Lock()
	pool := c.pool[key]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[key] = pool[:len(pool)-1]
		c.pooled -= int64(cap(t.data) * 4)
		c.mu.Unlock()
		traceAlloc(-int64(cap(t.data) * 4))
		clear(t.data)
		return t
	}
	c.mu.Unlock()
	return New(rows, cols)
}

// Put hands a tensor back to the pool. Views must not be returned.
func (c *Context) Put(t *Tensor) {
	if t == nil || len(t.data) == 0 || t.view {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[t.shape] = append(c.pool[t.shape], t)
	c.pooled += int64(cap(t.data) * 4)
	traceAlloc(int64(cap(t.data) * 4))
}

// PooledBytes reports bytes held in this context's pool.
func (c *Context) PooledBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pooled
}

func (c *Context) trace(name string, start time.Time) {
	if c.opts.Trace {
		metrics.RecordKernelDuration(name, time.Since(start))
	}
}

// parallelRows splits [0, rows) into contiguous chunks and runs fn on each.
func (c *Context) parallelRows(rows int, fn func(start, end int)) {
	if rows == 0 {
		return
	}
	parallelism := c.opts.Parallelism
	if parallelism <= 1 || rows < 2 {
		fn(0, rows)
		return
	}
	chunkSize := (rows + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := min(i+chunkSize, rows)
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// Linear computes x·wᵀ (+ bias) for x of shape (T, in) and w of shape (out, in).
func (c *Context) Linear(x, w *Tensor, bias []float32) *Tensor {
	defer c.trace("linear", time.Now())
	if x.Cols() != w.Cols() {
		panic(fmt.Sprintf("cpu: linear shape mismatch: x %v, w %v", x.shape, w.shape))
	}
	out := c.Get(x.Rows(), w.Rows())
	if x.Rows() == 0 || w.Rows() == 0 || x.Cols() == 0 {
		return out
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x.general(), w.general(), 0, out.general())
	if bias != nil {
		if len(bias) != w.Rows() {
			panic(fmt.Sprintf("cpu: bias length %d, want %d", len(bias), w.Rows()))
		}
		for r := 0; r < out.Rows(); r++ {
			row := out.Row(r)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return out
}

func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// Softmax returns a row-wise softmax of x.
func (c *Context) Softmax(x *Tensor) *Tensor {
	defer c.trace("softmax", time.Now())
	out := x.Clone()
	c.parallelRows(out.Rows(), func(start, end int) {
		for r := start; r < end; r++ {
			Softmax(out.Row(r))
		}
	})
	return out
}

// TopK selects the k largest values per row. Equal values resolve to the lower
// column index, so results do not depend on scan order or parallelism.
func (c *Context) TopK(x *Tensor, k int) ([]float32, []int32) {
	defer c.trace("topk", time.Now())
	rows, cols := x.Rows(), x.Cols()
	if k < 1 || k > cols {
		panic(fmt.Sprintf("cpu: topk k=%d out of range for %d columns", k, cols))
	}
	values := make([]float32, rows*k)
	indices := make([]int32, rows*k)
	c.parallelRows(rows, func(start, end int) {
		taken := make([]bool, cols)
		for r := start; r < end; r++ {
			row := x.Row(r)
			clear(taken)
			for slot := 0; slot < k; slot++ {
				best := -1
				for j, v := range row {
					if taken[j] {
						continue
					}
					if best < 0 || v > row[best] {
						best = j
					}
				}
				taken[best] = true
				values[r*k+slot] = row[best]
				indices[r*k+slot] = int32(best)
			}
		}
	})
	return values, indices
}

// PrefixSum returns the exclusive prefix sum of counts, with one extra trailing
// element holding the total.
func PrefixSum(counts []int32) []int32 {
	out := make([]int32, len(counts)+1)
	for i, n := range counts {
		out[i+1] = out[i] + n
	}
	return out
}

// Take gathers rows of x: out[i] = x[idx[i]].
func (c *Context) Take(x *Tensor, idx []int32) *Tensor {
	defer c.trace("take", time.Now())
	out := c.Get(len(idx), x.Cols())
	c.parallelRows(len(idx), func(start, end int) {
		for i := start; i < end; i++ {
			copy(out.Row(i), x.Row(int(idx[i])))
		}
	})
	return out
}

// Scatter writes rows of src to out[idx[i]] in a new (rows, cols) tensor. idx
// must be a permutation for the result to be fully defined.
func (c *Context) Scatter(src *Tensor, idx []int32, rows int) *Tensor {
	defer c.trace("scatter", time.Now())
	if len(idx) != src.Rows() {
		panic(fmt.Sprintf("cpu: scatter has %d indices for %d rows", len(idx), src.Rows()))
	}
	out := c.Get(rows, src.Cols())
	c.parallelRows(src.Rows(), func(start, end int) {
		for i := start; i < end; i++ {
			copy(out.Row(int(idx[i])), src.Row(i))
		}
	})
	return out
}

func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SiluMul splits each row of x into halves [x1 | x2] and returns silu(x1) * x2.
func (c *Context) SiluMul(x *Tensor) *Tensor {
	defer c.trace("silu_mul", time.Now())
	if x.Cols()%2 != 0 {
		panic(fmt.Sprintf("cpu: silu_mul needs an even width, got %d", x.Cols()))
	}
	half := x.Cols() / 2
	out := c.Get(x.Rows(), half)
	c.parallelRows(x.Rows(), func(start, end int) {
		for r := start; r < end; r++ {
			in := x.Row(r)
			o := out.Row(r)
			for j := 0; j < half; j++ {
				o[j] = Silu(in[j]) * in[half+j]
			}
		}
	})
	return out
}

// Add accumulates b into a.
func (c *Context) Add(a, b *Tensor) {
	if a.shape != b.shape {
		panic(fmt.Sprintf("cpu: add shape mismatch %v vs %v", a.shape, b.shape))
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

func (c *Context) Scale(a *Tensor, s float32) {
	for i := range a.data {
		a.data[i] *= s
	}
}

func (c *Context) RMSNorm(x *Tensor, weight []float32, eps float32) *Tensor {
	defer c.trace("rms_norm", time.Now())
	size := x.Cols()
	out := New(x.Rows(), size)
	c.parallelRows(x.Rows(), func(start, end int) {
		for r := start; r < end; r++ {
			in := x.Row(r)
			o := out.Row(r)
			var sum float32
			for _, v := range in {
				sum += v * v
			}
			scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(size))+float64(eps)))
			for j, v := range in {
				o[j] = v * scale * weight[j]
			}
		}
	})
	return out
}

func (c *Context) Embedding(table *Tensor, ids []int32) *Tensor {
	out := New(len(ids), table.Cols())
	for i, id := range ids {
		if id < 0 || int(id) >= table.Rows() {
			panic(fmt.Sprintf("cpu: token id %d outside vocabulary of %d", id, table.Rows()))
		}
		copy(out.Row(i), table.Row(int(id)))
	}
	return out
}

// Rope rotates each head of x in place using the half-split layout: element j
// pairs with j+headDim/2. Row r sits at positions[r].
func (c *Context) Rope(x *Tensor, numHeads, headDim int, positions []int32, theta float32) {
	defer c.trace("rope", time.Now())
	if x.Cols() < numHeads*headDim || len(positions) != x.Rows() {
		panic(fmt.Sprintf("cpu: rope shape %v for %d heads of %d", x.shape, numHeads, headDim))
	}
	half := headDim / 2
	invFreq := make([]float64, half)
	for j := range invFreq {
		invFreq[j] = 1.0 / math.Pow(float64(theta), float64(2*j)/float64(headDim))
	}
	c.parallelRows(x.Rows(), func(start, end int) {
		for r := start; r < end; r++ {
			row := x.Row(r)
			pos := float64(positions[r])
			for h := 0; h < numHeads; h++ {
				head := row[h*headDim : (h+1)*headDim]
				for j := 0; j < half; j++ {
					sin, cos := math.Sincos(pos * invFreq[j])
					x0, x1 := head[j], head[j+half]
					head[j] = x0*float32(cos) - x1*float32(sin)
					head[j+half] = x0*float32(sin) + x1*float32(cos)
				}
			}
		}
	})
}
