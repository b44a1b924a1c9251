package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"golang.org/x/sync/errgroup"
)

// Transform maps (n, hidden) rows to (n, hidden) rows. n may be zero. The
// result belongs to the caller, which may return it to the context pool.
type Transform interface {
	Forward(c *cpu.Context, x *cpu.Tensor) (*cpu.Tensor, error)
}

// Executor runs each expert over its contiguous slice of a dispatch batch.
type Executor struct {
	experts []Transform
}

func NewExecutor(experts []Transform) *Executor {
	return &Executor{experts: experts}
}

// NewGroupedExecutor builds experts from expert-major packed weights:
// gateUp stacks numExperts (2*intermediate, hidden) matrices and down stacks
// numExperts (hidden, intermediate) matrices. Each expert gets row views into
// its own block only.
func NewGroupedExecutor(gateUp, down *cpu.Tensor, numExperts int) (*Executor, error) {
	if numExperts <= 0 {
		return nil, fmt.Errorf("grouped experts: need at least one expert, got %d", numExperts)
	}
	if gateUp.Rows()%numExperts != 0 || down.Rows()%numExperts != 0 {
		return nil, fmt.Errorf("grouped experts: shapes %v and %v do not split into %d experts",
			gateUp.Shape(), down.Shape(), numExperts)
	}
	guRows := gateUp.Rows() / numExperts
	downRows := down.Rows() / numExperts
	if guRows != 2*down.Cols() || downRows != gateUp.Cols() {
		return nil, fmt.Errorf("grouped experts: gate_up %v incompatible with down %v", gateUp.Shape(), down.Shape())
	}

	experts := make([]Transform, numExperts)
	for e := range experts {
		experts[e] = &FeedForward{
			GateUp: gateUp.Slice(e*guRows, (e+1)*guRows),
			Down:   down.Slice(e*downRows, (e+1)*downRows),
		}
	}
	return NewExecutor(experts), nil
}

func (ex *Executor) NumExperts() int {
	return len(ex.experts)
}

func (ex *Executor) Expert(e int) Transform {
	return ex.experts[e]
}

// Run applies expert e to rows [indptr[e], indptr[e+1]) of x. Experts run
// concurrently up to the context parallelism; each writes only its own rows of
// the result, so the output does not depend on scheduling. Empty ranges are
// skipped.
func (ex *Executor) Run(c *cpu.Context, x *cpu.Tensor, indptr []int32) (*cpu.Tensor, error) {
	if err := ValidateIndptr(indptr, len(ex.experts), x.Rows()); err != nil {
		return nil, err
	}

	out := c.Get(x.Rows(), x.Cols())
	var g errgroup.Group
	g.SetLimit(c.Parallelism())
	for e, expert := range ex.experts {
		start, end := int(indptr[e]), int(indptr[e+1])
		if start == end {
			continue
		}
		g.Go(func() error {
			y, err := expert.Forward(c, x.Slice(start, end))
			if err != nil {
				return fmt.Errorf("expert %d: %w", e, err)
			}
			if y.Shape() != [2]int{end - start, x.Cols()} {
				return fmt.Errorf("expert %d: output shape %v, want (%d, %d)", e, y.Shape(), end-start, x.Cols())
			}
			copy(out.Slice(start, end).Data(), y.Data())
			c.Put(y)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.Put(out)
		return nil, err
	}
	return out, nil
}
