package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// FeedForward is the gated MLP used by routed experts, the shared expert and
// dense layers: Down(silu(x1) * x2) where [x1 | x2] = GateUp(x).
type FeedForward struct {
	// GateUp has shape (2*intermediate, hidden).
	GateUp *cpu.Tensor
	// Down has shape (hidden, intermediate).
	Down *cpu.Tensor
}

func (f *FeedForward) IntermediateSize() int {
	return f.Down.Cols()
}

func (f *FeedForward) Forward(c *cpu.Context, x *cpu.Tensor) (*cpu.Tensor, error) {
	if x.Cols() != f.GateUp.Cols() {
		return nil, fmt.Errorf("ffn expects hidden size %d, got %d", f.GateUp.Cols(), x.Cols())
	}
	if f.GateUp.Rows() != 2*f.Down.Cols() {
		return nil, fmt.Errorf("ffn gate_up has %d rows for intermediate size %d", f.GateUp.Rows(), f.Down.Cols())
	}
	h := c.Linear(x, f.GateUp, nil)
	act := c.SiluMul(h)
	c.Put(h)
	out := c.Linear(act, f.Down, nil)
	c.Put(act)
	return out, nil
}
