package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// Strategy turns hidden states plus a gating selection into the combined
// routed output (numTokens, hidden). The returned plan is nil for strategies
// that do not build a dispatch order.
type Strategy interface {
	Name() string
	Route(c *cpu.Context, x *cpu.Tensor, sel *Selection, ex *Executor) (*cpu.Tensor, *Plan, error)
}

var (
	Direct Strategy = directStrategy{}
	Sorted Strategy = sortedStrategy{}
)

// StrategyFor picks direct routing for single-token batches, where regrouping
// has nothing to batch, and sorted dispatch otherwise.
func StrategyFor(numTokens int) Strategy {
	if numTokens == 1 {
		return Direct
	}
	return Sorted
}

// directStrategy evaluates each token's experts in gating order without
// building a dispatch batch.
type directStrategy struct{}

func (directStrategy) Name() string { return "direct" }

func (directStrategy) Route(c *cpu.Context, x *cpu.Tensor, sel *Selection, ex *Executor) (*cpu.Tensor, *Plan, error) {
	k := sel.TopK
	rows := c.Get(sel.NumTokens*k, x.Cols())
	defer c.Put(rows)
	for t := 0; t < sel.NumTokens; t++ {
		_, experts := sel.Token(t)
		row := x.Slice(t, t+1)
		for s, e := range experts {
			if e < 0 || int(e) >= ex.NumExperts() {
				return nil, nil, fmt.Errorf("%w: token %d slot %d selects expert %d of %d",
					ErrExpertOutOfRange, t, s, e, ex.NumExperts())
			}
			y, err := ex.Expert(int(e)).Forward(c, row)
			if err != nil {
				return nil, nil, fmt.Errorf("expert %d: %w", e, err)
			}
			copy(rows.Row(t*k+s), y.Data())
			c.Put(y)
		}
	}
	out, err := Combine(rows, sel.Weights, sel.NumTokens, k)
	return out, nil, err
}

// sortedStrategy groups assignments by expert with a counting sort, runs every
// expert once over its contiguous batch and scatters results back.
type sortedStrategy struct{}

func (sortedStrategy) Name() string { return "sorted" }

func (sortedStrategy) Route(c *cpu.Context, x *cpu.Tensor, sel *Selection, ex *Executor) (*cpu.Tensor, *Plan, error) {
	plan, err := NewPlan(sel, ex.NumExperts())
	if err != nil {
		return nil, nil, err
	}

	dispatched := c.Take(x, plan.TokenIndices)
	executed, err := ex.Run(c, dispatched, plan.Indptr)
	c.Put(dispatched)
	if err != nil {
		return nil, plan, err
	}
	ordered := c.Scatter(executed, plan.ReverseIndices, len(plan.ReverseIndices))
	c.Put(executed)

	out, err := Combine(ordered, sel.Weights, sel.NumTokens, sel.TopK)
	c.Put(ordered)
	return out, plan, err
}
