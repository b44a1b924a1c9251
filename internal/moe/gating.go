package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// Selection is the gating output for a batch: TopK (weight, expert) pairs per
// token, flattened token-major.
type Selection struct {
	NumTokens int
	TopK      int
	Weights   []float32
	Indices   []int32
}

// Token returns the weights and expert ids chosen for token t, in gating order.
func (s *Selection) Token(t int) ([]float32, []int32) {
	lo, hi := t*s.TopK, (t+1)*s.TopK
	return s.Weights[lo:hi], s.Indices[lo:hi]
}

// Gate scores tokens against experts.
type Gate struct {
	// Weight has shape (numExperts, hidden).
	Weight       *cpu.Tensor
	TopK         int
	NormTopKProb bool
}

func (g *Gate) NumExperts() int {
	return g.Weight.Rows()
}

// Select projects x to gate logits and picks the top experts per token.
func (g *Gate) Select(c *cpu.Context, x *cpu.Tensor) (*Selection, error) {
	if x.Cols() != g.Weight.Cols() {
		return nil, fmt.Errorf("gate expects hidden size %d, got %d", g.Weight.Cols(), x.Cols())
	}
	logits := c.Linear(x, g.Weight, nil)
	return SelectTopK(c, logits, g.TopK, g.NormTopKProb)
}

// SelectTopK applies softmax over experts and keeps the k largest probabilities
// per token, lowest expert id first on ties. With norm set the kept weights of
// each token are rescaled to sum to 1.
func SelectTopK(c *cpu.Context, logits *cpu.Tensor, k int, norm bool) (*Selection, error) {
	if k < 1 || k > logits.Cols() {
		return nil, fmt.Errorf("experts per token %d outside [1, %d]", k, logits.Cols())
	}
	probs := c.Softmax(logits)
	weights, indices := c.TopK(probs, k)

	if norm {
		for t := 0; t < logits.Rows(); t++ {
			w := weights[t*k : (t+1)*k]
			var sum float32
			for _, v := range w {
				sum += v
			}
			if sum > 0 {
				for i := range w {
					w[i] /= sum
				}
			}
		}
	}

	return &Selection{
		NumTokens: logits.Rows(),
		TopK:      k,
		Weights:   weights,
		Indices:   indices,
	}, nil
}
