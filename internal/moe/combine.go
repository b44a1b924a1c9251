package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// Combine reduces rows laid out as (numTokens*topK, hidden) in gating order to
// (numTokens, hidden): each token's slots are scaled by their gate weight and
// summed in slot order 0..topK-1.
func Combine(rows *cpu.Tensor, weights []float32, numTokens, topK int) (*cpu.Tensor, error) {
	if rows.Rows() != numTokens*topK || len(weights) != numTokens*topK {
		return nil, fmt.Errorf("combine: %d rows and %d weights for %d tokens x %d experts",
			rows.Rows(), len(weights), numTokens, topK)
	}
	out := cpu.New(numTokens, rows.Cols())
	for t := 0; t < numTokens; t++ {
		dst := out.Row(t)
		for s := 0; s < topK; s++ {
			w := weights[t*topK+s]
			for j, v := range rows.Row(t*topK + s) {
				dst[j] += w * v
			}
		}
	}
	return out, nil
}
