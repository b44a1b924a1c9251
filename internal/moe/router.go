package moe

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// Plan is the dispatch layout of one routing pass. Position j of dispatch order
// holds the assignment ReverseIndices[j] of the flattened gating output, which
// reads row TokenIndices[j] of the hidden states. Expert e owns dispatch rows
// [Indptr[e], Indptr[e+1]).
type Plan struct {
	NumTokens      int
	TopK           int
	TokenIndices   []int32
	ReverseIndices []int32
	Indptr         []int32
}

func (p *Plan) NumExperts() int {
	return len(p.Indptr) - 1
}

// ExpertRange returns the dispatch rows owned by expert e.
func (p *Plan) ExpertRange(e int) (int, int) {
	return int(p.Indptr[e]), int(p.Indptr[e+1])
}

// Cumsum buckets flattened assignments by expert. slots[i] is the dispatch
// position of assignment i; assignments of one expert keep their original
// relative order. Runs in O(len(indices) + numExperts).
func Cumsum(indices []int32, numExperts int) (slots, indptr []int32, err error) {
	counts := make([]int32, numExperts)
	for i, e := range indices {
		if e < 0 || int(e) >= numExperts {
			return nil, nil, fmt.Errorf("%w: assignment %d selects expert %d of %d", ErrExpertOutOfRange, i, e, numExperts)
		}
		counts[e]++
	}

	indptr = cpu.PrefixSum(counts)
	next := make([]int32, numExperts)
	copy(next, indptr[:numExperts])

	slots = make([]int32, len(indices))
	for i, e := range indices {
		slots[i] = next[e]
		next[e]++
	}
	return slots, indptr, nil
}

// Indices inverts the slot assignment. reverse maps dispatch position to the
// flattened assignment, tokens maps dispatch position to the source token.
func Indices(slots []int32, topK int) (tokens, reverse []int32) {
	tokens = make([]int32, len(slots))
	reverse = make([]int32, len(slots))
	for i, s := range slots {
		reverse[s] = int32(i)
		tokens[s] = int32(i / topK)
	}
	return tokens, reverse
}

// ValidateIndptr checks that indptr delimits rows total rows into numExperts
// non-negative ranges.
func ValidateIndptr(indptr []int32, numExperts, rows int) error {
	if len(indptr) != numExperts+1 {
		return fmt.Errorf("%w: length %d for %d experts", ErrInvalidIndptr, len(indptr), numExperts)
	}
	if indptr[0] != 0 {
		return fmt.Errorf("%w: starts at %d", ErrInvalidIndptr, indptr[0])
	}
	for e := 0; e < numExperts; e++ {
		if indptr[e+1] < indptr[e] {
			return fmt.Errorf("%w: expert %d has negative length %d", ErrInvalidIndptr, e, indptr[e+1]-indptr[e])
		}
	}
	if int(indptr[numExperts]) != rows {
		return fmt.Errorf("%w: covers %d rows, want %d", ErrInvalidIndptr, indptr[numExperts], rows)
	}
	return nil
}

// NewPlan computes the expert-grouped dispatch order for a gating selection.
func NewPlan(sel *Selection, numExperts int) (*Plan, error) {
	slots, indptr, err := Cumsum(sel.Indices, numExperts)
	if err != nil {
		return nil, err
	}
	tokens, reverse := Indices(slots, sel.TopK)
	return &Plan{
		NumTokens:      sel.NumTokens,
		TopK:           sel.TopK,
		TokenIndices:   tokens,
		ReverseIndices: reverse,
		Indptr:         indptr,
	}, nil
}
