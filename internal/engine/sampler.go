package engine

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-moe/internal/logger"
)

type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        uint64
}

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
	}
}

// Sample picks the next token. logits is modified in place by the repetition
// penalty.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return argMax(logits)
	}

	probs := temperatureSoftmax(logits, temp)

	candidates := validCandidates(probs)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.sampleFromCandidates(candidates)
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int32 {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return int32(i)
		}
	}
	return 0
}

func temperatureSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	// subtracting max logit to avoid overflow
	floats.AddConst(-floats.Max(probs), probs)
	for i := range probs {
		probs[i] = math.Exp(probs[i])
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

func validCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: int32(i), prob: p})
		}
	}
	return candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int32 {
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		weights[i] = c.prob
	}

	r := s.rng.Float64() * floats.Sum(weights)
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}

	return candidates[0].id
}

// applyRepetitionPenalty penalises each distinct token of the last 64 once.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int32) {
	seen := make(map[int32]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && int(id) < len(logits) {
			val := logits[id]
			if val > 0 {
				logits[id] /= float32(s.Config.RepPenalty)
			} else {
				logits[id] *= float32(s.Config.RepPenalty)
			}
		}
	}
}

type tokenProb struct {
	id   int32
	prob float64
}

func argMax(logits []float32) int32 {
	if len(logits) == 0 {
		panic("argMax: empty logits slice")
	}

	maxIdx := 0
	maxVal := logits[0]

	allNaN := true
	for i, v := range logits {
		if !math.IsNaN(float64(v)) {
			allNaN = false
			if v > maxVal || math.IsNaN(float64(maxVal)) {
				maxVal = v
				maxIdx = i
			}
		}
	}

	if allNaN {
		logger.Log.Warn("argMax: all logits are NaN, returning index 0")
		return 0
	}

	return int32(maxIdx)
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p and renormalises it.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]
			for j := range selected {
				selected[j].prob /= sum
			}
			return selected
		}
	}
	return candidates
}
