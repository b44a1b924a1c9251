package engine

import (
	"math"
	"testing"
)

func TestSampler_Greedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})

	logits := []float32{1.0, 5.0, 2.0, 0.5}
	if val := s.Sample(logits, nil); val != 1 {
		t.Errorf("Greedy failed. Expected 1 (logit 5.0), got %d", val)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 should be identical to Greedy
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 1, Seed: 1})

	logits := []float32{2.0, 10.0, 5.0, 1.0}
	if val := s.Sample(logits, nil); val != 1 {
		t.Errorf("TopK=1 failed. Expected 1, got %d", val)
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 2, Seed: 2})

	logits := []float32{2.0, 10.0, 5.0, 1.0}
	for i := 0; i < 100; i++ {
		val := s.Sample(append([]float32(nil), logits...), nil)
		if val == 0 || val == 3 {
			t.Errorf("TopK=2 failed. Got excluded token %d", val)
		}
	}
}

func TestSampler_TopP(t *testing.T) {
	// probabilities 0.4, 0.3, 0.2, 0.1: the smallest prefix reaching 0.5 is {0, 1}
	logits := []float32{-0.91, -1.20, -1.61, -2.30}

	s := NewSampler(SamplerConfig{Temperature: 1.0, TopP: 0.5, Seed: 3})
	for i := 0; i < 100; i++ {
		val := s.Sample(append([]float32(nil), logits...), nil)
		if val == 2 || val == 3 {
			t.Errorf("TopP=0.5 failed. Got excluded token %d", val)
		}
	}
}

func TestSampler_RepetitionPenalty(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0, RepPenalty: 4})

	// token 0 repeats in the history but is penalised once
	logits := []float32{3.0, 2.0, -1.0}
	if val := s.Sample(logits, []int32{0, 0, 2}); val != 1 {
		t.Errorf("expected penalty to demote token 0, got %d", val)
	}
	if logits[0] != 0.75 {
		t.Errorf("positive logit should be divided once, got %v", logits[0])
	}
	if logits[2] != -4.0 {
		t.Errorf("negative logit should be multiplied, got %v", logits[2])
	}
}

func TestSampler_InvalidLogits(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0})
	nan := float32(math.NaN())
	logits := []float32{nan, float32(math.Inf(1)), 0.5, 2}
	if val := s.Sample(logits, nil); val != 2 {
		t.Errorf("expected first finite token 2, got %d", val)
	}
}

func TestSampler_SeedIsReproducible(t *testing.T) {
	logits := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	a := NewSampler(SamplerConfig{Temperature: 1.0, Seed: 42})
	b := NewSampler(SamplerConfig{Temperature: 1.0, Seed: 42})
	for i := 0; i < 20; i++ {
		x := a.Sample(append([]float32(nil), logits...), nil)
		y := b.Sample(append([]float32(nil), logits...), nil)
		if x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}
}

func TestApplyTopPRenormalises(t *testing.T) {
	got := applyTopP([]tokenProb{{0, 0.4}, {1, 0.3}, {2, 0.2}, {3, 0.1}}, 0.5)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if sum := got[0].prob + got[1].prob; math.Abs(sum-1) > 1e-9 {
		t.Errorf("kept mass should sum to 1, got %v", sum)
	}
}
