package model

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/gguf"
	"github.com/23skdu/longbow-moe/internal/kvcache"
	"github.com/23skdu/longbow-moe/internal/moe"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(1e-3, 1e-4)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ContextWindowSize = 64
	cfg.PrefillChunkSize = 64
	cfg.MaxBatchSize = 2
	return &cfg
}

func newModel(t *testing.T, cfg *config.Config) *CausalLM {
	t.Helper()
	m, err := New(cpu.NewContext(cpu.Options{Parallelism: 2}), cfg, RandomWeights(cfg, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func newCache(t *testing.T, m *CausalLM, seqIDs ...int64) *kvcache.PagedKVCache {
	t.Helper()
	c, err := kvcache.New(m.Context(), kvcache.OptionsFromConfig(m.Config))
	if err != nil {
		t.Fatalf("kvcache.New: %v", err)
	}
	for _, id := range seqIDs {
		if err := c.AddSequence(id); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func embed(t *testing.T, m *CausalLM, ids []int32) *cpu.Tensor {
	t.Helper()
	e, err := m.Embed(ids)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func prefill(t *testing.T, m *CausalLM, cache *kvcache.PagedKVCache, seq int64, ids []int32) *cpu.Tensor {
	t.Helper()
	if err := cache.BeginForward([]int64{seq}, []int{len(ids)}); err != nil {
		t.Fatal(err)
	}
	logits, err := m.Prefill(cache, embed(t, m, ids))
	if err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if err := cache.EndForward(); err != nil {
		t.Fatal(err)
	}
	return logits
}

func TestLayerKinds(t *testing.T) {
	cfg := testConfig()
	cfg.NumHiddenLayers = 5
	cfg.FirstKDenseReplace = 1
	cfg.MoELayerFreq = 2
	m := newModel(t, cfg)

	var got []LayerKind
	for _, l := range m.Layers() {
		got = append(got, l.Kind)
		if _, isBlock := l.FFN.(*moe.Block); isBlock != (l.Kind == LayerMoE) {
			t.Errorf("layer %d: kind %s with feed-forward %T", l.Index, l.Kind, l.FFN)
		}
	}
	want := []LayerKind{LayerDense, LayerDense, LayerMoE, LayerDense, LayerMoE}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layer kinds (-want +got):\n%s", diff)
	}
}

func TestPrefillThenDecodeMatchesFullPrefill(t *testing.T) {
	m := newModel(t, testConfig())
	ids := []int32{3, 7, 9, 11}

	full := prefill(t, m, newCache(t, m, 1), 1, ids)
	if full.Rows() != 1 || full.Cols() != m.Config.VocabSize {
		t.Fatalf("prefill logits shape %v", full.Shape())
	}

	cache := newCache(t, m, 1)
	prefill(t, m, cache, 1, ids[:3])
	if err := cache.BeginForward([]int64{1}, []int{1}); err != nil {
		t.Fatal(err)
	}
	step, err := m.Decode(cache, embed(t, m, ids[3:]))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(full.Data(), step.Data(), approx); diff != "" {
		t.Errorf("incremental decode differs from full prefill (-prefill +decode):\n%s", diff)
	}
}

func TestBatchPrefillMatchesSeparateSequences(t *testing.T) {
	m := newModel(t, testConfig())
	a := []int32{5, 6, 7}
	b := []int32{100, 200}

	wantA := prefill(t, m, newCache(t, m, 1), 1, a)
	wantB := prefill(t, m, newCache(t, m, 2), 2, b)

	cache := newCache(t, m, 1, 2)
	if err := cache.BeginForward([]int64{1, 2}, []int{len(a), len(b)}); err != nil {
		t.Fatal(err)
	}
	logits, err := m.BatchPrefill(cache, embed(t, m, append(append([]int32{}, a...), b...)), []int32{2, 4})
	if err != nil {
		t.Fatalf("BatchPrefill: %v", err)
	}
	if logits.Rows() != 2 {
		t.Fatalf("expected 2 logit rows, got %d", logits.Rows())
	}
	if diff := cmp.Diff(wantA.Data(), logits.Row(0), approx); diff != "" {
		t.Errorf("sequence 1 (-separate +batched):\n%s", diff)
	}
	if diff := cmp.Diff(wantB.Data(), logits.Row(1), approx); diff != "" {
		t.Errorf("sequence 2 (-separate +batched):\n%s", diff)
	}
	if err := cache.EndForward(); err != nil {
		t.Fatal(err)
	}

	// one more token per sequence
	if err := cache.BeginForward([]int64{1, 2}, []int{1, 1}); err != nil {
		t.Fatal(err)
	}
	next, err := m.BatchDecode(cache, embed(t, m, []int32{8, 300}))
	if err != nil {
		t.Fatalf("BatchDecode: %v", err)
	}
	if next.Rows() != 2 {
		t.Errorf("expected 2 decode rows, got %d", next.Rows())
	}
}

func TestBatchVerifyReturnsEveryRow(t *testing.T) {
	m := newModel(t, testConfig())
	cache := newCache(t, m, 1)
	prefill(t, m, cache, 1, []int32{1, 2})

	if err := cache.BeginForward([]int64{1}, []int{3}); err != nil {
		t.Fatal(err)
	}
	logits, err := m.BatchVerify(cache, embed(t, m, []int32{4, 5, 6}))
	if err != nil {
		t.Fatal(err)
	}
	if logits.Rows() != 3 || logits.Cols() != m.Config.VocabSize {
		t.Errorf("verify logits shape %v", logits.Shape())
	}
}

func TestEntryPointErrors(t *testing.T) {
	m := newModel(t, testConfig())
	cache := newCache(t, m, 1)

	if _, err := m.Embed([]int32{int32(m.Config.VocabSize)}); err == nil {
		t.Error("expected out-of-vocabulary error")
	}
	if _, err := m.Prefill(cache, cpu.New(0, m.Config.HiddenSize)); err == nil {
		t.Error("expected empty prefill error")
	}
	if _, err := m.Decode(cache, cpu.New(2, m.Config.HiddenSize)); err == nil {
		t.Error("expected single-token decode error")
	}
	if _, err := m.Forward(cache, cpu.New(1, m.Config.HiddenSize+1)); err == nil {
		t.Error("expected hidden size error")
	}
	// no forward declared to the cache
	if _, err := m.Decode(cache, embed(t, m, []int32{1})); err == nil {
		t.Error("expected cache error")
	}

	if err := cache.BeginForward([]int64{1}, []int{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.BatchPrefill(cache, embed(t, m, []int32{1, 2}), []int32{2}); err == nil {
		t.Error("expected logit position error")
	}
}

func TestRoutingObserverSeesEveryMoELayer(t *testing.T) {
	m := newModel(t, testConfig())
	obs := &layerRecorder{}
	m.SetRoutingObserver(obs)

	prefill(t, m, newCache(t, m, 1), 1, []int32{1, 2, 3})
	if diff := cmp.Diff([]int{1, 2, 3}, obs.layers); diff != "" {
		t.Errorf("observed layers (-want +got):\n%s", diff)
	}
	for i, p := range obs.plans {
		if p == nil || p.NumTokens != 3 {
			t.Errorf("observation %d: unexpected plan %+v", i, p)
		}
	}
}

type layerRecorder struct {
	layers []int
	plans  []*moe.Plan
}

func (r *layerRecorder) ObserveRouting(layer int, sel *moe.Selection, plan *moe.Plan) {
	r.layers = append(r.layers, layer)
	r.plans = append(r.plans, plan)
}

func TestNullSharedExpertsSkipsSharedPath(t *testing.T) {
	cfg := testConfig()
	cfg.NSharedExperts = nil
	for _, s := range ParamSpecs(cfg) {
		if strings.Contains(s.Name, "shexp") {
			t.Fatalf("unexpected shared parameter %s", s.Name)
		}
	}
	m := newModel(t, cfg)
	for _, l := range m.Layers() {
		if b, ok := l.FFN.(*moe.Block); ok && b.Shared != nil {
			t.Errorf("layer %d: shared expert should be absent", l.Index)
		}
	}
	prefill(t, m, newCache(t, m, 1), 1, []int32{1, 2})
}

func TestTiedEmbeddings(t *testing.T) {
	cfg := testConfig()
	cfg.TieWordEmbeddings = true
	w := RandomWeights(cfg, 3)
	if _, ok := w["output.weight"]; ok {
		t.Fatal("tied config should not draw an output head")
	}
	m, err := New(cpu.NewContext(cpu.Options{}), cfg, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.lmHead != m.embed {
		t.Error("output head should share the embedding table")
	}
}

func TestNewRejectsMissingOrMisshapenWeights(t *testing.T) {
	cfg := testConfig()

	w := RandomWeights(cfg, 1)
	delete(w, "blk.2.ffn_gate_inp.weight")
	if _, err := New(cpu.NewContext(cpu.Options{}), cfg, w); err == nil || !strings.Contains(err.Error(), "blk.2.ffn_gate_inp.weight") {
		t.Errorf("expected missing parameter error, got %v", err)
	}

	w = RandomWeights(cfg, 1)
	w["blk.0.ffn_down.weight"] = cpu.New(3, 3)
	if _, err := New(cpu.NewContext(cpu.Options{}), cfg, w); err == nil {
		t.Error("expected shape error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfig()
	w := RandomWeights(cfg, 9)
	path := filepath.Join(t.TempDir(), "moe.gguf")
	if err := Save(path, cfg, w, gguf.GGMLTypeF32); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(cpu.NewContext(cpu.Options{Parallelism: 2}), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Config.NRoutedExperts != cfg.NRoutedExperts || loaded.Config.SharedExperts() != cfg.SharedExperts() {
		t.Errorf("config not preserved: %+v", loaded.Config)
	}

	original, err := New(cpu.NewContext(cpu.Options{Parallelism: 2}), cfg, w)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int32{10, 20, 30}
	want := prefill(t, original, newCache(t, original, 1), 1, ids)
	got := prefill(t, loaded, newCache(t, loaded, 1), 1, ids)
	if diff := cmp.Diff(want.Data(), got.Data(), approx); diff != "" {
		t.Errorf("loaded model differs (-want +got):\n%s", diff)
	}
}

func TestSaveHalfPrecision(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "moe-f16.gguf")
	if err := Save(path, cfg, RandomWeights(cfg, 2), gguf.GGMLTypeF16); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	for name, want := range map[string]gguf.GGMLType{
		"token_embd.weight":          gguf.GGMLTypeF16,
		"blk.0.attn_norm.weight":     gguf.GGMLTypeF32,
		"blk.1.ffn_down_exps.weight": gguf.GGMLTypeF16,
	} {
		info, ok := f.Tensor(name)
		if !ok {
			t.Fatalf("%s missing", name)
		}
		if info.Type != want {
			t.Errorf("%s stored as %s, want %s", name, info.Type, want)
		}
	}
	if _, err := ReadWeights(f, cfg); err != nil {
		t.Errorf("ReadWeights: %v", err)
	}
}
