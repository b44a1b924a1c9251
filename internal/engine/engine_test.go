package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/kvcache"
	"github.com/23skdu/longbow-moe/internal/metrics"
	"github.com/23skdu/longbow-moe/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.ContextWindowSize = 64
	cfg.PrefillChunkSize = 64
	cfg.MaxBatchSize = 3
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := model.New(cpu.NewContext(cpu.Options{Parallelism: 2}), &cfg, model.RandomWeights(&cfg, 5))
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	e, err := New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

var greedy = GenerateOptions{MaxTokens: 6, IgnoreEOS: true}

func generate(t *testing.T, e *Engine, prompt []int32, opts GenerateOptions) *Result {
	t.Helper()
	res, err := e.Generate(context.Background(), prompt, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return res
}

func argMaxRow(logits *cpu.Tensor) int32 {
	return argMax(logits.Row(0))
}

func TestGenerateMatchesManualDecode(t *testing.T) {
	e := newEngine(t, nil)
	prompt := []int32{4, 8, 15, 16, 23}
	res := generate(t, e, prompt, greedy)

	if res.FinishReason != FinishLength || len(res.Tokens) != greedy.MaxTokens || res.PromptTokens != len(prompt) {
		t.Fatalf("unexpected result %+v", res)
	}

	m := e.Model
	cache, err := kvcache.New(m.Context(), kvcache.OptionsFromConfig(m.Config))
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.AddSequence(1); err != nil {
		t.Fatal(err)
	}
	var want []int32
	ids := prompt
	for len(want) < greedy.MaxTokens {
		if err := cache.BeginForward([]int64{1}, []int{len(ids)}); err != nil {
			t.Fatal(err)
		}
		embeds, err := m.Embed(ids)
		if err != nil {
			t.Fatal(err)
		}
		logits, err := m.Prefill(cache, embeds)
		if err != nil {
			t.Fatal(err)
		}
		if err := cache.EndForward(); err != nil {
			t.Fatal(err)
		}
		next := argMaxRow(logits)
		want = append(want, next)
		ids = []int32{next}
	}

	if diff := cmp.Diff(want, res.Tokens); diff != "" {
		t.Errorf("generated tokens (-manual +engine):\n%s", diff)
	}
}

func TestGenerateReleasesSequences(t *testing.T) {
	e := newEngine(t, nil)
	free := e.Cache.FreeBlocks()
	generate(t, e, []int32{1, 2, 3}, greedy)
	generate(t, e, []int32{1, 2, 3}, greedy)
	if got := e.Cache.FreeBlocks(); got != free {
		t.Errorf("free blocks %d after generation, want %d", got, free)
	}
}

func TestGenerateChunkedPrefill(t *testing.T) {
	prompt := []int32{9, 8, 7, 6, 5, 4, 3}
	whole := generate(t, newEngine(t, nil), prompt, greedy)
	chunked := generate(t, newEngine(t, func(c *config.Config) { c.PrefillChunkSize = 2 }), prompt, greedy)
	if diff := cmp.Diff(whole.Tokens, chunked.Tokens); diff != "" {
		t.Errorf("chunked prefill changed output (-whole +chunked):\n%s", diff)
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	e := newEngine(t, nil)
	prompt := []int32{10, 11, 12}
	first := generate(t, e, prompt, greedy).Tokens[0]

	e.Model.Config.EOSTokenID = int(first)
	res := generate(t, e, prompt, GenerateOptions{MaxTokens: 6})
	if res.FinishReason != FinishEOS {
		t.Errorf("finish reason %q, want %q", res.FinishReason, FinishEOS)
	}
	if diff := cmp.Diff([]int32{first}, res.Tokens); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
}

func TestGenerateErrors(t *testing.T) {
	e := newEngine(t, nil)
	free := e.Cache.FreeBlocks()

	if _, err := e.Generate(context.Background(), nil, greedy); err == nil {
		t.Error("expected empty prompt error")
	}
	if _, err := e.Generate(context.Background(), make([]int32, 60), greedy); !errors.Is(err, ErrContextWindow) {
		t.Errorf("expected ErrContextWindow, got %v", err)
	}
	if _, err := e.Generate(context.Background(), []int32{int32(e.Model.Config.VocabSize)}, greedy); err == nil {
		t.Error("expected vocabulary error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Generate(ctx, []int32{1, 2}, greedy); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := e.Cache.FreeBlocks(); got != free {
		t.Errorf("failed requests leaked blocks: free %d, want %d", got, free)
	}

	res := generate(t, e, []int32{1}, GenerateOptions{MaxTokens: 0})
	if len(res.Tokens) != 0 {
		t.Errorf("max tokens 0 produced %v", res.Tokens)
	}
}

func TestGenerateBatchMatchesSequential(t *testing.T) {
	e := newEngine(t, nil)
	prompts := [][]int32{{1, 2, 3, 4}, {50, 60}, {7}}

	var want [][]int32
	for _, p := range prompts {
		want = append(want, generate(t, e, p, greedy).Tokens)
	}

	results, err := e.GenerateBatch(context.Background(), prompts, greedy)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	var got [][]int32
	for i, r := range results {
		got = append(got, r.Tokens)
		if r.PromptTokens != len(prompts[i]) {
			t.Errorf("result %d: prompt tokens %d", i, r.PromptTokens)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batched generation (-sequential +batched):\n%s", diff)
	}
}

func TestGenerateBatchChunkedPrefill(t *testing.T) {
	e := newEngine(t, func(c *config.Config) { c.PrefillChunkSize = 4 })
	// 16 prompt rows: the last pass holds the tail of the second prompt and
	// all of the third
	prompts := [][]int32{{3, 1, 4, 1, 5, 9, 2, 6}, {5, 3, 5, 8, 9}, {7, 9, 3}}

	var want [][]int32
	for _, p := range prompts {
		want = append(want, generate(t, e, p, greedy).Tokens)
	}

	passes := metrics.ForwardPasses.WithLabelValues("batch_prefill")
	before := testutil.ToFloat64(passes)
	results, err := e.GenerateBatch(context.Background(), prompts, greedy)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if got := testutil.ToFloat64(passes) - before; got != 4 {
		t.Errorf("expected 4 batch prefill passes of at most 4 rows, got %v", got)
	}

	var got [][]int32
	for _, r := range results {
		got = append(got, r.Tokens)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chunked batch generation (-sequential +batched):\n%s", diff)
	}
	if free := e.Cache.FreeBlocks(); free != e.Cache.TotalBlocks() {
		t.Errorf("sequences leaked blocks: %d of %d free", free, e.Cache.TotalBlocks())
	}
}

func TestGenerateBatchErrors(t *testing.T) {
	e := newEngine(t, nil)
	if _, err := e.GenerateBatch(context.Background(), make([][]int32, 4), greedy); err == nil {
		t.Error("expected max batch size error")
	}
	if _, err := e.GenerateBatch(context.Background(), [][]int32{{1}, {}}, greedy); err == nil {
		t.Error("expected empty prompt error")
	}
	results, err := e.GenerateBatch(context.Background(), [][]int32{{1}, {2}}, GenerateOptions{MaxTokens: 0})
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if len(r.Tokens) != 0 {
			t.Errorf("result %d: max tokens 0 produced %v", i, r.Tokens)
		}
	}
}
