package moe

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/metrics"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingObserver struct {
	layers []int
	plans  []*Plan
	sels   []*Selection
}

func (r *recordingObserver) ObserveRouting(layer int, sel *Selection, plan *Plan) {
	r.layers = append(r.layers, layer)
	r.sels = append(r.sels, sel)
	r.plans = append(r.plans, plan)
}

func newTestExperts(t *testing.T, numExperts, hidden, inter int) *Executor {
	t.Helper()
	gateUp := cpu.New(numExperts*2*inter, hidden)
	down := cpu.New(numExperts*hidden, inter)
	fill(gateUp, 21)
	fill(down, 22)
	ex, err := NewGroupedExecutor(gateUp, down, numExperts)
	if err != nil {
		t.Fatal(err)
	}
	return ex
}

func newTestShared(hidden, inter int) *FeedForward {
	shared := &FeedForward{GateUp: cpu.New(2*inter, hidden), Down: cpu.New(hidden, inter)}
	fill(shared.GateUp, 31)
	fill(shared.Down, 32)
	return shared
}

// naiveForward evaluates every token separately against its selected experts.
func naiveForward(t *testing.T, c *cpu.Context, b *Block, x *cpu.Tensor) *cpu.Tensor {
	t.Helper()
	sel, err := b.Gate.Select(c, x)
	if err != nil {
		t.Fatal(err)
	}
	out := cpu.New(x.Rows(), x.Cols())
	for tok := 0; tok < x.Rows(); tok++ {
		row := x.Slice(tok, tok+1)
		weights, experts := sel.Token(tok)
		dst := out.Row(tok)
		for s, e := range experts {
			y, err := b.Experts.Expert(int(e)).Forward(c, row)
			if err != nil {
				t.Fatal(err)
			}
			for j, v := range y.Data() {
				dst[j] += weights[s] * v
			}
		}
		if b.Shared != nil {
			y, err := b.Shared.Forward(c, row)
			if err != nil {
				t.Fatal(err)
			}
			for j, v := range y.Data() {
				dst[j] += v
			}
		}
	}
	return out
}

func TestBlockEndToEndScenario(t *testing.T) {
	const (
		numExperts = 4
		hidden     = 4
		inter      = 3
	)
	ctx := cpu.NewContext(cpu.Options{Parallelism: 2})

	// identity gate: logits equal the hidden state
	gate := &Gate{Weight: cpu.FromData(numExperts, hidden, []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}), TopK: 2, NormTopKProb: true}

	block, err := NewBlock(3, gate, newTestExperts(t, numExperts, hidden, inter), newTestShared(hidden, 2*inter))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	obs := &recordingObserver{}
	block.Observer = obs

	x := cpu.FromData(3, hidden, []float32{
		5, 0, 4, 0, // experts {0, 2}
		0, 5, 0, 4, // experts {1, 3}
		5, 4, 0, 0, // experts {0, 1}
	})

	out, err := block.Forward(ctx, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(obs.plans) != 1 || obs.plans[0] == nil {
		t.Fatalf("expected one sorted plan, got %v", obs.plans)
	}
	if obs.layers[0] != 3 {
		t.Errorf("observer got layer %d, want 3", obs.layers[0])
	}
	plan := obs.plans[0]
	if diff := cmp.Diff([]int32{0, 2, 4, 5, 6}, plan.Indptr); diff != "" {
		t.Errorf("indptr (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{0, 2, 1, 3, 0, 1}, obs.sels[0].Indices); diff != "" {
		t.Errorf("expert selection (-want +got):\n%s", diff)
	}

	want := naiveForward(t, ctx, block, x)
	if diff := cmp.Diff(want.Data(), out.Data(), approx); diff != "" {
		t.Errorf("batched output differs from per-token evaluation (-want +got):\n%s", diff)
	}
}

func TestBlockEmptyExpertScenario(t *testing.T) {
	ctx := cpu.NewContext(cpu.Options{Parallelism: 4})
	gate := &Gate{Weight: cpu.FromData(4, 4, []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}), TopK: 2}

	block, err := NewBlock(0, gate, newTestExperts(t, 4, 4, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	block.Observer = obs

	x := cpu.FromData(3, 4, []float32{
		5, 0, 4, 0,
		0, 5, 4, 0,
		5, 4, 0, 0,
	})
	out, err := block.Forward(ctx, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]int32{0, 2, 4, 6, 6}, obs.plans[0].Indptr); diff != "" {
		t.Errorf("indptr (-want +got):\n%s", diff)
	}
	want := naiveForward(t, ctx, block, x)
	if diff := cmp.Diff(want.Data(), out.Data(), approx); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestBlockSingleTokenUsesDirectRouting(t *testing.T) {
	const (
		numExperts = 6
		hidden     = 8
	)
	ctx := cpu.NewContext(cpu.Options{Parallelism: 2})
	gate := &Gate{Weight: cpu.New(numExperts, hidden), TopK: 2, NormTopKProb: false}
	fill(gate.Weight, 41)

	block, err := NewBlock(1, gate, newTestExperts(t, numExperts, hidden, 4), newTestShared(hidden, 8))
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	block.Observer = obs

	x := cpu.New(1, hidden)
	fill(x, 42)
	out, err := block.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs.plans) != 1 || obs.plans[0] != nil {
		t.Errorf("single token should route directly without a plan, got %v", obs.plans)
	}

	// the sorted path over the same token must agree
	sel, err := gate.Select(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	sorted, plan, err := Sorted.Route(ctx, x, sel, block.Experts)
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil {
		t.Fatal("sorted strategy should return a plan")
	}
	shared, _ := block.Shared.Forward(ctx, x)
	ctx.Add(sorted, shared)
	if diff := cmp.Diff(sorted.Data(), out.Data(), approx); diff != "" {
		t.Errorf("direct and sorted routing differ (-sorted +direct):\n%s", diff)
	}

	want := naiveForward(t, ctx, block, x)
	if diff := cmp.Diff(want.Data(), out.Data(), approx); diff != "" {
		t.Errorf("direct routing vs reference (-want +got):\n%s", diff)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		tokens int
		want   string
	}{
		{1, "direct"},
		{0, "sorted"},
		{2, "sorted"},
		{128, "sorted"},
	}
	for _, tt := range tests {
		if got := StrategyFor(tt.tokens).Name(); got != tt.want {
			t.Errorf("StrategyFor(%d) = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}

func TestStrategiesAgreeOnBatches(t *testing.T) {
	ctx := cpu.NewContext(cpu.Options{Parallelism: 3})
	ex := newTestExperts(t, 5, 6, 3)
	gate := &Gate{Weight: cpu.New(5, 6), TopK: 3, NormTopKProb: true}
	fill(gate.Weight, 51)

	x := cpu.New(9, 6)
	fill(x, 52)
	sel, err := gate.Select(ctx, x)
	if err != nil {
		t.Fatal(err)
	}

	direct, _, err := Direct.Route(ctx, x, sel, ex)
	if err != nil {
		t.Fatal(err)
	}
	sorted, _, err := Sorted.Route(ctx, x, sel, ex)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(direct.Data(), sorted.Data(), approx); diff != "" {
		t.Errorf("strategies differ (-direct +sorted):\n%s", diff)
	}
}

func TestStrategiesRejectOutOfRangeExperts(t *testing.T) {
	ctx := cpu.NewContext(cpu.Options{Parallelism: 1})
	transforms, _ := markers(2)
	ex := NewExecutor(transforms)
	x := cpu.New(2, 2)
	sel := &Selection{NumTokens: 2, TopK: 1, Weights: []float32{1, 1}, Indices: []int32{0, 2}}

	for _, s := range []Strategy{Direct, Sorted} {
		if _, _, err := s.Route(ctx, x, sel, ex); !errors.Is(err, ErrExpertOutOfRange) {
			t.Errorf("%s: expected ErrExpertOutOfRange, got %v", s.Name(), err)
		}
	}
}

func TestBlockSharedExpertIsAdditive(t *testing.T) {
	ctx := cpu.NewContext(cpu.Options{Parallelism: 2})
	gate := &Gate{Weight: cpu.New(4, 4), TopK: 2}
	fill(gate.Weight, 61)
	experts := newTestExperts(t, 4, 4, 2)
	shared := newTestShared(4, 4)

	withShared, err := NewBlock(2, gate, experts, shared)
	if err != nil {
		t.Fatal(err)
	}
	withoutShared, err := NewBlock(2, gate, experts, nil)
	if err != nil {
		t.Fatal(err)
	}

	x := cpu.New(5, 4)
	fill(x, 62)
	a, err := withShared.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	b, err := withoutShared.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	s, err := shared.Forward(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	ctx.Add(b, s)
	if diff := cmp.Diff(b.Data(), a.Data(), approx); diff != "" {
		t.Errorf("shared path should add its output (-want +got):\n%s", diff)
	}
}

func TestNewBlockValidation(t *testing.T) {
	experts := newTestExperts(t, 4, 4, 2)
	if _, err := NewBlock(0, &Gate{Weight: cpu.New(3, 4), TopK: 2}, experts, nil); err == nil {
		t.Error("expected error for gate/expert count mismatch")
	}
	if _, err := NewBlock(0, &Gate{Weight: cpu.New(4, 4), TopK: 5}, experts, nil); err == nil {
		t.Error("expected error for top-k larger than expert count")
	}
}

func TestBlockForwardRejectsWrongHidden(t *testing.T) {
	block, err := NewBlock(0, &Gate{Weight: cpu.New(4, 4), TopK: 1}, newTestExperts(t, 4, 4, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := block.Forward(cpu.NewContext(cpu.Options{}), cpu.New(2, 3)); err == nil {
		t.Error("expected hidden size error")
	}
}

func TestBlockRecordsSelectionsOnlyAfterRouting(t *testing.T) {
	ctx := cpu.NewContext(cpu.Options{Parallelism: 1})
	// the gate scores 8 experts but only 4 exist, and it prefers 6 and 7
	weight := cpu.New(8, 2)
	copy(weight.Row(6), []float32{5, 0})
	copy(weight.Row(7), []float32{4, 0})
	transforms, _ := markers(4)
	block := &Block{Layer: 97, Gate: &Gate{Weight: weight, TopK: 2}, Experts: NewExecutor(transforms)}

	series := testutil.CollectAndCount(metrics.MOEExpertSelection)
	violations := metrics.MOERoutingViolations.WithLabelValues("expert_out_of_range")
	before := testutil.ToFloat64(violations)

	x := cpu.FromData(2, 2, []float32{1, 0, 1, 0})
	if _, err := block.Forward(ctx, x); !errors.Is(err, ErrExpertOutOfRange) {
		t.Fatalf("expected ErrExpertOutOfRange, got %v", err)
	}
	if got := testutil.CollectAndCount(metrics.MOEExpertSelection); got != series {
		t.Errorf("failed routing created selection series: %d, then %d", series, got)
	}
	if got := testutil.ToFloat64(violations) - before; got != 1 {
		t.Errorf("expected one violation recorded, got %v", got)
	}

	ok, err := NewBlock(98, &Gate{Weight: cpu.FromData(4, 2, []float32{1, 0, 0, 1, 0, 0, 0, 0}), TopK: 2}, NewExecutor(transforms), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ok.Forward(ctx, x); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.MOEExpertSelection.WithLabelValues("98", "0")); got != 2 {
		t.Errorf("expert 0 selections on layer 98: got %v, want 2", got)
	}
}

func TestBlockLogsDurations(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "debug", "json")
	defer logger.Setup("info", "console")

	block, err := NewBlock(5, &Gate{Weight: cpu.New(4, 4), TopK: 2}, newTestExperts(t, 4, 4, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	x := cpu.New(3, 4)
	fill(x, 81)
	if _, err := block.Forward(cpu.NewContext(cpu.Options{Parallelism: 1}), x); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, field := range []string{"routing", "total"} {
		re := regexp.MustCompile(`"` + field + `":"[0-9.]+(ns|µs|ms|s)"`)
		if !re.MatchString(out) {
			t.Errorf("%s should be logged as a duration: %s", field, out)
		}
	}
}
