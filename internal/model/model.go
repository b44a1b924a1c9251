package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/metrics"
	"github.com/23skdu/longbow-moe/internal/moe"
)

// CausalLM is a DeepSeek-MoE decoder with a language modelling head.
type CausalLM struct {
	Config *config.Config

	ctx       *cpu.Context
	embed     *cpu.Tensor
	layers    []*DecoderLayer
	finalNorm []float32
	lmHead    *cpu.Tensor
}

// New assembles the model from weights. Layer kinds are fixed here from the
// config and never re-evaluated.
func New(ctx *cpu.Context, cfg *config.Config, w Weights) (*CausalLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	specs := make(map[string]ParamSpec)
	for _, s := range ParamSpecs(cfg) {
		specs[s.Name] = s
	}
	get := func(name string) (*cpu.Tensor, error) {
		return w.tensor(specs[name])
	}
	row := func(name string) ([]float32, error) {
		t, err := get(name)
		if err != nil {
			return nil, err
		}
		return t.Data(), nil
	}

	m := &CausalLM{Config: cfg, ctx: ctx}
	var err error
	if m.embed, err = get("token_embd.weight"); err != nil {
		return nil, err
	}
	if m.finalNorm, err = row("output_norm.weight"); err != nil {
		return nil, err
	}
	if _, ok := w["output.weight"]; ok || !cfg.TieWordEmbeddings {
		if m.lmHead, err = get("output.weight"); err != nil {
			return nil, err
		}
	} else {
		m.lmHead = m.embed
	}

	kinds := make([]string, cfg.NumHiddenLayers)
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		layer, err := buildLayer(cfg, l, get, row)
		if err != nil {
			return nil, err
		}
		m.layers = append(m.layers, layer)
		kinds[l] = layer.Kind.String()
	}

	logger.Log.Info("Model assembled",
		"layers", cfg.NumHiddenLayers,
		"hidden", cfg.HiddenSize,
		"routed_experts", cfg.NRoutedExperts,
		"shared_experts", cfg.SharedExperts(),
		"experts_per_tok", cfg.NumExpertsPerTok,
		"kinds", kinds)
	return m, nil
}

func buildLayer(cfg *config.Config, l int, get func(string) (*cpu.Tensor, error), row func(string) ([]float32, error)) (*DecoderLayer, error) {
	layer := &DecoderLayer{Index: l, RMSNormEps: cfg.RMSNormEps, Attn: &Attention{NumQHeads: cfg.NumAttentionHeads}}
	var err error
	if layer.InputNorm, err = row(blk(l, "attn_norm.weight")); err != nil {
		return nil, err
	}
	if layer.PostAttnNorm, err = row(blk(l, "ffn_norm.weight")); err != nil {
		return nil, err
	}
	if layer.Attn.QKV, err = get(blk(l, "attn_qkv.weight")); err != nil {
		return nil, err
	}
	if cfg.AttentionBias {
		if layer.Attn.QKVBias, err = row(blk(l, "attn_qkv.bias")); err != nil {
			return nil, err
		}
	}
	if layer.Attn.Output, err = get(blk(l, "attn_output.weight")); err != nil {
		return nil, err
	}

	if !cfg.IsMoELayer(l) {
		mlp := &moe.FeedForward{}
		if mlp.GateUp, err = get(blk(l, "ffn_gate_up.weight")); err != nil {
			return nil, err
		}
		if mlp.Down, err = get(blk(l, "ffn_down.weight")); err != nil {
			return nil, err
		}
		layer.Kind, layer.FFN = LayerDense, mlp
		return layer, nil
	}

	gate := &moe.Gate{TopK: cfg.NumExpertsPerTok, NormTopKProb: cfg.NormTopKProb}
	if gate.Weight, err = get(blk(l, "ffn_gate_inp.weight")); err != nil {
		return nil, err
	}
	gateUp, err := get(blk(l, "ffn_gate_up_exps.weight"))
	if err != nil {
		return nil, err
	}
	down, err := get(blk(l, "ffn_down_exps.weight"))
	if err != nil {
		return nil, err
	}
	experts, err := moe.NewGroupedExecutor(gateUp, down, cfg.NRoutedExperts)
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", l, err)
	}

	var shared *moe.FeedForward
	if cfg.SharedIntermediateSize() > 0 {
		shared = &moe.FeedForward{}
		if shared.GateUp, err = get(blk(l, "ffn_gate_up_shexp.weight")); err != nil {
			return nil, err
		}
		if shared.Down, err = get(blk(l, "ffn_down_shexp.weight")); err != nil {
			return nil, err
		}
	}

	block, err := moe.NewBlock(l, gate, experts, shared)
	if err != nil {
		return nil, err
	}
	layer.Kind, layer.FFN = LayerMoE, block
	return layer, nil
}

// Context returns the kernel context the model runs on.
func (m *CausalLM) Context() *cpu.Context {
	return m.ctx
}

func (m *CausalLM) Layers() []*DecoderLayer {
	return m.layers
}

// SetRoutingObserver attaches o to every MoE block.
func (m *CausalLM) SetRoutingObserver(o moe.Observer) {
	for _, l := range m.layers {
		if b, ok := l.FFN.(*moe.Block); ok {
			b.Observer = o
		}
	}
}

// Embed looks up token embeddings.
func (m *CausalLM) Embed(ids []int32) (*cpu.Tensor, error) {
	for i, id := range ids {
		if id < 0 || int(id) >= m.Config.VocabSize {
			return nil, fmt.Errorf("token %d at position %d outside vocabulary of %d", id, i, m.Config.VocabSize)
		}
	}
	return m.ctx.Embedding(m.embed, ids), nil
}

// Forward runs every decoder layer and the final norm over embeddings of the
// rows declared to the cache.
func (m *CausalLM) Forward(cache AttentionCache, embeds *cpu.Tensor) (*cpu.Tensor, error) {
	if embeds.Cols() != m.Config.HiddenSize {
		return nil, fmt.Errorf("embeddings have width %d, want %d", embeds.Cols(), m.Config.HiddenSize)
	}
	h := embeds
	for _, layer := range m.layers {
		var err error
		if h, err = layer.Forward(m.ctx, cache, h); err != nil {
			return nil, err
		}
	}
	return m.ctx.RMSNorm(h, m.finalNorm, m.Config.RMSNormEps), nil
}

func (m *CausalLM) logits(entry string, cache AttentionCache, embeds *cpu.Tensor, positions []int32) (*cpu.Tensor, error) {
	start := time.Now()
	metrics.RecordForward(entry)

	h, err := m.Forward(cache, embeds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}
	if positions != nil {
		for _, p := range positions {
			if p < 0 || int(p) >= h.Rows() {
				return nil, fmt.Errorf("%s: logit position %d outside %d rows", entry, p, h.Rows())
			}
		}
		h = m.ctx.Take(h, positions)
	}
	out := m.ctx.Linear(h, m.lmHead, nil)
	metrics.RecordInference(embeds.Rows(), time.Since(start))
	return out, nil
}

// Prefill processes a whole sequence and returns logits for its last token.
func (m *CausalLM) Prefill(cache AttentionCache, embeds *cpu.Tensor) (*cpu.Tensor, error) {
	if embeds.Rows() == 0 {
		return nil, fmt.Errorf("prefill: empty sequence")
	}
	return m.logits("prefill", cache, embeds, []int32{int32(embeds.Rows() - 1)})
}

// Decode processes one token and returns its logits.
func (m *CausalLM) Decode(cache AttentionCache, embed *cpu.Tensor) (*cpu.Tensor, error) {
	if embed.Rows() != 1 {
		return nil, fmt.Errorf("decode: expected 1 token, got %d", embed.Rows())
	}
	return m.logits("decode", cache, embed, nil)
}

// BatchPrefill processes the concatenated sequences of a batch and returns
// logits at logitPositions, typically the last row of each sequence.
func (m *CausalLM) BatchPrefill(cache AttentionCache, embeds *cpu.Tensor, logitPositions []int32) (*cpu.Tensor, error) {
	if logitPositions == nil {
		logitPositions = []int32{}
	}
	return m.logits("batch_prefill", cache, embeds, logitPositions)
}

// BatchDecode processes one token per sequence and returns logits for each row.
func (m *CausalLM) BatchDecode(cache AttentionCache, embeds *cpu.Tensor) (*cpu.Tensor, error) {
	return m.logits("batch_decode", cache, embeds, nil)
}

// BatchVerify scores draft tokens for speculative decoding and returns logits
// for every row.
func (m *CausalLM) BatchVerify(cache AttentionCache, embeds *cpu.Tensor) (*cpu.Tensor, error) {
	return m.logits("batch_verify", cache, embeds, nil)
}
