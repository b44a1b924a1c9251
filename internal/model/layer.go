package model

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/cpu"
)

// AttentionCache is the attention boundary: it owns positions, rotary
// embedding and paging, and maps fused projections to attention output.
type AttentionCache interface {
	AttentionWithFusedQKV(layer int, qkv *cpu.Tensor, numQHeads int) (*cpu.Tensor, error)
}

type Attention struct {
	// QKV has shape ((qHeads + 2*kvHeads) * headDim, hidden).
	QKV     *cpu.Tensor
	QKVBias []float32
	// Output has shape (hidden, qHeads * headDim).
	Output    *cpu.Tensor
	NumQHeads int
}

func (a *Attention) Forward(c *cpu.Context, cache AttentionCache, layer int, x *cpu.Tensor) (*cpu.Tensor, error) {
	qkv := c.Linear(x, a.QKV, a.QKVBias)
	attn, err := cache.AttentionWithFusedQKV(layer, qkv, a.NumQHeads)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	return c.Linear(attn, a.Output, nil), nil
}

// LayerKind selects the feed-forward sub-layer of a decoder layer.
type LayerKind int

const (
	LayerDense LayerKind = iota
	LayerMoE
)

func (k LayerKind) String() string {
	switch k {
	case LayerDense:
		return "dense"
	case LayerMoE:
		return "moe"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// FeedForward is satisfied by both the dense MLP and the MoE block.
type FeedForward interface {
	Forward(c *cpu.Context, x *cpu.Tensor) (*cpu.Tensor, error)
}

type DecoderLayer struct {
	Index        int
	Kind         LayerKind
	InputNorm    []float32
	PostAttnNorm []float32
	Attn         *Attention
	FFN          FeedForward
	RMSNormEps   float32
}

// Forward runs pre-norm attention and feed-forward, each with a residual add.
func (l *DecoderLayer) Forward(c *cpu.Context, cache AttentionCache, h *cpu.Tensor) (*cpu.Tensor, error) {
	attn, err := l.Attn.Forward(c, cache, l.Index, c.RMSNorm(h, l.InputNorm, l.RMSNormEps))
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", l.Index, err)
	}
	c.Add(attn, h)

	ffn, err := l.FFN.Forward(c, c.RMSNorm(attn, l.PostAttnNorm, l.RMSNormEps))
	if err != nil {
		return nil, fmt.Errorf("layer %d %s: %w", l.Index, l.Kind, err)
	}
	c.Add(ffn, attn)
	return ffn, nil
}
