package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
)

// Weights holds named parameters in (rows, cols) layout. Linear weights are
// stored (out, in).
type Weights map[string]*cpu.Tensor

// ParamSpec describes one parameter of a model.
type ParamSpec struct {
	Name string
	Rows int
	Cols int
	// Norm weights initialise to one.
	Norm bool
	// Optional parameters may be absent from a checkpoint.
	Optional bool
}

func blk(layer int, name string) string {
	return fmt.Sprintf("blk.%d.%s", layer, name)
}

// ParamSpecs lists every parameter required by cfg, in checkpoint order.
func ParamSpecs(cfg *config.Config) []ParamSpec {
	h := cfg.HiddenSize
	d := cfg.HeadDim()
	qkvRows := (cfg.NumAttentionHeads + 2*cfg.NumKeyValueHeads) * d

	specs := []ParamSpec{{Name: "token_embd.weight", Rows: cfg.VocabSize, Cols: h}}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		specs = append(specs,
			ParamSpec{Name: blk(l, "attn_norm.weight"), Rows: 1, Cols: h, Norm: true},
			ParamSpec{Name: blk(l, "attn_qkv.weight"), Rows: qkvRows, Cols: h},
		)
		if cfg.AttentionBias {
			specs = append(specs, ParamSpec{Name: blk(l, "attn_qkv.bias"), Rows: 1, Cols: qkvRows})
		}
		specs = append(specs,
			ParamSpec{Name: blk(l, "attn_output.weight"), Rows: h, Cols: cfg.NumAttentionHeads * d},
			ParamSpec{Name: blk(l, "ffn_norm.weight"), Rows: 1, Cols: h, Norm: true},
		)

		if !cfg.IsMoELayer(l) {
			specs = append(specs,
				ParamSpec{Name: blk(l, "ffn_gate_up.weight"), Rows: 2 * cfg.IntermediateSize, Cols: h},
				ParamSpec{Name: blk(l, "ffn_down.weight"), Rows: h, Cols: cfg.IntermediateSize},
			)
			continue
		}

		e, mi := cfg.NRoutedExperts, cfg.MoEIntermediateSize
		specs = append(specs,
			ParamSpec{Name: blk(l, "ffn_gate_inp.weight"), Rows: e, Cols: h},
			ParamSpec{Name: blk(l, "ffn_gate_up_exps.weight"), Rows: e * 2 * mi, Cols: h},
			ParamSpec{Name: blk(l, "ffn_down_exps.weight"), Rows: e * h, Cols: mi},
		)
		if si := cfg.SharedIntermediateSize(); si > 0 {
			specs = append(specs,
				ParamSpec{Name: blk(l, "ffn_gate_up_shexp.weight"), Rows: 2 * si, Cols: h},
				ParamSpec{Name: blk(l, "ffn_down_shexp.weight"), Rows: h, Cols: si},
			)
		}
	}

	specs = append(specs, ParamSpec{Name: "output_norm.weight", Rows: 1, Cols: h, Norm: true})
	specs = append(specs, ParamSpec{Name: "output.weight", Rows: cfg.VocabSize, Cols: h, Optional: cfg.TieWordEmbeddings})
	return specs
}

// RandomWeights draws parameters uniformly from ±1/sqrt(cols). Identical seeds
// give identical weights.
func RandomWeights(cfg *config.Config, seed uint64) Weights {
	rng := rand.New(rand.NewPCG(seed, 0x6c6f6e67626f77))
	w := make(Weights)
	for _, spec := range ParamSpecs(cfg) {
		if spec.Optional {
			continue
		}
		t := cpu.New(spec.Rows, spec.Cols)
		data := t.Data()
		if spec.Norm {
			for i := range data {
				data[i] = 1
			}
		} else {
			bound := float32(1 / math.Sqrt(float64(spec.Cols)))
			for i := range data {
				data[i] = (2*rng.Float32() - 1) * bound
			}
		}
		w[spec.Name] = t
	}
	return w
}

func (w Weights) tensor(spec ParamSpec) (*cpu.Tensor, error) {
	t, ok := w[spec.Name]
	if !ok {
		return nil, fmt.Errorf("missing parameter %s", spec.Name)
	}
	if t.Rows() != spec.Rows || t.Cols() != spec.Cols {
		return nil, fmt.Errorf("parameter %s has shape %v, want (%d, %d)", spec.Name, t.Shape(), spec.Rows, spec.Cols)
	}
	return t, nil
}
