package model

import (
	"fmt"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/gguf"
	"github.com/23skdu/longbow-moe/internal/logger"
	json "github.com/goccy/go-json"
)

const (
	architecture = "deepseek_moe"
	configKey    = "longbow_moe.config"
)

// Save writes the config and weights to a GGUF checkpoint. Norm weights are
// always stored as F32.
func Save(path string, cfg *config.Config, w Weights, typ gguf.GGMLType) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	gw := gguf.NewWriter()
	gw.SetString("general.architecture", architecture)
	gw.SetString(configKey, string(raw))
	gw.SetUint32(architecture+".block_count", uint32(cfg.NumHiddenLayers))
	gw.SetUint32(architecture+".expert_count", uint32(cfg.NRoutedExperts))
	gw.SetUint32(architecture+".expert_used_count", uint32(cfg.NumExpertsPerTok))
	gw.SetFloat32(architecture+".rope.freq_base", cfg.RopeTheta)

	for _, spec := range ParamSpecs(cfg) {
		if _, ok := w[spec.Name]; !ok && spec.Optional {
			continue
		}
		t, err := w.tensor(spec)
		if err != nil {
			return err
		}
		tt := typ
		if spec.Norm || spec.Rows == 1 {
			tt = gguf.GGMLTypeF32
		}
		if err := gw.AddTensor(spec.Name, tt, spec.Rows, spec.Cols, t.Data()); err != nil {
			return err
		}
	}
	return gw.WriteFile(path)
}

// Load reads a checkpoint written by Save and assembles the model on ctx.
func Load(ctx *cpu.Context, path string) (*CausalLM, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if arch, _ := f.String("general.architecture"); arch != architecture {
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
	raw, ok := f.String(configKey)
	if !ok {
		return nil, fmt.Errorf("checkpoint has no %s metadata", configKey)
	}
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}

	w, err := ReadWeights(f, cfg)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Checkpoint loaded", "path", path, "tensors", len(f.Tensors), "version", f.Header.Version)
	return New(ctx, cfg, w)
}

// ReadWeights decodes every parameter cfg needs from f into host tensors.
func ReadWeights(f *gguf.GGUFFile, cfg *config.Config) (Weights, error) {
	w := make(Weights)
	for _, spec := range ParamSpecs(cfg) {
		info, ok := f.Tensor(spec.Name)
		if !ok {
			if spec.Optional {
				continue
			}
			return nil, fmt.Errorf("missing parameter %s", spec.Name)
		}
		rows, cols := info.Shape2D()
		if rows != spec.Rows || cols != spec.Cols {
			return nil, fmt.Errorf("parameter %s has shape (%d, %d), want (%d, %d)", spec.Name, rows, cols, spec.Rows, spec.Cols)
		}
		data, err := info.Float32()
		if err != nil {
			return nil, err
		}
		w[spec.Name] = cpu.FromData(rows, cols, data)
	}
	return w, nil
}
