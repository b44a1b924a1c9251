package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-moe/internal/logger"
)

var (
	ErrShardingUnsupported  = errors.New("deepseek MoE does not support tensor parallel sharding")
	ErrMissingContextWindow = errors.New("unable to determine the maximum sequence length")
	ErrNotDivisible         = errors.New("dimension not evenly divisible")
)

const defaultPrefillChunk = 2048

// Config is the DeepSeek-MoE model configuration, read from a config.json.
type Config struct {
	VocabSize           int     `json:"vocab_size"`
	HiddenSize          int     `json:"hidden_size"`
	IntermediateSize    int     `json:"intermediate_size"`
	MoEIntermediateSize int     `json:"moe_intermediate_size"`
	NumHiddenLayers     int     `json:"num_hidden_layers"`
	NumAttentionHeads   int     `json:"num_attention_heads"`
	NumKeyValueHeads    int     `json:"num_key_value_heads"`
	NSharedExperts      *int    `json:"n_shared_experts"`
	NRoutedExperts      int     `json:"n_routed_experts"`
	MoELayerFreq        int     `json:"moe_layer_freq"`
	FirstKDenseReplace  int     `json:"first_k_dense_replace"`
	HiddenAct           string  `json:"hidden_act"`
	NormTopKProb        bool    `json:"norm_topk_prob"`
	AttentionBias       bool    `json:"attention_bias"`
	RMSNormEps          float32 `json:"rms_norm_eps"`
	BOSTokenID          int     `json:"bos_token_id"`
	EOSTokenID          int     `json:"eos_token_id"`
	TieWordEmbeddings   bool    `json:"tie_word_embeddings"`
	RopeTheta           float32 `json:"rope_theta"`
	ContextWindowSize   int     `json:"context_window_size"`
	PrefillChunkSize    int     `json:"prefill_chunk_size"`
	SlidingWindowSize   int     `json:"sliding_window_size"`
	TensorParallel      int     `json:"tensor_parallel_shards"`
	MaxBatchSize        int     `json:"max_batch_size"`
	NumExpertsPerTok    int     `json:"num_experts_per_tok"`

	// Extra holds keys not mapped to a field; used for context window fallbacks.
	Extra map[string]json.RawMessage `json:"-"`
}

// Expert and dense MLPs use a silu-gated combination.
var activations = map[string]bool{
	"silu":  true,
	"swish": true,
}

// Load reads, finalizes, and validates a config.json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config JSON, applies fallbacks and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownKeys[k] {
			cfg.Extra[k] = v
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize resolves the context window, prefill chunk, and unset defaults.
func (c *Config) Finalize() error {
	if c.ContextWindowSize == 0 {
		found := false
		for _, name := range []string{"max_position_embeddings", "max_sequence_length"} {
			v, ok := c.Extra[name]
			if !ok {
				continue
			}
			var n int
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode %s: %w", name, err)
			}
			c.ContextWindowSize = n
			delete(c.Extra, name)
			logger.Log.Info("context_window_size not found in config.json, falling back", "field", name, "value", n)
			found = true
			break
		}
		if !found {
			return fmt.Errorf("%w: none of context_window_size, max_position_embeddings or max_sequence_length is provided", ErrMissingContextWindow)
		}
	}

	if c.PrefillChunkSize == 0 {
		c.PrefillChunkSize = min(c.ContextWindowSize, defaultPrefillChunk)
		logger.Log.Info("prefill_chunk_size defaulted", "value", c.PrefillChunkSize)
	} else if c.PrefillChunkSize > c.ContextWindowSize {
		next := min(c.ContextWindowSize, defaultPrefillChunk)
		logger.Log.Info("overriding prefill_chunk_size", "from", c.PrefillChunkSize, "to", next)
		c.PrefillChunkSize = next
	}

	if c.TensorParallel == 0 {
		c.TensorParallel = 1
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 1
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.HiddenAct == "" {
		c.HiddenAct = "silu"
	}
	if c.MoELayerFreq == 0 {
		c.MoELayerFreq = 1
	}
	return nil
}

// Validate reports configuration errors that make the model unconstructible.
func (c *Config) Validate() error {
	if c.TensorParallel <= 0 {
		return fmt.Errorf("invalid tensor_parallel_shards: %d (must be positive)", c.TensorParallel)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.NumHiddenLayers <= 0 {
		return fmt.Errorf("invalid num_hidden_layers: %d (must be positive)", c.NumHiddenLayers)
	}
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.NumAttentionHeads)
	}
	if c.NumAttentionHeads%c.TensorParallel != 0 {
		return fmt.Errorf("%w: cannot split %d attention heads evenly to %d shards", ErrNotDivisible, c.NumAttentionHeads, c.TensorParallel)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.IntermediateSize)
	}
	if c.IntermediateSize%c.TensorParallel != 0 {
		return fmt.Errorf("%w: cannot split MLP intermediate size %d evenly to %d shards", ErrNotDivisible, c.IntermediateSize, c.TensorParallel)
	}
	if c.TensorParallel != 1 {
		return fmt.Errorf("%w (tensor_parallel_shards=%d)", ErrShardingUnsupported, c.TensorParallel)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("%w: hidden_size %d by num_attention_heads %d", ErrNotDivisible, c.HiddenSize, c.NumAttentionHeads)
	}
	if c.NumKeyValueHeads <= 0 || c.NumKeyValueHeads > c.NumAttentionHeads {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be in [1, %d])", c.NumKeyValueHeads, c.NumAttentionHeads)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("%w: num_attention_heads %d by num_key_value_heads %d", ErrNotDivisible, c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %g (must be positive)", c.RMSNormEps)
	}
	if c.ContextWindowSize <= 0 {
		return fmt.Errorf("%w: context_window_size=%d", ErrMissingContextWindow, c.ContextWindowSize)
	}
	if c.SlidingWindowSize < 0 {
		return fmt.Errorf("invalid sliding_window_size: %d (must be non-negative)", c.SlidingWindowSize)
	}
	if !activations[strings.ToLower(c.HiddenAct)] {
		return fmt.Errorf("unsupported hidden_act %q", c.HiddenAct)
	}
	if c.FirstKDenseReplace < 0 {
		return fmt.Errorf("invalid first_k_dense_replace: %d", c.FirstKDenseReplace)
	}
	if c.MoELayerFreq <= 0 {
		return fmt.Errorf("invalid moe_layer_freq: %d (must be positive)", c.MoELayerFreq)
	}

	if c.IsMoE() {
		if err := c.validateMoE(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateMoE() error {
	if c.NumExpertsPerTok <= 0 {
		return fmt.Errorf("invalid num_experts_per_tok: %d (must be positive for MOE)", c.NumExpertsPerTok)
	}
	if c.NumExpertsPerTok > c.NRoutedExperts {
		return fmt.Errorf("num_experts_per_tok (%d) > n_routed_experts (%d)", c.NumExpertsPerTok, c.NRoutedExperts)
	}
	if c.MoEIntermediateSize <= 0 {
		return fmt.Errorf("invalid moe_intermediate_size: %d (must be positive for MOE)", c.MoEIntermediateSize)
	}
	if c.NSharedExperts != nil && *c.NSharedExperts < 0 {
		return fmt.Errorf("invalid n_shared_experts: %d (must be non-negative)", *c.NSharedExperts)
	}
	return nil
}

// IsMoE reports whether any layer can route to experts.
func (c *Config) IsMoE() bool {
	return c.NRoutedExperts > 0
}

// SharedExperts returns n_shared_experts, treating null as zero.
func (c *Config) SharedExperts() int {
	if c.NSharedExperts == nil {
		return 0
	}
	return *c.NSharedExperts
}

// SharedIntermediateSize is the width of the always-on shared expert path.
func (c *Config) SharedIntermediateSize() int {
	return c.MoEIntermediateSize * c.SharedExperts()
}

// HeadDim is hidden_size / num_attention_heads.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// IsMoELayer applies the static dense/MoE layer policy.
func (c *Config) IsMoELayer(layer int) bool {
	return c.NRoutedExperts > 0 &&
		layer >= c.FirstKDenseReplace &&
		layer%c.MoELayerFreq == 0
}

// Default returns a small runnable configuration.
func Default() Config {
	shared := 2
	cfg := Config{
		VocabSize:           512,
		HiddenSize:          64,
		IntermediateSize:    128,
		MoEIntermediateSize: 32,
		NumHiddenLayers:     4,
		NumAttentionHeads:   4,
		NumKeyValueHeads:    2,
		NSharedExperts:      &shared,
		NRoutedExperts:      8,
		MoELayerFreq:        1,
		FirstKDenseReplace:  1,
		HiddenAct:           "silu",
		NormTopKProb:        true,
		RMSNormEps:          1e-6,
		BOSTokenID:          1,
		EOSTokenID:          2,
		RopeTheta:           10000,
		ContextWindowSize:   1024,
		TensorParallel:      1,
		MaxBatchSize:        4,
		NumExpertsPerTok:    2,
	}
	cfg.PrefillChunkSize = min(cfg.ContextWindowSize, defaultPrefillChunk)
	cfg.Extra = map[string]json.RawMessage{}
	return cfg
}

var knownKeys = map[string]bool{
	"vocab_size":             true,
	"hidden_size":            true,
	"intermediate_size":      true,
	"moe_intermediate_size":  true,
	"num_hidden_layers":      true,
	"num_attention_heads":    true,
	"num_key_value_heads":    true,
	"n_shared_experts":       true,
	"n_routed_experts":       true,
	"moe_layer_freq":         true,
	"first_k_dense_replace":  true,
	"hidden_act":             true,
	"norm_topk_prob":         true,
	"attention_bias":         true,
	"rms_norm_eps":           true,
	"bos_token_id":           true,
	"eos_token_id":           true,
	"tie_word_embeddings":    true,
	"rope_theta":             true,
	"context_window_size":    true,
	"prefill_chunk_size":     true,
	"sliding_window_size":    true,
	"tensor_parallel_shards": true,
	"max_batch_size":         true,
	"num_experts_per_tok":    true,
}
