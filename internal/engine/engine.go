// Package engine drives prompt processing and token generation over a model
// and its paged KV cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/kvcache"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/model"
)

var ErrContextWindow = errors.New("engine: request exceeds context window")

const (
	FinishEOS    = "eos"
	FinishLength = "length"
)

type GenerateOptions struct {
	MaxTokens int
	Sampler   SamplerConfig
	// IgnoreEOS keeps generating after the end-of-sequence token.
	IgnoreEOS bool
}

type Result struct {
	Tokens       []int32
	PromptTokens int
	FinishReason string
	Duration     time.Duration
}

type Engine struct {
	Model *model.CausalLM
	Cache *kvcache.PagedKVCache

	mu      sync.Mutex
	nextSeq int64
	log     *logger.Logger
}

// New sizes a cache for m from its config.
func New(m *model.CausalLM) (*Engine, error) {
	cache, err := kvcache.New(m.Context(), kvcache.OptionsFromConfig(m.Config))
	if err != nil {
		return nil, fmt.Errorf("create kv cache: %w", err)
	}
	return &Engine{Model: m, Cache: cache, log: logger.Log.With("component", "engine")}, nil
}

// step declares one forward pass to the cache and always ends it.
func (e *Engine) step(seqIDs []int64, lengths []int, fn func() (*cpu.Tensor, error)) (*cpu.Tensor, error) {
	if err := e.Cache.BeginForward(seqIDs, lengths); err != nil {
		return nil, err
	}
	out, err := fn()
	if endErr := e.Cache.EndForward(); err == nil {
		err = endErr
	}
	return out, err
}

func (e *Engine) addSequence() (int64, error) {
	e.nextSeq++
	id := e.nextSeq
	return id, e.Cache.AddSequence(id)
}

func (e *Engine) removeSequence(id int64) {
	if err := e.Cache.RemoveSequence(id); err != nil {
		e.log.Warn("Failed to release sequence", "seq", id, "error", err)
	}
}

func (e *Engine) checkWindow(prompt []int32, maxTokens int) error {
	if len(prompt) == 0 {
		return errors.New("empty input tokens")
	}
	if maxTokens < 0 {
		return fmt.Errorf("invalid max tokens %d", maxTokens)
	}
	if n := len(prompt) + maxTokens; n > e.Model.Config.ContextWindowSize {
		return fmt.Errorf("%w: %d prompt + %d new tokens > %d", ErrContextWindow, len(prompt), maxTokens, e.Model.Config.ContextWindowSize)
	}
	return nil
}

// prefill feeds prompt in chunks of prefill_chunk_size and returns the logits
// of its last token.
func (e *Engine) prefill(ctx context.Context, seq int64, prompt []int32) (*cpu.Tensor, error) {
	chunk := e.Model.Config.PrefillChunkSize
	var logits *cpu.Tensor
	for start := 0; start < len(prompt); start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := prompt[start:min(start+chunk, len(prompt))]
		var err error
		logits, err = e.step([]int64{seq}, []int{len(ids)}, func() (*cpu.Tensor, error) {
			embeds, err := e.Model.Embed(ids)
			if err != nil {
				return nil, err
			}
			return e.Model.Prefill(e.Cache, embeds)
		})
		if err != nil {
			return nil, err
		}
	}
	return logits, nil
}

// Generate runs prefill then decodes up to opts.MaxTokens tokens. ctx is
// checked between forward passes.
func (e *Engine) Generate(ctx context.Context, prompt []int32, opts GenerateOptions) (*Result, error) {
	if err := e.checkWindow(prompt, opts.MaxTokens); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	seq, err := e.addSequence()
	if err != nil {
		return nil, err
	}
	defer e.removeSequence(seq)

	// Step 1: Prefill
	logits, err := e.prefill(ctx, seq, prompt)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}

	// Step 2: Decode
	sampler := NewSampler(opts.Sampler)
	history := append([]int32(nil), prompt...)
	res := &Result{PromptTokens: len(prompt), FinishReason: FinishLength}
	for len(res.Tokens) < opts.MaxTokens {
		next := sampler.Sample(logits.Row(0), history)
		res.Tokens = append(res.Tokens, next)
		history = append(history, next)
		if !opts.IgnoreEOS && int(next) == e.Model.Config.EOSTokenID {
			res.FinishReason = FinishEOS
			break
		}
		if len(res.Tokens) == opts.MaxTokens {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err = e.step([]int64{seq}, []int{1}, func() (*cpu.Tensor, error) {
			embeds, err := e.Model.Embed([]int32{next})
			if err != nil {
				return nil, err
			}
			return e.Model.Decode(e.Cache, embeds)
		})
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", len(res.Tokens), err)
		}
	}

	res.Duration = time.Since(start)
	e.log.Debug("Generation finished",
		"prompt_tokens", res.PromptTokens,
		"new_tokens", len(res.Tokens),
		"finish", res.FinishReason,
		"duration", res.Duration)
	return res, nil
}

type batchSeq struct {
	id      int64
	sampler *Sampler
	history []int32
	res     *Result
	done    bool
}

// batchPrefill feeds the concatenated prompts in passes of at most
// prefill_chunk_size rows. A pass may hold the tail of one prompt and the head
// of the next; each sequence's logits come from the pass holding its last
// token. Row i of the result belongs to seqs[i].
func (e *Engine) batchPrefill(ctx context.Context, seqs []*batchSeq, prompts [][]int32) (*cpu.Tensor, error) {
	chunk := e.Model.Config.PrefillChunkSize
	var out *cpu.Tensor

	seq, offset := 0, 0
	for seq < len(prompts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			ids       []int64
			lengths   []int
			flat      []int32
			positions []int32
			owners    []int
		)
		for seq < len(prompts) && len(flat) < chunk {
			p := prompts[seq]
			n := min(chunk-len(flat), len(p)-offset)
			ids = append(ids, seqs[seq].id)
			lengths = append(lengths, n)
			flat = append(flat, p[offset:offset+n]...)
			offset += n
			if offset == len(p) {
				positions = append(positions, int32(len(flat)-1))
				owners = append(owners, seq)
				seq, offset = seq+1, 0
			}
		}

		logits, err := e.step(ids, lengths, func() (*cpu.Tensor, error) {
			embeds, err := e.Model.Embed(flat)
			if err != nil {
				return nil, err
			}
			return e.Model.BatchPrefill(e.Cache, embeds, positions)
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = cpu.New(len(prompts), logits.Cols())
		}
		for r, owner := range owners {
			copy(out.Row(owner), logits.Row(r))
		}
	}
	return out, nil
}

// GenerateBatch generates for every prompt in lockstep: a chunked batched
// prefill, then batched decode steps over the sequences still running.
func (e *Engine) GenerateBatch(ctx context.Context, prompts [][]int32, opts GenerateOptions) ([]*Result, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	if len(prompts) > e.Model.Config.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds max_batch_size %d", len(prompts), e.Model.Config.MaxBatchSize)
	}
	for _, p := range prompts {
		if err := e.checkWindow(p, opts.MaxTokens); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	seqs := make([]*batchSeq, len(prompts))
	for i, p := range prompts {
		id, err := e.addSequence()
		if err != nil {
			return nil, err
		}
		defer e.removeSequence(id)

		cfg := opts.Sampler
		if cfg.Seed != 0 {
			cfg.Seed += uint64(i)
		}
		seqs[i] = &batchSeq{
			id:      id,
			sampler: NewSampler(cfg),
			history: append([]int32(nil), p...),
			res:     &Result{PromptTokens: len(p), FinishReason: FinishLength},
		}
	}

	// Step 1: Batched prefill with one logit row per sequence
	logits, err := e.batchPrefill(ctx, seqs, prompts)
	if err != nil {
		return nil, fmt.Errorf("batch prefill: %w", err)
	}

	// Step 2: Batched decode
	active := seqs
	if opts.MaxTokens == 0 {
		active = nil
	}
	for len(active) > 0 {
		var running []*batchSeq
		var next []int32
		for r, s := range active {
			tok := s.sampler.Sample(logits.Row(r), s.history)
			s.res.Tokens = append(s.res.Tokens, tok)
			s.history = append(s.history, tok)
			switch {
			case !opts.IgnoreEOS && int(tok) == e.Model.Config.EOSTokenID:
				s.res.FinishReason = FinishEOS
				s.done = true
			case len(s.res.Tokens) >= opts.MaxTokens:
				s.done = true
			default:
				running = append(running, s)
				next = append(next, tok)
			}
		}
		if len(running) == 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, lengths := make([]int64, 0, len(running)), make([]int, 0, len(running))
		for _, s := range running {
			ids = append(ids, s.id)
			lengths = append(lengths, 1)
		}
		logits, err = e.step(ids, lengths, func() (*cpu.Tensor, error) {
			embeds, err := e.Model.Embed(next)
			if err != nil {
				return nil, err
			}
			return e.Model.BatchDecode(e.Cache, embeds)
		})
		if err != nil {
			return nil, fmt.Errorf("batch decode: %w", err)
		}
		active = running
	}

	out := make([]*Result, len(seqs))
	for i, s := range seqs {
		s.res.Duration = time.Since(start)
		out[i] = s.res
	}
	return out, nil
}
