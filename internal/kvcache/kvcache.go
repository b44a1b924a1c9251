package kvcache

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrOutOfBlocks       = errors.New("kvcache: no free blocks")
	ErrUnknownSequence   = errors.New("kvcache: unknown sequence")
	ErrSequenceExists    = errors.New("kvcache: sequence already exists")
	ErrNoForward         = errors.New("kvcache: no forward in progress")
	ErrForwardInProgress = errors.New("kvcache: forward already in progress")
)

const DefaultBlockSize = 16

type Options struct {
	Layers     int
	NumQHeads  int
	NumKVHeads int
	HeadDim    int
	// Capacity is the total number of token slots shared by all sequences.
	Capacity  int
	BlockSize int
	// SlidingWindow limits attention to the most recent positions; 0 disables it.
	SlidingWindow int
	RopeTheta     float32
}

// OptionsFromConfig sizes the cache for MaxBatchSize sequences of the full
// context window.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Layers:        cfg.NumHiddenLayers,
		NumQHeads:     cfg.NumAttentionHeads,
		NumKVHeads:    cfg.NumKeyValueHeads,
		HeadDim:       cfg.HeadDim(),
		Capacity:      cfg.ContextWindowSize * max(cfg.MaxBatchSize, 1),
		BlockSize:     DefaultBlockSize,
		SlidingWindow: cfg.SlidingWindowSize,
		RopeTheta:     cfg.RopeTheta,
	}
}

type sequence struct {
	blocks []int32
	length int
}

type row struct {
	seq *sequence
	pos int
}

// PagedKVCache stores keys and values in fixed-size pages shared by all
// sequences. Each sequence owns a block table mapping logical blocks to pages.
type PagedKVCache struct {
	ctx  *cpu.Context
	opts Options

	// Pools per layer, laid out [totalBlocks * blockSize, kvHeads * headDim].
	kPools [][]float32
	vPools [][]float32

	totalBlocks int
	freeBlocks  []int32
	seqs        map[int64]*sequence

	// forward in progress
	rows      []row
	appends   map[*sequence]int
	positions []int32

	mu  sync.Mutex
	log *logger.Logger
}

func New(ctx *cpu.Context, opts Options) (*PagedKVCache, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RopeTheta == 0 {
		opts.RopeTheta = 10000
	}
	if opts.Layers <= 0 || opts.NumKVHeads <= 0 || opts.HeadDim <= 0 || opts.Capacity <= 0 {
		return nil, fmt.Errorf("invalid cache shape: %+v", opts)
	}
	if opts.NumQHeads%opts.NumKVHeads != 0 {
		return nil, fmt.Errorf("query heads %d not a multiple of kv heads %d", opts.NumQHeads, opts.NumKVHeads)
	}

	c := &PagedKVCache{
		ctx:         ctx,
		opts:        opts,
		totalBlocks: (opts.Capacity + opts.BlockSize - 1) / opts.BlockSize,
		seqs:        make(map[int64]*sequence),
		log:         logger.Log.With("component", "kvcache"),
	}

	c.freeBlocks = make([]int32, c.totalBlocks)
	for i := 0; i < c.totalBlocks; i++ {
		c.freeBlocks[i] = int32(c.totalBlocks - 1 - i) // stack order
	}

	poolSize := c.totalBlocks * opts.BlockSize * c.kvDim()
	c.kPools = make([][]float32, opts.Layers)
	c.vPools = make([][]float32, opts.Layers)
	for l := 0; l < opts.Layers; l++ {
		c.kPools[l] = make([]float32, poolSize)
		c.vPools[l] = make([]float32, poolSize)
	}

	c.recordStats()
	c.log.Debug("paged cache ready", "blocks", c.totalBlocks, "block_size", opts.BlockSize, "layers", opts.Layers)
	return c, nil
}

func (c *PagedKVCache) kvDim() int {
	return c.opts.NumKVHeads * c.opts.HeadDim
}

func (c *PagedKVCache) capacityBytes() int64 {
	return int64(c.opts.Layers) * 2 * int64(c.totalBlocks*c.opts.BlockSize*c.kvDim()) * 4
}

func (c *PagedKVCache) recordStats() {
	usedBlocks := c.totalBlocks - len(c.freeBlocks)
	used := int64(c.opts.Layers) * 2 * int64(usedBlocks*c.opts.BlockSize*c.kvDim()) * 4
	metrics.RecordKVCacheStats(c.capacityBytes(), used)
	metrics.KVCacheSequences.Set(float64(len(c.seqs)))
}

func (c *PagedKVCache) Options() Options {
	return c.opts
}

// FreeBlocks reports pages not owned by any sequence.
func (c *PagedKVCache) FreeBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.freeBlocks)
}

func (c *PagedKVCache) TotalBlocks() int {
	return c.totalBlocks
}

func (c *PagedKVCache) AddSequence(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seqs[id]; ok {
		return fmt.Errorf("%w: %d", ErrSequenceExists, id)
	}
	c.seqs[id] = &sequence{}
	c.recordStats()
	return nil
}

// RemoveSequence releases every page of the sequence.
func (c *PagedKVCache) RemoveSequence(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.seqs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}
	if c.rows != nil {
		return ErrForwardInProgress
	}
	for i := len(seq.blocks) - 1; i >= 0; i-- {
		c.freeBlocks = append(c.freeBlocks, seq.blocks[i])
	}
	delete(c.seqs, id)
	c.recordStats()
	return nil
}

func (c *PagedKVCache) SequenceLength(id int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.seqs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}
	return seq.length, nil
}

func (c *PagedKVCache) allocateBlock() int32 {
	block := c.freeBlocks[len(c.freeBlocks)-1]
	c.freeBlocks = c.freeBlocks[:len(c.freeBlocks)-1]
	return block
}

// BeginForward declares the rows of the next forward pass: appendLengths[i]
// new tokens for seqIDs[i], laid out sequence after sequence. Pages for the new
// tokens are allocated up front; nothing is allocated when they do not fit.
func (c *PagedKVCache) BeginForward(seqIDs []int64, appendLengths []int) error {
	if len(seqIDs) != len(appendLengths) {
		return fmt.Errorf("begin forward: %d sequences but %d lengths", len(seqIDs), len(appendLengths))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows != nil {
		return ErrForwardInProgress
	}

	seqs := make([]*sequence, len(seqIDs))
	needed := 0
	for i, id := range seqIDs {
		seq, ok := c.seqs[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
		}
		for _, prev := range seqs[:i] {
			if prev == seq {
				return fmt.Errorf("begin forward: sequence %d listed twice", id)
			}
		}
		if appendLengths[i] < 0 {
			return fmt.Errorf("begin forward: negative length %d for sequence %d", appendLengths[i], id)
		}
		seqs[i] = seq
		blocks := (seq.length + appendLengths[i] + c.opts.BlockSize - 1) / c.opts.BlockSize
		needed += max(blocks-len(seq.blocks), 0)
	}
	if needed > len(c.freeBlocks) {
		metrics.KVCacheOutOfBlocks.Inc()
		return fmt.Errorf("%w: need %d, have %d", ErrOutOfBlocks, needed, len(c.freeBlocks))
	}

	c.rows = make([]row, 0)
	c.positions = make([]int32, 0)
	c.appends = make(map[*sequence]int, len(seqs))
	for i, seq := range seqs {
		end := seq.length + appendLengths[i]
		for len(seq.blocks)*c.opts.BlockSize < end {
			seq.blocks = append(seq.blocks, c.allocateBlock())
		}
		for p := seq.length; p < end; p++ {
			c.rows = append(c.rows, row{seq: seq, pos: p})
			c.positions = append(c.positions, int32(p))
		}
		c.appends[seq] = appendLengths[i]
	}
	c.recordStats()
	return nil
}

// EndForward commits the tokens declared by BeginForward.
func (c *PagedKVCache) EndForward() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		return ErrNoForward
	}
	for seq, n := range c.appends {
		seq.length += n
	}
	c.rows, c.positions, c.appends = nil, nil, nil
	return nil
}

// Positions returns the absolute position of each row of the forward in progress.
func (c *PagedKVCache) Positions() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions
}

func (c *PagedKVCache) slot(seq *sequence, pos int) int {
	block := seq.blocks[pos/c.opts.BlockSize]
	return int(block)*c.opts.BlockSize + pos%c.opts.BlockSize
}

// AttentionWithFusedQKV applies rotary embedding, stores keys and values for
// layer, and returns causal grouped-query attention over each row's sequence.
// qkv has shape (rows, (numQHeads + 2*kvHeads) * headDim); the result has
// shape (rows, numQHeads * headDim).
func (c *PagedKVCache) AttentionWithFusedQKV(layer int, qkv *cpu.Tensor, numQHeads int) (*cpu.Tensor, error) {
	c.mu.Lock()
	rows := c.rows
	positions := c.positions
	c.mu.Unlock()

	if rows == nil {
		return nil, ErrNoForward
	}
	if layer < 0 || layer >= c.opts.Layers {
		return nil, fmt.Errorf("layer %d outside [0, %d)", layer, c.opts.Layers)
	}
	d := c.opts.HeadDim
	hkv := c.opts.NumKVHeads
	if numQHeads%hkv != 0 {
		return nil, fmt.Errorf("query heads %d not a multiple of kv heads %d", numQHeads, hkv)
	}
	if qkv.Rows() != len(rows) || qkv.Cols() != (numQHeads+2*hkv)*d {
		return nil, fmt.Errorf("qkv shape %v, want (%d, %d)", qkv.Shape(), len(rows), (numQHeads+2*hkv)*d)
	}

	qDim, kvDim := numQHeads*d, hkv*d
	q := cpu.New(len(rows), qDim)
	k := cpu.New(len(rows), kvDim)
	for r := range rows {
		src := qkv.Row(r)
		copy(q.Row(r), src[:qDim])
		copy(k.Row(r), src[qDim:qDim+kvDim])
	}
	c.ctx.Rope(q, numQHeads, d, positions, c.opts.RopeTheta)
	c.ctx.Rope(k, hkv, d, positions, c.opts.RopeTheta)

	kPool, vPool := c.kPools[layer], c.vPools[layer]
	for r, rw := range rows {
		s := c.slot(rw.seq, rw.pos) * kvDim
		copy(kPool[s:s+kvDim], k.Row(r))
		copy(vPool[s:s+kvDim], qkv.Row(r)[qDim+kvDim:])
	}

	out := cpu.New(len(rows), qDim)
	group := numQHeads / hkv
	scale := float32(1 / math.Sqrt(float64(d)))

	var g errgroup.Group
	g.SetLimit(c.ctx.Parallelism())
	for r, rw := range rows {
		g.Go(func() error {
			first := 0
			if c.opts.SlidingWindow > 0 {
				first = max(rw.pos-c.opts.SlidingWindow+1, 0)
			}
			scores := make([]float32, rw.pos-first+1)
			qRow := q.Row(r)
			oRow := out.Row(r)
			for h := 0; h < numQHeads; h++ {
				kvh := h / group
				qh := qRow[h*d : (h+1)*d]
				for p := first; p <= rw.pos; p++ {
					s := c.slot(rw.seq, p)*kvDim + kvh*d
					var dot float32
					for j, v := range qh {
						dot += v * kPool[s+j]
					}
					scores[p-first] = dot * scale
				}
				cpu.Softmax(scores)
				oh := oRow[h*d : (h+1)*d]
				for p := first; p <= rw.pos; p++ {
					s := c.slot(rw.seq, p)*kvDim + kvh*d
					w := scores[p-first]
					for j := range oh {
						oh[j] += w * vPool[s+j]
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
