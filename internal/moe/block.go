package moe

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/metrics"
	"github.com/rs/zerolog"
)

// Observer receives each routing decision of a block. plan is nil when the
// block routed directly.
type Observer interface {
	ObserveRouting(layer int, sel *Selection, plan *Plan)
}

// Block is one MoE feed-forward sub-layer: gated routed experts plus an
// optional shared expert applied to every token.
type Block struct {
	Layer   int
	Gate    *Gate
	Experts *Executor
	// Shared is nil when the model has no shared experts.
	Shared   *FeedForward
	Observer Observer

	log *logger.Logger
}

func NewBlock(layer int, gate *Gate, experts *Executor, shared *FeedForward) (*Block, error) {
	if gate.NumExperts() != experts.NumExperts() {
		return nil, fmt.Errorf("layer %d: gate scores %d experts but %d are defined", layer, gate.NumExperts(), experts.NumExperts())
	}
	if gate.TopK < 1 || gate.TopK > experts.NumExperts() {
		return nil, fmt.Errorf("layer %d: experts per token %d outside [1, %d]", layer, gate.TopK, experts.NumExperts())
	}
	return &Block{
		Layer:   layer,
		Gate:    gate,
		Experts: experts,
		Shared:  shared,
		log:     logger.Log.With("component", "moe", "layer", layer),
	}, nil
}

// Forward computes routed + shared output for x of shape (numTokens, hidden).
func (b *Block) Forward(c *cpu.Context, x *cpu.Tensor) (*cpu.Tensor, error) {
	moeStart := time.Now()
	defer func() {
		metrics.RecordMOELayerLatency(time.Since(moeStart))
	}()

	// Step 1: gating
	sel, err := b.Gate.Select(c, x)
	if err != nil {
		return nil, fmt.Errorf("layer %d gate: %w", b.Layer, err)
	}
	routingDuration := time.Since(moeStart)
	metrics.RecordMOERoutingLatency(routingDuration)

	// Step 2: routed experts
	strategy := StrategyFor(sel.NumTokens)
	metrics.RecordMOEStrategy(strategy.Name())
	out, plan, err := strategy.Route(c, x, sel, b.Experts)
	if err != nil {
		b.recordViolation(err)
		return nil, fmt.Errorf("layer %d %s routing: %w", b.Layer, strategy.Name(), err)
	}
	metrics.RecordMOEExpertSelection(b.Layer, sel.Indices)
	if plan != nil {
		metrics.RecordMOEDispatch(b.Layer, plan.Indptr)
	}
	if b.Observer != nil {
		b.Observer.ObserveRouting(b.Layer, sel, plan)
	}

	// Step 3: shared expert
	if b.Shared != nil {
		shared, err := b.Shared.Forward(c, x)
		if err != nil {
			return nil, fmt.Errorf("layer %d shared expert: %w", b.Layer, err)
		}
		c.Add(out, shared)
		c.Put(shared)
	}

	if log := b.logger(); log.Enabled(zerolog.DebugLevel) {
		fields := []interface{}{"tokens", sel.NumTokens, "strategy", strategy.Name(),
			"routing", routingDuration, "total", time.Since(moeStart)}
		if plan != nil {
			fields = append(fields, "indptr", plan.Indptr)
		}
		log.Debug("MOE breakdown", fields...)
	}
	return out, nil
}

func (b *Block) recordViolation(err error) {
	switch {
	case errors.Is(err, ErrExpertOutOfRange):
		metrics.RecordMOEViolation("expert_out_of_range")
	case errors.Is(err, ErrInvalidIndptr):
		metrics.RecordMOEViolation("invalid_indptr")
	default:
		return
	}
	b.logger().Error("routing invariant violated", "err", err)
}

func (b *Block) logger() *logger.Logger {
	if b.log == nil {
		return logger.Log
	}
	return b.log
}
