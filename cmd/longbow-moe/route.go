package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/moe"
	"github.com/23skdu/longbow-moe/internal/routetrace"
)

type routeOptions struct {
	modelOptions
	tokens     int
	layer      int
	tracePath  string
	flightAddr string
}

func newRouteCmd() *cobra.Command {
	opts := &routeOptions{}
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a synthetic batch through one MoE block and print the dispatch plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, opts)
		},
	}
	opts.register(cmd)
	f := cmd.Flags()
	f.IntVar(&opts.tokens, "tokens", 8, "Tokens in the batch")
	f.IntVar(&opts.layer, "layer", -1, "MoE layer index (default: first MoE layer)")
	f.StringVar(&opts.tracePath, "trace", "", "Write the routing trace to an Arrow IPC file")
	f.StringVar(&opts.flightAddr, "flight", "", "Upload the routing trace to this Flight endpoint (host:port)")
	return cmd
}

func runRoute(cmd *cobra.Command, opts *routeOptions) error {
	m, err := opts.load()
	if err != nil {
		return err
	}
	if opts.tokens <= 0 {
		return fmt.Errorf("--tokens must be positive")
	}

	var block *moe.Block
	for _, l := range m.Layers() {
		b, ok := l.FFN.(*moe.Block)
		if ok && (opts.layer < 0 || opts.layer == l.Index) {
			block = b
			break
		}
	}
	if block == nil {
		return fmt.Errorf("no MoE layer matches --layer %d", opts.layer)
	}

	rng := rand.New(rand.NewPCG(opts.seed, opts.seed+1))
	x := cpu.New(opts.tokens, m.Config.HiddenSize)
	for i := range x.Data() {
		x.Data()[i] = float32(rng.NormFloat64())
	}

	ctx := m.Context()
	sel, err := block.Gate.Select(ctx, x)
	if err != nil {
		return err
	}
	plan, err := moe.NewPlan(sel, block.Gate.NumExperts())
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	rec := routetrace.NewRecorder(mem)
	defer rec.Release()
	block.Observer = rec
	if _, err := block.Forward(ctx, x); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "layer %d, %d tokens, %d experts, top-%d, strategy %s\n",
		block.Layer, opts.tokens, plan.NumExperts(), plan.TopK, moe.StrategyFor(opts.tokens).Name())
	for t := 0; t < sel.NumTokens; t++ {
		weights, experts := sel.Token(t)
		fmt.Fprintf(out, "token %d -> experts %v weights %.4f\n", t, experts, weights)
	}
	fmt.Fprintf(out, "indptr %v\n", plan.Indptr)
	fmt.Fprintf(out, "token_indices %v\n", plan.TokenIndices)
	fmt.Fprintf(out, "reverse_indices %v\n", plan.ReverseIndices)

	trace := rec.Flush()
	defer trace.Release()
	if opts.tracePath != "" {
		if err := routetrace.WriteFile(opts.tracePath, mem, trace); err != nil {
			return err
		}
		fmt.Fprintf(out, "trace written to %s (%d rows)\n", opts.tracePath, trace.NumRows())
	}
	if opts.flightAddr != "" {
		client, err := routetrace.Dial(opts.flightAddr)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		if err := client.Put(cmd.Context(), routetrace.DefaultPath, trace); err != nil {
			return err
		}
	}
	return nil
}
