package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-moe/internal/engine"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/routetrace"
)

type generateOptions struct {
	modelOptions
	prompt    string
	numTokens int
	sampler   engine.SamplerConfig
	ignoreEOS bool
	tracePath string
}

func newGenerateCmd() *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate token ids from a prompt of token ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts)
		},
	}
	opts.register(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.prompt, "prompt", "1", "Comma separated prompt token ids")
	f.IntVarP(&opts.numTokens, "tokens", "n", 16, "Number of tokens to generate")
	f.Float64Var(&opts.sampler.Temperature, "temperature", 0, "Sampling temperature (0 = greedy)")
	f.IntVar(&opts.sampler.TopK, "top-k", 0, "Keep the k most likely tokens (0 = all)")
	f.Float64Var(&opts.sampler.TopP, "top-p", 1, "Nucleus sampling mass")
	f.Float64Var(&opts.sampler.RepPenalty, "rep-penalty", 1, "Repetition penalty (1 = none)")
	f.BoolVar(&opts.ignoreEOS, "ignore-eos", false, "Keep generating past the end-of-sequence token")
	f.StringVar(&opts.tracePath, "trace", "", "Write every routing decision to an Arrow IPC file")
	return cmd
}

func runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	prompt, err := parseTokens(opts.prompt)
	if err != nil {
		return err
	}
	m, err := opts.load()
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	var rec *routetrace.Recorder
	if opts.tracePath != "" {
		rec = routetrace.NewRecorder(mem)
		defer rec.Release()
		m.SetRoutingObserver(rec)
	}

	e, err := engine.New(m)
	if err != nil {
		return err
	}
	opts.sampler.Seed = opts.seed
	res, err := e.Generate(cmd.Context(), prompt, engine.GenerateOptions{
		MaxTokens: opts.numTokens,
		Sampler:   opts.sampler,
		IgnoreEOS: opts.ignoreEOS,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", res.Tokens)
	logger.Log.Info("Generation complete",
		"prompt_tokens", res.PromptTokens,
		"new_tokens", len(res.Tokens),
		"finish", res.FinishReason,
		"tokens_per_sec", float64(len(res.Tokens))/res.Duration.Seconds())

	if rec != nil {
		trace := rec.Flush()
		defer trace.Release()
		if err := routetrace.WriteFile(opts.tracePath, mem, trace); err != nil {
			return err
		}
		logger.Log.Info("Routing trace written", "path", opts.tracePath, "rows", trace.NumRows())
	}
	return nil
}
