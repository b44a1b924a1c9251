package main

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-moe/internal/config"
	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/model"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "longbow-moe",
		Short:         "DeepSeek-style mixture-of-experts decoder on CPU",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetupWriter(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")

	cmd.AddCommand(newRouteCmd(), newGenerateCmd(), newInitCmd(), newServeCmd())
	return cmd
}

// modelOptions selects weights: a GGUF checkpoint, or random weights for a
// config.json (or the built-in default).
type modelOptions struct {
	modelPath   string
	configPath  string
	seed        uint64
	parallelism int
	traceKernel bool
}

func (o *modelOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.modelPath, "model", "", "Path to GGUF checkpoint written by init")
	f.StringVar(&o.configPath, "config", "", "Path to config.json for random weights")
	f.Uint64Var(&o.seed, "seed", 1, "Seed for random weights and inputs")
	f.IntVar(&o.parallelism, "parallelism", runtime.NumCPU(), "Kernel worker goroutines")
	f.BoolVar(&o.traceKernel, "trace-kernels", false, "Record per-kernel durations")
}

func (o *modelOptions) context() *cpu.Context {
	return cpu.NewContext(cpu.Options{Parallelism: o.parallelism, Trace: o.traceKernel})
}

func (o *modelOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(o.configPath)
}

func (o *modelOptions) load() (*model.CausalLM, error) {
	ctx := o.context()
	if o.modelPath != "" {
		return model.Load(ctx, o.modelPath)
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Using random weights", "seed", o.seed)
	return model.New(ctx, cfg, model.RandomWeights(cfg, o.seed))
}

// parseTokens reads a comma separated list of token ids.
func parseTokens(s string) ([]int32, error) {
	var ids []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", field, err)
		}
		ids = append(ids, int32(v))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return ids, nil
}
