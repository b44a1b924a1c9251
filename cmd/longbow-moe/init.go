package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-moe/internal/gguf"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/model"
)

type initOptions struct {
	modelOptions
	out   string
	dtype string
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialised GGUF checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&opts.out, "out", "o", "moe.gguf", "Output checkpoint path")
	cmd.Flags().StringVar(&opts.dtype, "dtype", "f32", "Weight storage type (f32, f16)")
	return cmd
}

func runInit(cmd *cobra.Command, opts *initOptions) error {
	var typ gguf.GGMLType
	switch strings.ToLower(opts.dtype) {
	case "f32":
		typ = gguf.GGMLTypeF32
	case "f16":
		typ = gguf.GGMLTypeF16
	default:
		return fmt.Errorf("unsupported --dtype %q", opts.dtype)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := model.Save(opts.out, cfg, model.RandomWeights(cfg, opts.seed), typ); err != nil {
		return err
	}
	logger.Log.Info("Checkpoint written", "path", opts.out, "dtype", typ.String(), "params", len(model.ParamSpecs(cfg)))
	fmt.Fprintln(cmd.OutOrStdout(), opts.out)
	return nil
}
