package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-moe/internal/cpu"
	"github.com/23skdu/longbow-moe/internal/engine"
	"github.com/23skdu/longbow-moe/internal/logger"
	"github.com/23skdu/longbow-moe/internal/model"
	"github.com/23skdu/longbow-moe/internal/monitoring"
	"github.com/23skdu/longbow-moe/internal/routetrace"
)

type serveOptions struct {
	modelOptions
	addr       string
	flightAddr string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve generation, health and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.addr, "addr", ":9090", "HTTP listen address")
	cmd.Flags().StringVar(&opts.flightAddr, "flight", "", "Address for the routing trace Flight collector (disabled if empty)")
	return cmd
}

func engineInfo(e *engine.Engine) monitoring.EngineInfo {
	cfg := e.Model.Config
	info := monitoring.EngineInfo{
		ModelLoaded:     true,
		NumLayers:       cfg.NumHiddenLayers,
		RoutedExperts:   cfg.NRoutedExperts,
		SharedExperts:   cfg.SharedExperts(),
		ExpertsPerToken: cfg.NumExpertsPerTok,
		ContextLength:   cfg.ContextWindowSize,
		KVCacheBlocks:   e.Cache.TotalBlocks(),
		KVCacheFree:     e.Cache.FreeBlocks(),
		HostTensorBytes: cpu.AllocatedBytes(),
	}
	for _, l := range e.Model.Layers() {
		if l.Kind == model.LayerMoE {
			info.MoELayers++
		}
	}
	if info.KVCacheBlocks > 0 {
		info.KVCacheUsagePct = 100 * float64(info.KVCacheBlocks-info.KVCacheFree) / float64(info.KVCacheBlocks)
	}
	return info
}

type generateRequest struct {
	Prompt      []int32 `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	RepPenalty  float64 `json:"repetition_penalty"`
	Seed        uint64  `json:"seed"`
	IgnoreEOS   bool    `json:"ignore_eos"`
}

type generateResponse struct {
	Tokens       []int32 `json:"tokens"`
	PromptTokens int     `json:"prompt_tokens"`
	FinishReason string  `json:"finish_reason"`
	DurationMs   float64 `json:"duration_ms"`
}

func generateHandler(e *engine.Engine, hm *monitoring.HealthMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.MaxTokens == 0 {
			req.MaxTokens = 16
		}

		res, err := e.Generate(r.Context(), req.Prompt, engine.GenerateOptions{
			MaxTokens: req.MaxTokens,
			Sampler: engine.SamplerConfig{
				Temperature: req.Temperature,
				TopK:        req.TopK,
				TopP:        req.TopP,
				RepPenalty:  req.RepPenalty,
				Seed:        req.Seed,
			},
			IgnoreEOS: req.IgnoreEOS,
		})
		if err != nil {
			logger.Log.Warn("Generate request failed", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hm.RecordInference(len(res.Tokens), res.Duration)
		hm.CheckKVCache(engineInfo(e))
		hm.CheckExpertBalance(loadImbalanceThreshold)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponse{
			Tokens:       res.Tokens,
			PromptTokens: res.PromptTokens,
			FinishReason: res.FinishReason,
			DurationMs:   float64(res.Duration.Microseconds()) / 1e3,
		})
	}
}

// loadImbalanceThreshold is the busiest-expert to mean ratio that raises a
// routing alert.
const loadImbalanceThreshold = 4

func newServeMux(e *engine.Engine) *http.ServeMux {
	hm := monitoring.NewHealthMonitor(func() monitoring.EngineInfo { return engineInfo(e) })
	load := monitoring.NewExpertLoad(e.Model.Config.NRoutedExperts)
	e.Model.SetRoutingObserver(load)
	hm.SetExpertLoad(load)
	mux := http.NewServeMux()
	hm.Register(mux)
	mux.Handle("/generate", generateHandler(e, hm))
	return mux
}

func runServe(ctx context.Context, opts *serveOptions) error {
	m, err := opts.load()
	if err != nil {
		return err
	}

	if opts.flightAddr != "" {
		collector := routetrace.NewCollector()
		addr, err := collector.Listen(opts.flightAddr)
		if err != nil {
			return err
		}
		defer collector.Shutdown()
		logger.Log.Info("Flight collector listening", "addr", addr.String())
	}

	e, err := engine.New(m)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.addr, Handler: newServeMux(e), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Serving", "addr", opts.addr, "endpoints", []string{"/generate", "/health", "/status", "/metrics"})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
