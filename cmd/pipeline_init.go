package main

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/checkpoint"
	"github.com/sells-group/listing-images/internal/config"
	"github.com/sells-group/listing-images/internal/fetcher"
	"github.com/sells-group/listing-images/internal/persist"
	"github.com/sells-group/listing-images/internal/pipeline"
	"github.com/sells-group/listing-images/internal/probe"
	"github.com/sells-group/listing-images/internal/resilience"
	"github.com/sells-group/listing-images/internal/store"
	"github.com/sells-group/listing-images/internal/vision"
	"github.com/sells-group/listing-images/internal/workpool"
	anthropicpkg "github.com/sells-group/listing-images/pkg/anthropic"
)

// pipelineEnv holds the store, worker pool and orchestrator for one run.
type pipelineEnv struct {
	Store        store.Store
	Pool         *workpool.Pool
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Pool != nil {
		_ = pe.Pool.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// envOptions carries the per-invocation choices that shape the environment.
type envOptions struct {
	Vision      bool
	DryRun      bool
	VisionLimit int
	Progress    io.Writer
}

// initPipeline validates the config, opens the store and builds the
// orchestrator. The vision pass is only constructed when requested, so a
// main-pass run never needs vision credentials. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, opts envOptions) (*pipelineEnv, error) {
	mode := "run"
	if opts.Vision {
		mode = "vision"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Probe.UserAgent,
		Timeout:    secs(cfg.Probe.TimeoutSecs),
		PerHostRPS: cfg.Probe.PerHostRPS,
	})
	prober := probe.New(f, probe.Options{
		Timeout:    secs(cfg.Probe.TimeoutSecs),
		RangeBytes: int64(cfg.Probe.RangeBytes),
	})
	gw := persist.New(st, cfg.Store.BatchSize)
	pool := workpool.New(cfg.Probe.Concurrency)

	var pass pipeline.VisionPass
	if opts.Vision {
		c, err := initClassifier(cfg)
		if err != nil {
			_ = pool.Close()
			_ = st.Close()
			return nil, err
		}
		retry := resilience.DefaultRetryConfig()
		if cfg.Vision.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Vision.MaxAttempts
		}
		pass = vision.New(st, gw, f, c, vision.Options{
			BatchSize:           cfg.Vision.BatchSize,
			PageSize:            cfg.Vision.PageSize,
			MaxImageBytes:       cfg.Vision.MaxImageBytes,
			ConfidenceThreshold: cfg.Vision.ConfidenceThreshold,
			MinHeroQuality:      cfg.Vision.MinHeroQuality,
			Limit:               opts.VisionLimit,
			DryRun:              opts.DryRun,
			Retry:               retry,
		})
	}

	orch := pipeline.New(pipeline.Deps{
		Store:       st,
		Gateway:     gw,
		Prober:      prober,
		Pool:        pool,
		Checkpoints: checkpoint.NewFileStore(cfg.Pipeline.CheckpointFile),
		Vision:      pass,
		Progress:    opts.Progress,
	})

	zap.L().Info("pipeline initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("concurrency", pool.Size()),
		zap.Bool("vision", opts.Vision),
	)

	return &pipelineEnv{Store: st, Pool: pool, Orchestrator: orch}, nil
}

// initClassifier builds the configured vision backend.
func initClassifier(c *config.Config) (vision.Classifier, error) {
	timeout := secs(c.Vision.TimeoutSecs)
	switch c.Vision.Provider {
	case config.VisionProviderAnthropic:
		client := anthropicpkg.NewClient(c.Anthropic.Key, timeout)
		return vision.NewAnthropicClassifier(client, c.Anthropic.Model, c.Vision.MaxTokens), nil
	case config.VisionProviderOpenAI:
		return vision.NewOpenAIClassifier(c.OpenAI.Key, c.OpenAI.BaseURL, c.OpenAI.Model, c.Vision.MaxTokens, timeout), nil
	default:
		return nil, eris.Errorf("unsupported vision provider: %s", c.Vision.Provider)
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
