package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/metrics"
	"github.com/sells-group/listing-images/internal/model"
	"github.com/sells-group/listing-images/internal/pipeline"
)

var (
	runDryRun          bool
	runResume          bool
	runVision          bool
	runVisionOnly      bool
	runVisionBatchSize int
	runPageSize        int
	runConcurrency     int
	runVisionLimit     int
	runCheckpointFile  string
	runMetricsFile     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Probe, classify and score every provider image",
	Long:  "Runs the main pass over all providers page by page, then the vision pass when --vision or --vision-only is given. Statistics are printed when the run ends, also after a failure.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunFlags()

		opts := pipeline.Options{
			RunID:      uuid.New().String(),
			DryRun:     runDryRun,
			Resume:     runResume,
			PageSize:   cfg.Pipeline.PageSize,
			Vision:     runVision,
			VisionOnly: runVisionOnly,
		}

		env, err := initPipeline(ctx, envOptions{
			Vision:      runVision || runVisionOnly,
			DryRun:      runDryRun,
			VisionLimit: runVisionLimit,
			Progress:    cmd.OutOrStdout(),
		})
		if err != nil {
			return err
		}
		defer env.Close()

		return executeRun(ctx, cmd.OutOrStdout(), env.Orchestrator, opts)
	},
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runDryRun, "dry-run", false, "probe and classify without writing rows, heroes or checkpoints")
	f.BoolVar(&runResume, "resume", false, "continue after the provider recorded in the checkpoint")
	f.BoolVar(&runVision, "vision", false, "run the vision pass after the main pass")
	f.BoolVar(&runVisionOnly, "vision-only", false, "skip the main pass and run only the vision pass")
	f.IntVar(&runVisionBatchSize, "vision-batch-size", 0, "images sent to the vision service per request (0 uses config, 5 by default)")
	f.IntVar(&runPageSize, "page-size", 0, "providers per page (0 uses config)")
	f.IntVar(&runConcurrency, "concurrency", 0, "concurrent probes (0 uses config)")
	f.IntVar(&runVisionLimit, "vision-limit", 0, "max rows reviewed by the vision pass (0 means all)")
	f.StringVar(&runCheckpointFile, "checkpoint-file", "", "checkpoint file path (empty uses config)")
	f.StringVar(&runMetricsFile, "metrics-file", "", "write run metrics in Prometheus textfile format")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags lets explicit flags override the loaded config.
func applyRunFlags() {
	if runPageSize > 0 {
		cfg.Pipeline.PageSize = runPageSize
	}
	if runConcurrency > 0 {
		cfg.Probe.Concurrency = runConcurrency
	}
	if runVisionBatchSize > 0 {
		cfg.Vision.BatchSize = runVisionBatchSize
	}
	if runCheckpointFile != "" {
		cfg.Pipeline.CheckpointFile = runCheckpointFile
	}
	if runMetricsFile != "" {
		cfg.Metrics.Textfile = runMetricsFile
	}
}

type orchestrator interface {
	Run(ctx context.Context, opts pipeline.Options) (model.RunStatistics, error)
}

// executeRun runs the orchestrator, prints the statistics block and exports
// metrics. The statistics are printed even when the run fails.
func executeRun(ctx context.Context, out io.Writer, orch orchestrator, opts pipeline.Options) error {
	log := zap.L().With(zap.String("run_id", opts.RunID))
	log.Info("run started",
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("resume", opts.Resume),
		zap.Bool("vision", opts.Vision),
		zap.Bool("vision_only", opts.VisionOnly),
	)

	start := time.Now()
	stats, runErr := orch.Run(ctx, opts)
	elapsed := time.Since(start)

	printStats(out, stats, elapsed, opts.DryRun)

	if cfg.Metrics.Textfile != "" {
		if err := exportMetrics(cfg.Metrics.Textfile, opts, stats, elapsed, runErr == nil); err != nil {
			log.Error("metrics export failed", zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("run failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
		return eris.Wrap(runErr, "run")
	}
	log.Info("run complete", zap.Duration("elapsed", elapsed))
	return nil
}

func runMode(opts pipeline.Options) string {
	switch {
	case opts.VisionOnly:
		return "vision-only"
	case opts.Vision:
		return "main+vision"
	default:
		return "main"
	}
}

func exportMetrics(path string, opts pipeline.Options, stats model.RunStatistics, elapsed time.Duration, success bool) error {
	exp, err := metrics.New()
	if err != nil {
		return err
	}
	exp.Record(opts.RunID, runMode(opts), stats, elapsed, time.Now(), success)
	return exp.WriteTextfile(path)
}

func printStats(out io.Writer, s model.RunStatistics, elapsed time.Duration, dryRun bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	title := "Run statistics"
	if dryRun {
		title += " (dry run, nothing written)"
	}
	_, _ = fmt.Fprintln(w, title)
	_, _ = fmt.Fprintf(w, "Providers processed:\t%d\n", s.ProvidersProcessed)
	_, _ = fmt.Fprintf(w, "Images probed:\t%d\n", s.Probed)
	_, _ = fmt.Fprintf(w, "Images classified:\t%d\n", s.Classified)
	_, _ = fmt.Fprintf(w, "  Logos:\t%d\n", s.Logos)
	_, _ = fmt.Fprintf(w, "  Photos:\t%d\n", s.Photos)
	_, _ = fmt.Fprintf(w, "  Unknown:\t%d\n", s.Unknown)
	_, _ = fmt.Fprintf(w, "Inaccessible:\t%d\n", s.Inaccessible)
	_, _ = fmt.Fprintf(w, "Rows written:\t%d\n", s.Written)
	_, _ = fmt.Fprintf(w, "Protected (overridden):\t%d\n", s.Protected)
	_, _ = fmt.Fprintf(w, "Heroes selected:\t%d\n", s.HeroesSelected)
	_, _ = fmt.Fprintf(w, "Heroes cleared:\t%d\n", s.HeroesCleared)
	_, _ = fmt.Fprintf(w, "Vision reviewed:\t%d\n", s.VisionReviewed)
	_, _ = fmt.Fprintf(w, "Vision reclassified:\t%d\n", s.VisionReclassified)
	_, _ = fmt.Fprintf(w, "Vision downloads failed:\t%d\n", s.VisionDownloadFailed)
	_, _ = fmt.Fprintf(w, "Vision discarded:\t%d\n", s.VisionDiscarded)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", elapsed.Round(time.Millisecond))
	_ = w.Flush()
}
