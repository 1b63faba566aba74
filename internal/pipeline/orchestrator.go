// Package pipeline drives the main image pass page by page and optionally
// hands over to the vision pass.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/checkpoint"
	"github.com/sells-group/listing-images/internal/classify"
	"github.com/sells-group/listing-images/internal/hero"
	"github.com/sells-group/listing-images/internal/model"
	"github.com/sells-group/listing-images/internal/persist"
	"github.com/sells-group/listing-images/internal/store"
	"github.com/sells-group/listing-images/internal/workpool"
)

// DefaultPageSize is the number of providers read per page.
const DefaultPageSize = 100

// Prober inspects one URL. It never fails; unreachable URLs come back
// inaccessible.
type Prober interface {
	Probe(ctx context.Context, url string) model.ProbeResult
}

// VisionPass is the optional second pass.
type VisionPass interface {
	Run(ctx context.Context) (model.RunStatistics, error)
}

// Options selects what one invocation does.
type Options struct {
	RunID    string
	DryRun   bool
	Resume   bool
	PageSize int
	// Vision runs the vision pass after the main pass.
	Vision bool
	// VisionOnly skips the main pass.
	VisionOnly bool
}

// Deps are the collaborators of an Orchestrator. Vision may be nil when no
// vision pass is requested.
type Deps struct {
	Store       store.Store
	Gateway     *persist.Gateway
	Prober      Prober
	Pool        *workpool.Pool
	Checkpoints checkpoint.Store
	Vision      VisionPass
	// Progress receives one line per page. Nil discards it.
	Progress io.Writer
}

// Orchestrator owns the checkpoint and the run-wide statistics.
type Orchestrator struct {
	deps Deps
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Progress == nil {
		deps.Progress = io.Discard
	}
	return &Orchestrator{deps: deps}
}

// Run executes the main pass, the vision pass, or both. The returned
// statistics cover whatever work finished, also when an error is returned.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (model.RunStatistics, error) {
	var stats model.RunStatistics

	if !opts.VisionOnly {
		mainStats, err := o.runMain(ctx, opts)
		stats.Merge(mainStats)
		if err != nil {
			return stats, err
		}
	}

	if opts.Vision || opts.VisionOnly {
		if o.deps.Vision == nil {
			return stats, eris.New("pipeline: vision pass requested but not configured")
		}
		visionStats, err := o.deps.Vision.Run(ctx)
		stats.Merge(visionStats)
		if err != nil {
			return stats, eris.Wrap(err, "pipeline: vision pass")
		}
	}
	return stats, nil
}

func (o *Orchestrator) runMain(ctx context.Context, opts Options) (model.RunStatistics, error) {
	var stats model.RunStatistics
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log := zap.L().With(zap.String("run_id", opts.RunID), zap.Bool("dry_run", opts.DryRun))

	var afterID int64
	processedBefore := 0
	if opts.Resume {
		cp, err := o.deps.Checkpoints.Load()
		if err != nil {
			return stats, eris.Wrap(err, "pipeline: load checkpoint")
		}
		if cp != nil {
			afterID = cp.LastProviderID
			processedBefore = cp.ProvidersProcessed
			log.Info("pipeline: resuming from checkpoint",
				zap.Int64("last_provider_id", cp.LastProviderID),
				zap.Int("providers_processed", cp.ProvidersProcessed),
				zap.Time("saved_at", cp.Timestamp),
			)
		} else {
			log.Info("pipeline: no checkpoint found, starting from the beginning")
		}
	}

	total, err := o.deps.Store.CountProviders(ctx, afterID)
	if err != nil {
		return stats, eris.Wrap(err, "pipeline: count providers")
	}
	log.Info("pipeline: starting main pass", zap.Int64("providers", total), zap.Int("page_size", pageSize))

	start := time.Now()
	processed := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: interrupted between pages", zap.Int("providers_processed", processed))
			return stats, err
		}

		providers, err := o.deps.Store.ListProviders(ctx, afterID, pageSize)
		if err != nil {
			return stats, eris.Wrapf(err, "pipeline: list providers after %d", afterID)
		}
		if len(providers) == 0 {
			break
		}

		pageStart := time.Now()
		pageStats, err := o.processPage(ctx, providers, opts.DryRun)
		stats.Merge(pageStats)
		if err != nil {
			return stats, err
		}

		afterID = providers[len(providers)-1].ID
		processed += len(providers)

		if !opts.DryRun {
			cp := checkpoint.Checkpoint{LastProviderID: afterID, ProvidersProcessed: processedBefore + processed}
			if err := o.deps.Checkpoints.Save(cp); err != nil {
				stats.Errors++
				log.Error("pipeline: save checkpoint", zap.Int64("last_provider_id", afterID), zap.Error(err))
			}
		}

		o.progress(opts.DryRun, page, processed, total, pageStats, stats)
		log.Debug("pipeline: page complete",
			zap.Int("page", page),
			zap.Int64("last_provider_id", afterID),
			zap.Int64("duration_ms", time.Since(pageStart).Milliseconds()),
		)
	}

	log.Info("pipeline: main pass complete",
		zap.Int("providers_processed", processed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return stats, nil
}

func (o *Orchestrator) progress(dryRun bool, page, processed int, total int64, pageStats, stats model.RunStatistics) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	pct := 100.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	fmt.Fprintf(o.deps.Progress, //nolint:errcheck
		"%spage %d: %d/%d providers (%.1f%%) | page images=%d heroes=%d | total written=%d protected=%d errors=%d\n",
		prefix, page, processed, total, pct,
		pageStats.Probed, pageStats.HeroesSelected,
		stats.Written, stats.Protected, stats.Errors,
	)
}

// processPage probes, classifies, scores and writes one page of providers.
// An error means the page was not written and the run must stop.
func (o *Orchestrator) processPage(ctx context.Context, providers []model.Provider, dryRun bool) (model.RunStatistics, error) {
	var stats model.RunStatistics
	stats.ProvidersProcessed = len(providers)

	var refs []model.ImageReference
	ids := make([]int64, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
		refs = append(refs, p.References()...)
	}

	tasks := make([]workpool.Task[model.ProbeResult], len(refs))
	for i, ref := range refs {
		tasks[i] = func(ctx context.Context) (model.ProbeResult, error) {
			return o.deps.Prober.Probe(ctx, ref.URL), nil
		}
	}
	probes, errs := workpool.Run(ctx, o.deps.Pool, tasks)
	if err := ctx.Err(); err != nil {
		// Unstarted tasks have no result; writing them would mark live
		// images inaccessible.
		return stats, err
	}

	recs := make([]model.ImageMetadataRecord, len(refs))
	for i, ref := range refs {
		pr := probes[i]
		if errs[i] != nil {
			stats.Errors++
			zap.L().Warn("pipeline: probe task failed", zap.String("url", ref.URL), zap.Error(errs[i]))
			pr = model.Inaccessible(ref.URL)
		}
		stats.Probed++
		if !pr.IsAccessible {
			stats.Inaccessible++
		}

		cls := classify.Classify(ref.URL, ref.SourceField, pr)
		stats.Classified++
		stats.CountType(cls.Type)
		recs[i] = model.NewRecord(ref, pr, cls, classify.Score(pr, cls))
	}

	overrides, err := o.deps.Gateway.Overrides(ctx, ids)
	if err != nil {
		return stats, eris.Wrap(err, "pipeline: page overrides")
	}

	failed := map[int64]bool{}
	if dryRun {
		for _, r := range recs {
			if overrides.Contains(r.Key()) {
				stats.Protected++
			}
		}
	} else {
		failed = o.deps.Gateway.WriteImages(ctx, recs, overrides, &stats)
	}

	order, groups := hero.GroupByProvider(recs)
	for _, pid := range order {
		log := zap.L().With(zap.Int64("provider_id", pid))
		if overrides.HasHero(pid) {
			log.Debug("pipeline: hero is admin-overridden, keeping it")
			continue
		}
		if failed[pid] {
			log.Warn("pipeline: skipping hero, image write failed")
			continue
		}

		var candidates []model.ImageMetadataRecord
		for _, r := range groups[pid] {
			if !overrides.Contains(r.Key()) {
				candidates = append(candidates, r)
			}
		}
		idx, ok := hero.Select(candidates)
		if !ok {
			continue
		}
		if dryRun {
			stats.HeroesSelected++
			log.Debug("pipeline: dry run hero", zap.String("image_url", candidates[idx].ImageURL))
			continue
		}
		if o.deps.Gateway.WriteHero(ctx, pid, candidates[idx].ImageURL, &stats) {
			stats.HeroesSelected++
		}
	}
	return stats, nil
}
