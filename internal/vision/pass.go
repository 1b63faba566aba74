package vision

import (
	"context"
	"mime"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/dimension"
	"github.com/sells-group/listing-images/internal/fetcher"
	"github.com/sells-group/listing-images/internal/hero"
	"github.com/sells-group/listing-images/internal/model"
	"github.com/sells-group/listing-images/internal/persist"
	"github.com/sells-group/listing-images/internal/resilience"
	"github.com/sells-group/listing-images/internal/store"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultBatchSize           = 5
	DefaultPageSize            = 100
	DefaultMaxImageBytes       = 512 * 1024
	DefaultConfidenceThreshold = 0.7
	DefaultMinHeroQuality      = 0.5
)

// Options configures a Pass.
type Options struct {
	// BatchSize is the number of images sent in one service request.
	BatchSize int
	// PageSize is the number of candidate rows read per query.
	PageSize            int
	MaxImageBytes       int64
	ConfidenceThreshold float64
	// MinHeroQuality is the quality a photo needs to become a visible hero.
	MinHeroQuality float64
	// Limit caps the rows reviewed in one run. Zero means no cap.
	Limit int
	// DryRun classifies but writes nothing.
	DryRun bool
	Retry  resilience.RetryConfig
}

// Pass is the vision reclassification pass.
type Pass struct {
	store      store.Store
	gateway    *persist.Gateway
	fetcher    fetcher.Fetcher
	classifier Classifier
	opts       Options
	// downloadRetry is opts.Retry with its own retry log.
	downloadRetry resilience.RetryConfig
}

// New creates a Pass.
func New(st store.Store, gw *persist.Gateway, f fetcher.Fetcher, c Classifier, opts Options) *Pass {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.MinHeroQuality <= 0 {
		opts.MinHeroQuality = DefaultMinHeroQuality
	}
	downloadRetry := opts.Retry
	downloadRetry.OnRetry = resilience.RetryLogger("image host", "download")
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("vision", "classify")
	}
	return &Pass{store: st, gateway: gw, fetcher: f, classifier: c, opts: opts, downloadRetry: downloadRetry}
}

// Run reviews every low-confidence accessible row once. Rows are read in
// keyset order so a reclassified row never shifts the window, and heroes are
// recomputed after every sub-batch. A failed read of candidates ends the pass
// with an error; everything else is counted and skipped. Cancellation stops
// between pages and returns ctx.Err().
func (p *Pass) Run(ctx context.Context) (model.RunStatistics, error) {
	var stats model.RunStatistics
	log := zap.L().With(zap.String("phase", "vision"))

	if err := p.repairHeroes(ctx, &stats); err != nil {
		return stats, err
	}

	cursor := store.FirstCursor
	for {
		if err := ctx.Err(); err != nil {
			log.Warn("vision: interrupted", zap.Int("reviewed", stats.VisionReviewed))
			return stats, err
		}

		page, err := p.store.ListLowConfidence(ctx, p.opts.ConfidenceThreshold, cursor, p.opts.PageSize)
		if err != nil {
			return stats, eris.Wrap(err, "vision: list candidates")
		}
		if len(page) == 0 {
			break
		}
		cursor = store.CursorAfter(page[len(page)-1])

		limited := false
		if p.opts.Limit > 0 {
			remaining := p.opts.Limit - stats.VisionReviewed
			if remaining < len(page) {
				page = page[:remaining]
				limited = true
			}
		}

		for start := 0; start < len(page); start += p.opts.BatchSize {
			end := min(start+p.opts.BatchSize, len(page))
			affected := make(map[int64]bool)
			p.reviewBatch(ctx, page[start:end], &stats, affected)
			p.recomputeHeroes(ctx, affected, &stats)
		}

		log.Info("vision: page complete",
			zap.Int("page_rows", len(page)),
			zap.Int("reviewed", stats.VisionReviewed),
			zap.Int("reclassified", stats.VisionReclassified),
		)

		if limited || (p.opts.Limit > 0 && stats.VisionReviewed >= p.opts.Limit) {
			log.Info("vision: review limit reached", zap.Int("limit", p.opts.Limit))
			break
		}
	}
	return stats, nil
}

// repairHeroes recomputes heroes for providers that an earlier run
// reclassified but left without an accessible hero row. That happens when the
// recompute after a sub-batch failed or the process stopped before it ran.
// Reclassified rows are never candidates again, so this is their only retry.
func (p *Pass) repairHeroes(ctx context.Context, stats *model.RunStatistics) error {
	if p.opts.DryRun {
		return nil
	}
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := p.store.ListHeroless(ctx, after, p.opts.PageSize)
		if err != nil {
			return eris.Wrap(err, "vision: list heroless providers")
		}
		if len(ids) == 0 {
			return nil
		}
		after = ids[len(ids)-1]

		affected := make(map[int64]bool, len(ids))
		for _, id := range ids {
			affected[id] = true
		}
		zap.L().Info("vision: repairing heroes", zap.Int("providers", len(ids)))
		p.recomputeHeroes(ctx, affected, stats)
	}
}

// reviewBatch downloads, classifies and writes back one sub-batch.
func (p *Pass) reviewBatch(ctx context.Context, batch []model.ImageMetadataRecord, stats *model.RunStatistics, affected map[int64]bool) {
	stats.VisionReviewed += len(batch)

	kept := make([]model.ImageMetadataRecord, 0, len(batch))
	images := make([]Image, 0, len(batch))
	for _, rec := range batch {
		img, err := p.download(ctx, rec.ImageURL)
		if err != nil {
			stats.VisionDownloadFailed++
			zap.L().Debug("vision: download failed", zap.String("url", rec.ImageURL), zap.Error(err))
			continue
		}
		kept = append(kept, rec)
		images = append(images, img)
	}
	if len(kept) == 0 {
		return
	}

	reply, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) (Reply, error) {
		return p.classifier.Classify(ctx, images)
	})
	if err != nil {
		stats.Errors++
		stats.VisionDiscarded += len(kept)
		zap.L().Error("vision: classify failed", zap.Int("images", len(kept)), zap.Error(err))
		return
	}

	zap.L().Debug("vision: reply",
		zap.Int("images", len(kept)),
		zap.Int64("input_tokens", reply.InputTokens),
		zap.Int64("output_tokens", reply.OutputTokens),
	)

	verdicts, err := Parse(reply.Text, len(kept))
	if err != nil {
		stats.Errors++
		stats.VisionDiscarded += len(kept)
		zap.L().Warn("vision: discarding batch", zap.Int("images", len(kept)), zap.Error(err))
		return
	}

	for i, v := range verdicts {
		u := v.Update(kept[i])
		if p.opts.DryRun {
			stats.VisionReclassified++
			zap.L().Info("vision: dry run verdict",
				zap.Int64("provider_id", u.ProviderID),
				zap.String("image_url", u.ImageURL),
				zap.String("image_type", string(u.ImageType)),
				zap.Float64("confidence", u.Confidence),
				zap.String("description", v.Description),
			)
			continue
		}
		ok, err := p.store.UpdateClassification(ctx, u)
		if err != nil {
			stats.Errors++
			zap.L().Error("vision: update failed", zap.String("image_url", u.ImageURL), zap.Error(err))
			continue
		}
		if !ok {
			stats.Protected++
			continue
		}
		stats.VisionReclassified++
		affected[u.ProviderID] = true
		zap.L().Debug("vision: reclassified",
			zap.Int64("provider_id", u.ProviderID),
			zap.String("image_url", u.ImageURL),
			zap.String("image_type", string(u.ImageType)),
			zap.String("description", v.Description),
		)
	}
}

// download fetches one image and settles its media type. The bytes decide
// when they carry a known signature; otherwise the declared type is used.
// Only transient download failures are retried.
func (p *Pass) download(ctx context.Context, url string) (Image, error) {
	resp, err := resilience.DoVal(ctx, p.downloadRetry, func(ctx context.Context) (*fetcher.Response, error) {
		return p.fetcher.Download(ctx, url, p.opts.MaxImageBytes)
	})
	if err != nil {
		return Image{}, err
	}
	if len(resp.Body) == 0 {
		return Image{}, eris.Errorf("vision: empty body from %s", url)
	}
	mediaType := dimension.Sniff(resp.Body)
	if mediaType == "" {
		if mt, _, err := mime.ParseMediaType(resp.ContentType); err == nil {
			mediaType = strings.ToLower(mt)
		}
	}
	if !supportedMediaType(mediaType) {
		return Image{}, eris.Errorf("vision: unsupported media type %q from %s", resp.ContentType, url)
	}
	return Image{URL: url, MediaType: mediaType, Data: resp.Body}, nil
}

func supportedMediaType(mt string) bool {
	switch mt {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// recomputeHeroes re-runs hero selection for providers whose rows changed.
// A provider whose hero is admin-overridden keeps it.
func (p *Pass) recomputeHeroes(ctx context.Context, affected map[int64]bool, stats *model.RunStatistics) {
	if len(affected) == 0 || p.opts.DryRun {
		return
	}
	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	overrides, err := p.gateway.Overrides(ctx, ids)
	if err != nil {
		stats.Errors++
		zap.L().Error("vision: load overrides for hero recompute", zap.Error(err))
		return
	}

	good := func(r model.ImageMetadataRecord) bool {
		return hero.IsPhoto(r) && r.QualityScore >= p.opts.MinHeroQuality
	}

	for _, id := range ids {
		log := zap.L().With(zap.Int64("provider_id", id))
		if overrides.HasHero(id) {
			log.Debug("vision: hero is admin-overridden, keeping it")
			continue
		}

		recs, err := p.store.ListAccessibleImages(ctx, id)
		if err != nil {
			stats.Errors++
			log.Error("vision: list provider images", zap.Error(err))
			continue
		}
		candidates := recs[:0]
		for _, r := range recs {
			if !overrides.Contains(r.Key()) {
				candidates = append(candidates, r)
			}
		}

		idx, ok := hero.SelectPreferred(candidates, good)
		if !ok {
			continue
		}
		winner := candidates[idx]
		if good(winner) {
			if p.gateway.WriteHero(ctx, id, winner.ImageURL, stats) {
				stats.HeroesSelected++
			}
			continue
		}
		p.gateway.WriteFallbackHero(ctx, id, winner.ImageURL, stats)
	}
}
