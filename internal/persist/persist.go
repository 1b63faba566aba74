// Package persist writes pipeline results around curator overrides.
package persist

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/model"
	"github.com/sells-group/listing-images/internal/store"
)

// DefaultBatchSize bounds the rows sent in one upsert.
const DefaultBatchSize = 500

// Gateway is the only writer of image metadata and provider hero URLs.
type Gateway struct {
	store     store.Store
	batchSize int
}

// New creates a Gateway over st.
func New(st store.Store, batchSize int) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{store: st, batchSize: batchSize}
}

// Overrides returns the admin-overridden rows of the given providers.
func (g *Gateway) Overrides(ctx context.Context, providerIDs []int64) (model.OverrideSet, error) {
	set, err := g.store.OverriddenImages(ctx, providerIDs)
	if err != nil {
		return nil, eris.Wrap(err, "persist: load overrides")
	}
	return set, nil
}

// WriteImages drops records matching an override, then upserts the rest in
// chunks. A failed chunk is logged and counted and the next chunk proceeds.
// It returns the providers that had at least one record in a failed chunk.
func (g *Gateway) WriteImages(ctx context.Context, recs []model.ImageMetadataRecord, overrides model.OverrideSet, stats *model.RunStatistics) map[int64]bool {
	writable := make([]model.ImageMetadataRecord, 0, len(recs))
	for _, r := range recs {
		if overrides.Contains(r.Key()) {
			stats.Protected++
			continue
		}
		writable = append(writable, r)
	}

	failed := make(map[int64]bool)
	for start := 0; start < len(writable); start += g.batchSize {
		end := min(start+g.batchSize, len(writable))
		chunk := writable[start:end]

		n, err := g.store.UpsertImages(ctx, chunk)
		if err != nil {
			stats.Errors++
			for _, r := range chunk {
				failed[r.ProviderID] = true
			}
			zap.L().Error("persist: chunk write failed",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Int64("first_provider_id", chunk[0].ProviderID),
				zap.Error(err),
			)
			continue
		}
		stats.Written += int(n)
	}
	return failed
}

// WriteHero marks imageURL as the provider's hero row and denormalizes it
// onto the provider. Failures are logged and counted, never returned.
func (g *Gateway) WriteHero(ctx context.Context, providerID int64, imageURL string, stats *model.RunStatistics) bool {
	log := zap.L().With(zap.Int64("provider_id", providerID), zap.String("image_url", imageURL))

	if err := g.store.MarkHero(ctx, providerID, imageURL); err != nil {
		stats.Errors++
		log.Error("persist: mark hero failed", zap.Error(err))
		return false
	}
	url := imageURL
	if err := g.store.SetProviderHeroURL(ctx, providerID, &url); err != nil {
		stats.Errors++
		log.Error("persist: set provider hero url failed", zap.Error(err))
		return false
	}
	return true
}

// WriteFallbackHero marks imageURL as the hero row but clears the provider's
// denormalized URL, so listings show a placeholder instead of a poor image.
func (g *Gateway) WriteFallbackHero(ctx context.Context, providerID int64, imageURL string, stats *model.RunStatistics) bool {
	log := zap.L().With(zap.Int64("provider_id", providerID), zap.String("image_url", imageURL))

	if err := g.store.MarkHero(ctx, providerID, imageURL); err != nil {
		stats.Errors++
		log.Error("persist: mark hero failed", zap.Error(err))
		return false
	}
	if err := g.store.SetProviderHeroURL(ctx, providerID, nil); err != nil {
		stats.Errors++
		log.Error("persist: clear provider hero url failed", zap.Error(err))
		return false
	}
	stats.HeroesCleared++
	return true
}
