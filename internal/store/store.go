// Package store reads providers and reads/writes image metadata rows.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-images/internal/model"
)

// Tables names the two collaborator tables. Schema ownership is external.
type Tables struct {
	Providers string
	Images    string
}

// DefaultTables returns the production table names.
func DefaultTables() Tables {
	return Tables{Providers: "providers", Images: "provider_image_metadata"}
}

// Cursor is a keyset position in the vision pass ordering
// (classification_confidence, provider_id, image_url).
type Cursor struct {
	Confidence float64
	ProviderID int64
	ImageURL   string
}

// FirstCursor sorts before every row.
var FirstCursor = Cursor{Confidence: -1}

// CursorAfter returns the position just past r.
func CursorAfter(r model.ImageMetadataRecord) Cursor {
	return Cursor{Confidence: r.ClassificationConfidence, ProviderID: r.ProviderID, ImageURL: r.ImageURL}
}

// Store defines the persistence interface for the image pipeline.
type Store interface {
	// Providers
	CountProviders(ctx context.Context, afterID int64) (int64, error)
	ListProviders(ctx context.Context, afterID int64, limit int) ([]model.Provider, error)
	SetProviderHeroURL(ctx context.Context, providerID int64, url *string) error

	// Image metadata
	OverriddenImages(ctx context.Context, providerIDs []int64) (model.OverrideSet, error)
	// UpsertImages writes recs keyed by (provider_id, image_url) and returns
	// the rows actually written. Conflicting admin-overridden rows are left
	// untouched and not counted.
	UpsertImages(ctx context.Context, recs []model.ImageMetadataRecord) (int64, error)
	// MarkHero makes imageURL the provider's only non-overridden hero row.
	MarkHero(ctx context.Context, providerID int64, imageURL string) error
	ListLowConfidence(ctx context.Context, threshold float64, after Cursor, limit int) ([]model.ImageMetadataRecord, error)
	// UpdateClassification applies a vision verdict. It reports false when the
	// row is missing or admin-overridden.
	UpdateClassification(ctx context.Context, u model.VisionUpdate) (bool, error)
	ListAccessibleImages(ctx context.Context, providerID int64) ([]model.ImageMetadataRecord, error)
	// ListHeroless returns, in id order after afterID, providers that have an
	// accessible vision-classified row but no accessible hero row.
	ListHeroless(ctx context.Context, afterID int64, limit int) ([]int64, error)

	// Lifecycle
	Close() error
}

// imageColumns is the column order used for every image row read or write.
var imageColumns = []string{
	"provider_id", "image_url", "source_field", "image_type",
	"classification_method", "classification_confidence", "quality_score",
	"width", "height", "file_size_bytes", "content_type",
	"is_accessible", "is_hero", "review_status",
}

// imageConflictKeys is the unique key of the metadata table.
var imageConflictKeys = []string{"provider_id", "image_url"}

// imageUpdateColumns are overwritten on conflict. review_status belongs to
// curators and is_hero belongs to MarkHero, so neither is rewritten.
var imageUpdateColumns = []string{
	"source_field", "image_type",
	"classification_method", "classification_confidence", "quality_score",
	"width", "height", "file_size_bytes", "content_type",
	"is_accessible",
}

func imageValues(r model.ImageMetadataRecord) []any {
	status := r.ReviewStatus
	if status == "" {
		status = model.ReviewPending
	}
	return []any{
		r.ProviderID, r.ImageURL, string(r.SourceField), string(r.ImageType),
		r.ClassificationMethod, r.ClassificationConfidence, r.QualityScore,
		r.Width, r.Height, r.FileSizeBytes, r.ContentType,
		r.IsAccessible, r.IsHero, string(status),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanImage(row scannable) (model.ImageMetadataRecord, error) {
	var r model.ImageMetadataRecord
	var source, typ, status string
	err := row.Scan(
		&r.ProviderID, &r.ImageURL, &source, &typ,
		&r.ClassificationMethod, &r.ClassificationConfidence, &r.QualityScore,
		&r.Width, &r.Height, &r.FileSizeBytes, &r.ContentType,
		&r.IsAccessible, &r.IsHero, &status,
	)
	if err != nil {
		return r, eris.Wrap(err, "store: scan image")
	}
	r.SourceField = model.SourceField(source)
	r.ImageType = model.ImageType(typ)
	r.ReviewStatus = model.ReviewStatus(status)
	return r, nil
}
