package model

// ImageType is the classified kind of an image.
type ImageType string

const (
	ImageTypeLogo    ImageType = "logo"
	ImageTypePhoto   ImageType = "photo"
	ImageTypeUnknown ImageType = "unknown"
)

// ReviewStatus is the curation state of a metadata row.
type ReviewStatus string

const (
	ReviewPending         ReviewStatus = "pending"
	ReviewAdminOverridden ReviewStatus = "admin_overridden"
)

// Classification methods written to classification_method.
const (
	MethodSourceField        = "source_field"
	MethodURLPattern         = "url_pattern"
	MethodSmallSquare        = "dimensions_small_square"
	MethodLargeLandscape     = "dimensions_large_landscape"
	MethodLarge              = "dimensions_large"
	MethodSourceFieldDefault = "source_field_default"
	MethodNoSignal           = "no_signal"
	MethodVisionAI           = "vision_ai"
)

// ProbeResult is what a network inspection learned about one URL.
type ProbeResult struct {
	URL           string  `json:"url"`
	IsAccessible  bool    `json:"is_accessible"`
	Width         *int    `json:"width,omitempty"`
	Height        *int    `json:"height,omitempty"`
	FileSizeBytes *int64  `json:"file_size_bytes,omitempty"`
	ContentType   *string `json:"content_type,omitempty"`
}

// HasDimensions reports whether both width and height are known and positive.
func (p ProbeResult) HasDimensions() bool {
	return p.Width != nil && p.Height != nil && *p.Width > 0 && *p.Height > 0
}

// Inaccessible returns the result recorded when a URL could not be reached.
func Inaccessible(url string) ProbeResult {
	return ProbeResult{URL: url}
}

// Classification is the verdict of the heuristic classifier or the vision pass.
type Classification struct {
	Type       ImageType `json:"image_type"`
	Method     string    `json:"classification_method"`
	Confidence float64   `json:"classification_confidence"`
}

// ImageMetadataRecord is the persisted row keyed by (provider_id, image_url).
type ImageMetadataRecord struct {
	ProviderID               int64        `json:"provider_id"`
	ImageURL                 string       `json:"image_url"`
	SourceField              SourceField  `json:"source_field"`
	ImageType                ImageType    `json:"image_type"`
	ClassificationMethod     string       `json:"classification_method"`
	ClassificationConfidence float64      `json:"classification_confidence"`
	QualityScore             float64      `json:"quality_score"`
	Width                    *int         `json:"width,omitempty"`
	Height                   *int         `json:"height,omitempty"`
	FileSizeBytes            *int64       `json:"file_size_bytes,omitempty"`
	ContentType              *string      `json:"content_type,omitempty"`
	IsAccessible             bool         `json:"is_accessible"`
	IsHero                   bool         `json:"is_hero"`
	ReviewStatus             ReviewStatus `json:"review_status"`
}

// Key returns the row's identity.
func (r ImageMetadataRecord) Key() ImageKey {
	return ImageKey{ProviderID: r.ProviderID, ImageURL: r.ImageURL}
}

// NewRecord assembles a pending metadata row from a reference, its probe and
// its classification.
func NewRecord(ref ImageReference, probe ProbeResult, cls Classification, score float64) ImageMetadataRecord {
	return ImageMetadataRecord{
		ProviderID:               ref.ProviderID,
		ImageURL:                 ref.URL,
		SourceField:              ref.SourceField,
		ImageType:                cls.Type,
		ClassificationMethod:     cls.Method,
		ClassificationConfidence: cls.Confidence,
		QualityScore:             score,
		Width:                    probe.Width,
		Height:                   probe.Height,
		FileSizeBytes:            probe.FileSizeBytes,
		ContentType:              probe.ContentType,
		IsAccessible:             probe.IsAccessible,
		ReviewStatus:             ReviewPending,
	}
}

// OverrideSet holds the admin-overridden rows of a batch of providers. The
// value reports whether that row is currently the provider's hero.
type OverrideSet map[ImageKey]bool

// Contains reports whether the key is protected.
func (s OverrideSet) Contains(k ImageKey) bool {
	_, ok := s[k]
	return ok
}

// HasHero reports whether any protected row of the provider is its hero.
func (s OverrideSet) HasHero(providerID int64) bool {
	for k, hero := range s {
		if hero && k.ProviderID == providerID {
			return true
		}
	}
	return false
}

// VisionUpdate is the reclassification written back by the vision pass.
type VisionUpdate struct {
	ProviderID   int64
	ImageURL     string
	ImageType    ImageType
	Confidence   float64
	QualityScore float64
}
