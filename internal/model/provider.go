package model

import "strings"

// GalleryDelimiter separates photo URLs in a provider's gallery field.
const GalleryDelimiter = "|"

// Provider is a directory listing whose images are inspected.
type Provider struct {
	ID           int64   `json:"id"`
	LogoURL      string  `json:"logo_url,omitempty"`
	GalleryURLs  string  `json:"gallery_urls,omitempty"`
	HeroImageURL *string `json:"hero_image_url,omitempty"`
}

// SourceField names the provider field an image URL came from.
type SourceField string

const (
	SourceLogo    SourceField = "logo"
	SourceGallery SourceField = "gallery"
)

// ImageReference is one image URL of one provider, built fresh each run.
type ImageReference struct {
	ProviderID  int64       `json:"provider_id"`
	URL         string      `json:"url"`
	SourceField SourceField `json:"source_field"`
}

// ImageKey identifies a persisted metadata row.
type ImageKey struct {
	ProviderID int64
	ImageURL   string
}

// References expands the provider's logo and gallery into image references.
// Blank entries are dropped and a URL already seen for this provider is
// skipped, so the logo wins over a duplicate gallery entry.
func (p Provider) References() []ImageReference {
	seen := make(map[string]bool)
	var refs []ImageReference

	add := func(raw string, src SourceField) {
		u := strings.TrimSpace(raw)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		refs = append(refs, ImageReference{ProviderID: p.ID, URL: u, SourceField: src})
	}

	add(p.LogoURL, SourceLogo)
	for _, u := range strings.Split(p.GalleryURLs, GalleryDelimiter) {
		add(u, SourceGallery)
	}
	return refs
}
