// Package hero picks the one image that represents a provider.
package hero

import "github.com/sells-group/listing-images/internal/model"

// IsPhoto is the default preference: any record classified as a photo.
func IsPhoto(r model.ImageMetadataRecord) bool {
	return r.ImageType == model.ImageTypePhoto
}

// Select returns the index of the hero among recs, or false when no record is
// accessible. Accessible photos outrank everything else; within the preferred
// group the highest quality score wins and ties go to the earlier record.
func Select(recs []model.ImageMetadataRecord) (int, bool) {
	return SelectPreferred(recs, IsPhoto)
}

// SelectPreferred is Select with a caller-supplied preference. Records for
// which prefer returns true are considered first; if none is accessible the
// best accessible record of any kind is returned.
func SelectPreferred(recs []model.ImageMetadataRecord, prefer func(model.ImageMetadataRecord) bool) (int, bool) {
	best, bestPreferred := -1, -1
	for i, r := range recs {
		if !r.IsAccessible {
			continue
		}
		if best < 0 || r.QualityScore > recs[best].QualityScore {
			best = i
		}
		if prefer(r) && (bestPreferred < 0 || r.QualityScore > recs[bestPreferred].QualityScore) {
			bestPreferred = i
		}
	}
	if bestPreferred >= 0 {
		return bestPreferred, true
	}
	return best, best >= 0
}

// GroupByProvider splits recs by provider id, keeping first-seen order both
// of the providers and of the records within each provider.
func GroupByProvider(recs []model.ImageMetadataRecord) ([]int64, map[int64][]model.ImageMetadataRecord) {
	var order []int64
	groups := make(map[int64][]model.ImageMetadataRecord)
	for _, r := range recs {
		if _, ok := groups[r.ProviderID]; !ok {
			order = append(order, r.ProviderID)
		}
		groups[r.ProviderID] = append(groups[r.ProviderID], r)
	}
	return order, groups
}
