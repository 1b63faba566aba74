package model

// RunStatistics aggregates the counters of one invocation. Each page or
// sub-batch builds its own value and the orchestrator merges them.
type RunStatistics struct {
	ProvidersProcessed int `json:"providers_processed"`
	Probed             int `json:"probed"`
	Classified         int `json:"classified"`
	Logos              int `json:"logos"`
	Photos             int `json:"photos"`
	Unknown            int `json:"unknown"`
	Inaccessible       int `json:"inaccessible"`
	HeroesSelected     int `json:"heroes_selected"`
	HeroesCleared      int `json:"heroes_cleared"`
	Written            int `json:"written"`
	Protected          int `json:"protected"`
	Errors             int `json:"errors"`

	VisionReviewed       int `json:"vision_reviewed"`
	VisionReclassified   int `json:"vision_reclassified"`
	VisionDownloadFailed int `json:"vision_download_failed"`
	VisionDiscarded      int `json:"vision_discarded"`
}

// Merge adds other's counters into s.
func (s *RunStatistics) Merge(other RunStatistics) {
	s.ProvidersProcessed += other.ProvidersProcessed
	s.Probed += other.Probed
	s.Classified += other.Classified
	s.Logos += other.Logos
	s.Photos += other.Photos
	s.Unknown += other.Unknown
	s.Inaccessible += other.Inaccessible
	s.HeroesSelected += other.HeroesSelected
	s.HeroesCleared += other.HeroesCleared
	s.Written += other.Written
	s.Protected += other.Protected
	s.Errors += other.Errors
	s.VisionReviewed += other.VisionReviewed
	s.VisionReclassified += other.VisionReclassified
	s.VisionDownloadFailed += other.VisionDownloadFailed
	s.VisionDiscarded += other.VisionDiscarded
}

// CountType increments the per-type counter for t.
func (s *RunStatistics) CountType(t ImageType) {
	switch t {
	case ImageTypeLogo:
		s.Logos++
	case ImageTypePhoto:
		s.Photos++
	default:
		s.Unknown++
	}
}
