package classify

import (
	"math"

	"github.com/sells-group/listing-images/internal/model"
)

// Component weights of the quality score.
const (
	WeightResolution    = 0.30
	WeightAspect        = 0.20
	WeightType          = 0.40
	WeightAccessibility = 0.10

	// TargetEdge is the longest edge that earns the full resolution weight.
	TargetEdge = 1920.0
	// TargetAspect is the 16:10 ratio of a listing card.
	TargetAspect = 1.6
)

var typeWeight = map[model.ImageType]float64{
	model.ImageTypePhoto:   WeightType,
	model.ImageTypeUnknown: 0.15,
	model.ImageTypeLogo:    0.04,
}

// Score rates how well an image would serve as a listing hero, in [0, 1]
// rounded to three decimals. Unknown dimensions contribute nothing to the
// resolution and aspect components.
func Score(probe model.ProbeResult, cls model.Classification) float64 {
	var s float64

	if probe.HasDimensions() {
		w, h := float64(*probe.Width), float64(*probe.Height)
		s += math.Min(math.Max(w, h)/TargetEdge, 1.0) * WeightResolution

		aspect := w / h
		s += math.Max(0, 1-math.Abs(aspect-TargetAspect)/2) * WeightAspect
	}

	s += typeWeight[cls.Type]

	if probe.IsAccessible {
		s += WeightAccessibility
	}

	return Round3(math.Min(math.Max(s, 0), 1))
}

// Round3 rounds to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
