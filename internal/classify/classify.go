// Package classify assigns an image type and a quality score from the URL,
// the field it came from and what probing learned about it.
package classify

import (
	"strings"

	"github.com/sells-group/listing-images/internal/model"
)

// LogoURLPatterns are lowercase URL substrings that indicate a logo.
var LogoURLPatterns = []string{
	"logo", "-logo", "_logo", "brand", "icon", "favicon",
}

// Size thresholds in pixels.
const (
	smallEdge = 300
	largeEdge = 600
)

// Classify applies the heuristic rules in priority order; the first match
// wins. It is pure.
func Classify(url string, source model.SourceField, probe model.ProbeResult) model.Classification {
	if source == model.SourceLogo {
		return model.Classification{Type: model.ImageTypeLogo, Method: model.MethodSourceField, Confidence: 0.9}
	}
	if HasLogoPattern(url) {
		return model.Classification{Type: model.ImageTypeLogo, Method: model.MethodURLPattern, Confidence: 0.8}
	}

	if probe.HasDimensions() {
		w, h := *probe.Width, *probe.Height
		aspect := float64(w) / float64(h)
		switch {
		case w < smallEdge && h < smallEdge && aspect >= 0.7 && aspect <= 1.4:
			return model.Classification{Type: model.ImageTypeLogo, Method: model.MethodSmallSquare, Confidence: 0.7}
		case w > largeEdge && aspect > 1.2:
			return model.Classification{Type: model.ImageTypePhoto, Method: model.MethodLargeLandscape, Confidence: 0.8}
		case w > largeEdge || h > largeEdge:
			return model.Classification{Type: model.ImageTypePhoto, Method: model.MethodLarge, Confidence: 0.65}
		}
	} else if probe.IsAccessible && source == model.SourceGallery {
		return model.Classification{Type: model.ImageTypePhoto, Method: model.MethodSourceFieldDefault, Confidence: 0.5}
	}

	return model.Classification{Type: model.ImageTypeUnknown, Method: model.MethodNoSignal, Confidence: 0.3}
}

// HasLogoPattern reports whether the URL contains a logo-indicating substring,
// ignoring case.
func HasLogoPattern(url string) bool {
	lower := strings.ToLower(url)
	for _, p := range LogoURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
