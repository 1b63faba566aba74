package vision

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-images/internal/classify"
	"github.com/sells-group/listing-images/internal/model"
)

// Verdict types the service may answer with.
const (
	VerdictLogo      = "logo"
	VerdictPhotoGood = "photo_good"
	VerdictPhotoBad  = "photo_bad"
)

// Confidence multiplier applied to photo_bad answers.
const badPhotoConfidenceFactor = 0.3

// Quality scores written alongside a verdict.
const (
	goodPhotoBaseQuality  = 0.6
	goodPhotoQualityRange = 0.3
	otherQuality          = 0.1
)

// ErrMalformed is wrapped by every Parse failure.
var ErrMalformed = eris.New("vision: malformed response")

// Verdict is one element of the service's answer.
type Verdict struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	// Description is the model's short caption. It is optional and only logged.
	Description string `json:"description"`
}

type rawVerdict struct {
	Type        string   `json:"type"`
	Confidence  *float64 `json:"confidence"`
	Description string   `json:"description"`
}

// Parse extracts exactly want verdicts from the reply text. The first
// balanced JSON array is used; any other text around it is ignored. A wrong
// element count, an unknown type, or a missing or out-of-range confidence
// rejects the whole reply.
func Parse(text string, want int) ([]Verdict, error) {
	arr, ok := firstArray(text)
	if !ok {
		return nil, eris.Wrap(ErrMalformed, "no JSON array found")
	}

	var raw []rawVerdict
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "decode array: %v", err)
	}
	if len(raw) != want {
		return nil, eris.Wrapf(ErrMalformed, "got %d verdicts for %d images", len(raw), want)
	}

	out := make([]Verdict, len(raw))
	for i, r := range raw {
		switch r.Type {
		case VerdictLogo, VerdictPhotoGood, VerdictPhotoBad:
		default:
			return nil, eris.Wrapf(ErrMalformed, "verdict %d: unknown type %q", i, r.Type)
		}
		if r.Confidence == nil {
			return nil, eris.Wrapf(ErrMalformed, "verdict %d: missing confidence", i)
		}
		c := *r.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, eris.Wrapf(ErrMalformed, "verdict %d: confidence %v out of range", i, c)
		}
		out[i] = Verdict{Type: r.Type, Confidence: c, Description: strings.TrimSpace(r.Description)}
	}
	return out, nil
}

// firstArray returns the first balanced [...] in s. Brackets inside JSON
// strings do not count.
func firstArray(s string) (string, bool) {
	start := -1
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if start < 0 {
			if ch == '[' {
				start, depth = i, 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Update turns a verdict into the row update for rec.
func (v Verdict) Update(rec model.ImageMetadataRecord) model.VisionUpdate {
	u := model.VisionUpdate{
		ProviderID:   rec.ProviderID,
		ImageURL:     rec.ImageURL,
		Confidence:   v.Confidence,
		QualityScore: otherQuality,
	}
	switch v.Type {
	case VerdictLogo:
		u.ImageType = model.ImageTypeLogo
	case VerdictPhotoGood:
		u.ImageType = model.ImageTypePhoto
		u.QualityScore = goodPhotoBaseQuality + v.Confidence*goodPhotoQualityRange
	case VerdictPhotoBad:
		u.ImageType = model.ImageTypePhoto
		u.Confidence = v.Confidence * badPhotoConfidenceFactor
	}
	u.Confidence = classify.Round3(u.Confidence)
	u.QualityScore = classify.Round3(u.QualityScore)
	return u
}
