package vision

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to answer with a bare JSON array.
const SystemPrompt = `You review images attached to business listings in a provider directory.
For each image decide which of these it is:
- "logo": a logo, wordmark, icon, badge, or other branding graphic
- "photo_good": a clear, well-lit photograph suitable as the listing's main image
- "photo_bad": a photograph that is blurry, dark, heavily cropped, a screenshot, mostly text, or otherwise unsuitable

Answer with a JSON array only, one object per image in the order given:
[{"type": "logo" | "photo_good" | "photo_bad", "confidence": <number between 0 and 1>, "description": "<at most ten words>"}]
Do not add commentary.`

// UserPrompt is the text sent with the images. It lists the source URL of
// each image in request order.
func UserPrompt(urls []string) string {
	var b strings.Builder
	for i, u := range urls {
		fmt.Fprintf(&b, "Image %d: %s\n", i+1, u)
	}
	if len(urls) == 1 {
		b.WriteString("Classify the image above. Return a JSON array with exactly 1 element.")
		return b.String()
	}
	fmt.Fprintf(&b, "Classify the %d images above, in order. Return a JSON array with exactly %d elements.", len(urls), len(urls))
	return b.String()
}
