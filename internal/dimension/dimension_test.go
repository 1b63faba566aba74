package dimension

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func encodeGIF(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewPaletted(image.Rect(0, 0, w, h), []color.Color{color.Black, color.White})
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

// progressiveJPEG builds SOI, an APP0 segment, a restart marker and an SOF2 header.
func progressiveJPEG(w, h uint16) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, 0xFF, 0xE0, 0x00, 0x10)
	b = append(b, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")...)
	b = append(b, 0xFF, 0xD3)
	b = append(b, 0xFF, 0xC2, 0x00, 0x11, 0x08)
	b = binary.BigEndian.AppendUint16(b, h)
	b = binary.BigEndian.AppendUint16(b, w)
	b = append(b, 0x03, 0x01, 0x22, 0x00)
	return b
}

func webpLossy(w, h uint16) []byte {
	b := []byte("RIFF\x00\x00\x00\x00WEBPVP8 \x00\x00\x00\x00")
	b = append(b, 0x30, 0x01, 0x00, 0x9D, 0x01, 0x2A)
	b = binary.LittleEndian.AppendUint16(b, w)
	b = binary.LittleEndian.AppendUint16(b, h)
	return b
}

func webpLossless(w, h uint32) []byte {
	b := []byte("RIFF\x00\x00\x00\x00WEBPVP8L\x00\x00\x00\x00\x2F")
	bits := (w - 1) | (h-1)<<14
	return binary.LittleEndian.AppendUint32(b, bits)
}

func TestParse_KnownFormats(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Size
	}{
		{"png", encodePNG(t, 200, 200), Size{200, 200}},
		{"png wide", encodePNG(t, 1200, 800), Size{1200, 800}},
		{"jpeg baseline", encodeJPEG(t, 1200, 800), Size{1200, 800}},
		{"jpeg progressive", progressiveJPEG(640, 480), Size{640, 480}},
		{"gif", encodeGIF(t, 31, 17), Size{31, 17}},
		{"webp lossy", webpLossy(1024, 768), Size{1024, 768}},
		{"webp lossless", webpLossless(300, 150), Size{300, 150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.data)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_OnlyPrefixNeeded(t *testing.T) {
	data := encodeJPEG(t, 1920, 1080)
	if len(data) > 16*1024 {
		data = data[:16*1024]
	}
	got, ok := Parse(data)
	require.True(t, ok)
	assert.Equal(t, Size{1920, 1080}, got)
}

func TestParse_WebPMasksScaleBits(t *testing.T) {
	b := webpLossy(0, 0)
	binary.LittleEndian.PutUint16(b[26:28], 0xC000|500)
	binary.LittleEndian.PutUint16(b[28:30], 0x4000|250)
	got, ok := Parse(b)
	require.True(t, ok)
	assert.Equal(t, Size{500, 250}, got)
}

func TestParse_Unrecognized(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"html", []byte("<!doctype html><html><body>not found</body></html>")},
		{"png truncated", encodePNG(t, 10, 10)[:20]},
		{"gif truncated", []byte("GIF89a\x01")},
		{"jpeg soi only", []byte{0xFF, 0xD8}},
		{"jpeg eoi before sof", []byte{0xFF, 0xD8, 0xFF, 0xD9, 0xFF, 0xC0}},
		{"jpeg truncated segment", progressiveJPEG(10, 10)[:24]},
		{"jpeg garbage", []byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0x03}},
		{"webp truncated", webpLossy(10, 10)[:27]},
		{"webp unknown chunk", []byte("RIFF\x00\x00\x00\x00WEBPALPH\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"riff not webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt \x00\x00\x00\x00")},
		{"png zero size", append(encodePNG(t, 1, 1)[:16], 0, 0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, ok := Parse(tt.data)
				assert.False(t, ok)
			})
		})
	}
}

func TestParse_TruncationNeverPanics(t *testing.T) {
	fixtures := [][]byte{
		encodePNG(t, 64, 64),
		encodeJPEG(t, 64, 64),
		encodeGIF(t, 64, 64),
		progressiveJPEG(64, 64),
		webpLossy(64, 64),
		webpLossless(64, 64),
	}
	for _, f := range fixtures {
		for n := 0; n <= len(f) && n < 512; n++ {
			assert.NotPanics(t, func() { Parse(f[:n]) })
		}
	}
}

func TestSniff(t *testing.T) {
	assert.Equal(t, "image/png", Sniff(encodePNG(t, 2, 2)))
	assert.Equal(t, "image/jpeg", Sniff(encodeJPEG(t, 2, 2)))
	assert.Equal(t, "image/gif", Sniff(encodeGIF(t, 2, 2)))
	assert.Equal(t, "image/webp", Sniff(webpLossless(2, 2)))
	assert.Equal(t, "", Sniff([]byte("hello")))
}
