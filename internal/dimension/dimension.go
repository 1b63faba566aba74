// Package dimension reads image width and height straight from the leading
// bytes of PNG, GIF, JPEG and WebP files. Only a short prefix of the body is
// ever available, so nothing here decodes pixels.
package dimension

import (
	"bytes"
	"encoding/binary"
)

// Size is an image's pixel dimensions.
type Size struct {
	Width  int
	Height int
}

var (
	pngSignature  = []byte{0x89, 0x50, 0x4E, 0x47}
	gifSignature  = []byte("GIF")
	jpegSignature = []byte{0xFF, 0xD8}
	riffTag       = []byte("RIFF")
	webpTag       = []byte("WEBP")
)

// Parse returns the dimensions encoded in buf, or false when the format is
// not recognized or buf is too short to contain them.
func Parse(buf []byte) (Size, bool) {
	var (
		s  Size
		ok bool
	)
	switch {
	case bytes.HasPrefix(buf, pngSignature):
		s, ok = parsePNG(buf)
	case bytes.HasPrefix(buf, gifSignature):
		s, ok = parseGIF(buf)
	case bytes.HasPrefix(buf, jpegSignature):
		s, ok = parseJPEG(buf)
	case isWebP(buf):
		s, ok = parseWebP(buf)
	}
	if !ok || s.Width <= 0 || s.Height <= 0 {
		return Size{}, false
	}
	return s, true
}

// Sniff returns the MIME type for the signatures Parse understands, or "".
func Sniff(buf []byte) string {
	switch {
	case bytes.HasPrefix(buf, pngSignature):
		return "image/png"
	case bytes.HasPrefix(buf, gifSignature):
		return "image/gif"
	case bytes.HasPrefix(buf, jpegSignature):
		return "image/jpeg"
	case isWebP(buf):
		return "image/webp"
	default:
		return ""
	}
}

// IHDR width and height are big-endian uint32 at fixed offsets.
func parsePNG(buf []byte) (Size, bool) {
	if len(buf) < 24 {
		return Size{}, false
	}
	w := binary.BigEndian.Uint32(buf[16:20])
	h := binary.BigEndian.Uint32(buf[20:24])
	return Size{Width: int(w), Height: int(h)}, true
}

// Logical screen width and height are little-endian uint16.
func parseGIF(buf []byte) (Size, bool) {
	if len(buf) < 10 {
		return Size{}, false
	}
	w := binary.LittleEndian.Uint16(buf[6:8])
	h := binary.LittleEndian.Uint16(buf[8:10])
	return Size{Width: int(w), Height: int(h)}, true
}

const (
	markerSOF0 = 0xC0
	markerSOF2 = 0xC2
	markerEOI  = 0xD9
	markerRST0 = 0xD0
	markerRST7 = 0xD7
)

// parseJPEG walks segment markers until it finds a baseline or progressive
// start-of-frame header.
func parseJPEG(buf []byte) (Size, bool) {
	off := 2
	for off+1 < len(buf) {
		if buf[off] != 0xFF {
			return Size{}, false
		}
		marker := buf[off+1]
		switch {
		case marker == 0xFF:
			// fill byte
			off++
			continue
		case marker == markerEOI:
			return Size{}, false
		case marker == markerSOF0 || marker == markerSOF2:
			if off+9 > len(buf) {
				return Size{}, false
			}
			h := binary.BigEndian.Uint16(buf[off+5 : off+7])
			w := binary.BigEndian.Uint16(buf[off+7 : off+9])
			return Size{Width: int(w), Height: int(h)}, true
		case marker >= markerRST0 && marker <= markerRST7:
			off += 2
			continue
		}
		if off+4 > len(buf) {
			return Size{}, false
		}
		length := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		off += 2 + length
	}
	return Size{}, false
}

func isWebP(buf []byte) bool {
	return len(buf) >= 16 && bytes.Equal(buf[0:4], riffTag) && bytes.Equal(buf[8:12], webpTag)
}

func parseWebP(buf []byte) (Size, bool) {
	switch string(buf[12:16]) {
	case "VP8 ":
		if len(buf) < 30 {
			return Size{}, false
		}
		w := binary.LittleEndian.Uint16(buf[26:28]) & 0x3FFF
		h := binary.LittleEndian.Uint16(buf[28:30]) & 0x3FFF
		return Size{Width: int(w), Height: int(h)}, true
	case "VP8L":
		if len(buf) < 25 {
			return Size{}, false
		}
		bits := binary.LittleEndian.Uint32(buf[21:25])
		return Size{
			Width:  int(bits&0x3FFF) + 1,
			Height: int((bits>>14)&0x3FFF) + 1,
		}, true
	case "VP8X":
		// Extended format: 24-bit canvas size minus one.
		if len(buf) < 30 {
			return Size{}, false
		}
		w := uint32(buf[24]) | uint32(buf[25])<<8 | uint32(buf[26])<<16
		h := uint32(buf[27]) | uint32(buf[28])<<8 | uint32(buf[29])<<16
		return Size{Width: int(w) + 1, Height: int(h) + 1}, true
	default:
		return Size{}, false
	}
}
