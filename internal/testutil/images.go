// Package testutil provides shared test doubles and fixtures for package tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

type fataler interface {
	Helper()
	Fatalf(string, ...any)
}

// GradientImage returns an opaque RGBA image with a deterministic pattern.
func GradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// #nosec G115: modulo keeps values in uint8 range
			img.SetRGBA(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

// TinyPNG returns an in-memory PNG with the requested dimensions.
func TinyPNG(t fataler, w, h int) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, GradientImage(w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// TinyJPEG returns an in-memory baseline JPEG with the requested dimensions.
func TinyJPEG(t fataler, w, h int) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	if err := jpeg.Encode(buf, GradientImage(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// PaddedPNG returns a valid PNG padded with trailing bytes to exactly total bytes.
func PaddedPNG(t fataler, w, h, total int) []byte {
	t.Helper()
	data := TinyPNG(t, w, h)
	if len(data) > total {
		t.Fatalf("png of %d bytes already exceeds %d", len(data), total)
	}
	return append(data, make([]byte, total-len(data))...)
}

// ExifMarker is embedded in the synthetic APP1 segment written by JPEGWithGPS.
const ExifMarker = "GPSLatitude-47.6062N"

// JPEGWithGPS returns a JPEG carrying an APP1 Exif segment with GPS-looking data.
func JPEGWithGPS(t fataler, w, h int) []byte {
	t.Helper()
	plain := TinyJPEG(t, w, h)

	payload := []byte("Exif\x00\x00")
	payload = append(payload, []byte("MM\x00\x2a\x00\x00\x00\x08")...)
	// One IFD entry pointing at a GPS IFD, then the marker text.
	payload = append(payload, 0x00, 0x01, 0x88, 0x25, 0x00, 0x04, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x1a)
	payload = append(payload, []byte(ExifMarker)...)

	segLen := len(payload) + 2
	segment := []byte{0xff, 0xe1, byte(segLen >> 8), byte(segLen & 0xff)}
	segment = append(segment, payload...)

	out := make([]byte, 0, len(plain)+len(segment))
	out = append(out, plain[:2]...)
	out = append(out, segment...)
	out = append(out, plain[2:]...)
	return out
}

// SplitImage is red on its left half and blue on its right half.
func SplitImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= w/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// JPEGWithOrientation returns a SplitImage JPEG whose APP1 segment carries
// only an Orientation tag with the given value.
func JPEGWithOrientation(t fataler, w, h, orientation int) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	if err := jpeg.Encode(buf, SplitImage(w, h), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	plain := buf.Bytes()

	payload := []byte("Exif\x00\x00")
	payload = append(payload, []byte("MM\x00\x2a\x00\x00\x00\x08")...)
	payload = append(payload, 0x00, 0x01)
	// Tag 0x0112, SHORT, count 1, value left-justified.
	payload = append(payload, 0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, byte(orientation), 0x00, 0x00)
	payload = append(payload, 0x00, 0x00, 0x00, 0x00)

	segLen := len(payload) + 2
	segment := []byte{0xff, 0xe1, byte(segLen >> 8), byte(segLen & 0xff)}
	segment = append(segment, payload...)

	out := make([]byte, 0, len(plain)+len(segment))
	out = append(out, plain[:2]...)
	out = append(out, segment...)
	out = append(out, plain[2:]...)
	return out
}
