package render

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
)

// orientation reads the EXIF Orientation tag of a JPEG source. Missing or
// unreadable metadata counts as 1, the upright default.
func orientation(source []byte) (o int) {
	// goexif can panic on truncated IFDs.
	defer func() {
		if recover() != nil {
			o = 1
		}
	}()

	x, err := exif.Decode(bytes.NewReader(source))
	if err != nil || x == nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// orient returns src turned upright for the given EXIF orientation value.
func orient(src *image.RGBA, o int) *image.RGBA {
	if o <= 1 || o > 8 {
		return src
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dw, dh := w, h
	if o >= 5 {
		dw, dh = h, w
	}

	// at maps a destination pixel to the source pixel it is copied from.
	var at func(x, y int) (int, int)
	switch o {
	case 2: // mirrored horizontally
		at = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3: // rotated 180
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4: // mirrored vertically
		at = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5: // transposed
		at = func(x, y int) (int, int) { return y, x }
	case 6: // needs 90 clockwise
		at = func(x, y int) (int, int) { return y, h - 1 - x }
	case 7: // transversed
		at = func(x, y int) (int, int) { return w - 1 - y, h - 1 - x }
	case 8: // needs 90 counter-clockwise
		at = func(x, y int) (int, int) { return w - 1 - y, x }
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := at(x, y)
			dst.SetRGBA(x, y, src.RGBAAt(sx, sy))
		}
	}
	return dst
}
