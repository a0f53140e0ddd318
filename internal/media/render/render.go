package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	libjpeg "github.com/pixiv/go-libjpeg/jpeg"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
	"golang.org/x/sync/semaphore"

	"postmedia/internal/config"
	"postmedia/internal/models"
)

const (
	ThumbnailSize = 150
	MediumWidth   = 800
	MediumHeight  = 600
	FullWidth     = 1920
	FullHeight    = 1080

	FormatAuto = "auto"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

type Rendition struct {
	Class       models.RenditionClass
	Content     []byte
	ContentType string
	Width       int
	Height      int
}

// Set holds exactly one rendition per class.
type Set struct {
	Thumbnail Rendition
	Medium    Rendition
	Full      Rendition
}

func (s Set) All() []Rendition {
	return []Rendition{s.Thumbnail, s.Medium, s.Full}
}

type Renderer struct {
	pool        *semaphore.Weighted
	jpegQuality int
	webpQuality int
	format      string
}

func New(cfg config.RenderConfig) *Renderer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Renderer{
		pool:        semaphore.NewWeighted(int64(concurrency)),
		jpegQuality: cfg.JPEGQuality,
		webpQuality: cfg.WebPQuality,
		format:      cfg.Format,
	}
}

// Render decodes the source once and derives the three renditions. At most
// the configured number of renders hold a decoded source at the same time.
func (r *Renderer) Render(ctx context.Context, source []byte) (Set, error) {
	if err := r.pool.Acquire(ctx, 1); err != nil {
		return Set{}, fmt.Errorf("wait for render slot: %w", err)
	}
	defer r.pool.Release(1)

	switch r.format {
	case FormatAuto, FormatJPEG, FormatWebP:
	default:
		return Set{}, models.NewError(models.CodeEncodeFailure,
			fmt.Sprintf("output format %q is not supported", r.format))
	}

	decoded, format, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return Set{}, models.NewError(models.CodeDecodeFailure, "source image could not be decoded").Wrap(err)
	}
	b := decoded.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Set{}, models.NewError(models.CodeDecodeFailure, "source image has no pixels")
	}

	flat := flatten(decoded)
	if format == "jpeg" {
		flat = orient(flat, orientation(source))
	}

	var set Set
	if set.Thumbnail, err = r.encode(models.RenditionThumbnail, fillSquare(flat, ThumbnailSize)); err != nil {
		return Set{}, err
	}
	if set.Medium, err = r.encode(models.RenditionMedium, resizeToFit(flat, MediumWidth, MediumHeight)); err != nil {
		return Set{}, err
	}
	if set.Full, err = r.encode(models.RenditionFull, resizeToFit(flat, FullWidth, FullHeight)); err != nil {
		return Set{}, err
	}
	return set, nil
}

func (r *Renderer) encode(class models.RenditionClass, img image.Image) (Rendition, error) {
	b := img.Bounds()
	out := Rendition{Class: class, Width: b.Dx(), Height: b.Dy()}

	if r.format == FormatWebP {
		data, err := encodeWebP(img, r.webpQuality)
		if err != nil {
			return Rendition{}, models.NewError(models.CodeEncodeFailure, "webp encoding failed").Wrap(err)
		}
		out.Content, out.ContentType = data, "image/webp"
		return out, nil
	}

	data, err := encodeJPEG(img, r.jpegQuality)
	if err != nil {
		return Rendition{}, models.NewError(models.CodeEncodeFailure, "jpeg encoding failed").Wrap(err)
	}
	out.Content, out.ContentType = data, "image/jpeg"

	if r.format == FormatAuto {
		// WebP is only kept when it is strictly smaller; a failed encode falls back to JPEG.
		if alt, err := encodeWebP(img, r.webpQuality); err == nil && len(alt) < len(data) {
			out.Content, out.ContentType = alt, "image/webp"
		}
	}
	return out, nil
}

// flatten copies the pixels onto an opaque white canvas. Only pixel data
// survives, so nothing from the source container is carried forward.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// fillSquare centre-crops to a square and scales it to exactly size×size.
func fillSquare(src image.Image, size int) image.Image {
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	crop := image.Rect(0, 0, side, side).Add(image.Point{
		X: b.Min.X + (b.Dx()-side)/2,
		Y: b.Min.Y + (b.Dy()-side)/2,
	})

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)
	return dst
}

// resizeToFit scales src down to fit within maxWidth×maxHeight. Sources that
// already fit are returned as-is; they are still re-encoded by the caller.
func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= maxWidth && h <= maxHeight {
		return src
	}

	scaleW := float64(maxWidth) / float64(w)
	scaleH := float64(maxHeight) / float64(h)
	scale := min(scaleW, scaleH)

	newW := min(maxWidth, max(1, int(float64(w)*scale+0.5)))
	newH := min(maxHeight, max(1, int(float64(h)*scale+0.5)))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	buf := bytes.NewBuffer(nil)
	opts := &libjpeg.EncoderOptions{Quality: quality, OptimizeCoding: true, ProgressiveMode: true}
	if err := libjpeg.Encode(buf, rgba, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeWebP(img image.Image, quality int) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
