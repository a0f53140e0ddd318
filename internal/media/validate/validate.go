// Package validate rejects unusable uploads before any rendering or storage
// work is spent on them.
package validate

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"

	"postmedia/internal/config"
	"postmedia/internal/media/sniffer"
	"postmedia/internal/models"
)

var extensionMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

type OwnershipChecker interface {
	VerifyOwner(ctx context.Context, userID, postID string) (bool, error)
}

type CategoryPolicy interface {
	MaxImagesForCategory(ctx context.Context, category string) (int, error)
}

type ImageCounter interface {
	CountByPost(ctx context.Context, postID string) (int, error)
}

// Candidate is an upload as received. Size is the length the client declared;
// Content may have been cut off just past the limit.
type Candidate struct {
	Filename     string
	DeclaredMIME string
	Content      []byte
	Size         int64
}

type PostContext struct {
	UserID   string
	PostID   string
	Category string
}

// Accepted carries what the checks learned about an upload.
type Accepted struct {
	MIME     string
	Format   string
	Width    int
	Height   int
	Limit    int
	Existing int
}

type Validator struct {
	maxBytes   int64
	maxPixels  int
	extensions map[string]struct{}
	mimeTypes  map[string]struct{}
	owners     OwnershipChecker
	policy     CategoryPolicy
	counter    ImageCounter
}

func New(cfg config.UploadConfig, owners OwnershipChecker, policy CategoryPolicy, counter ImageCounter) *Validator {
	v := &Validator{
		maxBytes:   cfg.MaxBytes,
		maxPixels:  cfg.MaxPixels,
		extensions: make(map[string]struct{}, len(cfg.AllowedExtensions)),
		mimeTypes:  make(map[string]struct{}, len(cfg.AllowedMIMETypes)),
		owners:     owners,
		policy:     policy,
		counter:    counter,
	}
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		v.extensions[ext] = struct{}{}
	}
	for _, mt := range cfg.AllowedMIMETypes {
		v.mimeTypes[sniffer.NormalizeMIME(mt)] = struct{}{}
	}
	return v
}

// Validate runs the checks in order and stops at the first failure. Rejections
// are *models.Error values; collaborator outages come back as Internal errors.
func (v *Validator) Validate(ctx context.Context, c Candidate, post PostContext) (Accepted, error) {
	size := max(c.Size, int64(len(c.Content)))
	if size > v.maxBytes {
		return Accepted{}, models.NewError(models.CodeFileTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", v.maxBytes)).
			WithDetails(map[string]any{"max_size": v.maxBytes, "actual_size": size})
	}

	ext := strings.ToLower(filepath.Ext(c.Filename))
	if _, ok := v.extensions[ext]; !ok {
		return Accepted{}, models.NewError(models.CodeUnsupportedExtension,
			fmt.Sprintf("extension %q is not allowed", ext)).
			WithDetails(map[string]any{"extension": ext})
	}

	declared := sniffer.NormalizeMIME(c.DeclaredMIME)
	if _, ok := v.mimeTypes[declared]; !ok || extensionMIME[ext] != declared {
		return Accepted{}, mimeMismatch(declared, ext, "")
	}

	accepted, err := v.inspect(c.Content, declared, ext)
	if err != nil {
		return Accepted{}, err
	}

	owner, err := v.owners.VerifyOwner(ctx, post.UserID, post.PostID)
	if err != nil {
		return Accepted{}, models.NewInternalError(fmt.Errorf("verify owner: %w", err))
	}
	if !owner {
		return Accepted{}, models.NewError(models.CodeNotOwner, "caller does not own the post").
			WithDetails(map[string]any{"post_id": post.PostID})
	}

	limit, err := v.policy.MaxImagesForCategory(ctx, post.Category)
	if err != nil {
		return Accepted{}, models.NewInternalError(fmt.Errorf("category limit: %w", err))
	}
	existing, err := v.counter.CountByPost(ctx, post.PostID)
	if err != nil {
		return Accepted{}, models.NewInternalError(fmt.Errorf("count images: %w", err))
	}
	if existing >= limit {
		return Accepted{}, CategoryLimitError(post.Category, limit, existing)
	}

	accepted.Limit = limit
	accepted.Existing = existing
	return accepted, nil
}

// inspect sniffs the magic bytes and decodes the image header; trusting the
// declared type alone is not enough.
func (v *Validator) inspect(content []byte, declared, ext string) (Accepted, error) {
	if len(content) == 0 {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "file is empty")
	}

	sniffed, err := sniffer.DetectHead(content[:min(len(content), 512)])
	if err != nil {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "file is not a recognised image").Wrap(err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "image could not be decoded").Wrap(err)
	}
	actual := sniffer.MIMEForFormat(format)
	if actual == "" || actual != sniffed.MIME {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "image structure does not match its signature").
			WithDetails(map[string]any{"format": format})
	}
	if actual != declared {
		return Accepted{}, mimeMismatch(declared, ext, actual)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "image has no pixels")
	}
	if v.maxPixels > 0 && cfg.Width*cfg.Height > v.maxPixels {
		return Accepted{}, models.NewError(models.CodeCorruptImage, "image dimensions are too large").
			WithDetails(map[string]any{"width": cfg.Width, "height": cfg.Height, "max_pixels": v.maxPixels})
	}

	return Accepted{MIME: actual, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

func mimeMismatch(declared, ext, actual string) *models.Error {
	details := map[string]any{"declared": declared, "extension": ext}
	if actual != "" {
		details["detected"] = actual
	}
	return models.NewError(models.CodeMimeMismatch, "content type does not match the file").WithDetails(details)
}

func CategoryLimitError(category string, limit, current int) *models.Error {
	return models.NewError(models.CodeCategoryLimitExceeded,
		fmt.Sprintf("category %q allows at most %d images", category, limit)).
		WithDetails(map[string]any{"category": category, "limit": limit, "current": current})
}
