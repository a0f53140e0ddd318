package models

import "time"

type RenditionClass string

const (
	RenditionThumbnail RenditionClass = "thumbnail"
	RenditionMedium    RenditionClass = "medium"
	RenditionFull      RenditionClass = "full"
)

// RenditionClasses lists every class in storage order.
var RenditionClasses = []RenditionClass{RenditionThumbnail, RenditionMedium, RenditionFull}

type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationRejected ModerationStatus = "rejected"
)

var moderationTransitions = map[ModerationStatus]map[ModerationStatus]struct{}{
	ModerationPending: {
		ModerationPending:  {},
		ModerationApproved: {},
		ModerationFlagged:  {},
		ModerationRejected: {},
	},
	ModerationFlagged: {
		ModerationApproved: {},
		ModerationRejected: {},
	},
}

func (s ModerationStatus) Valid() bool {
	switch s {
	case ModerationPending, ModerationApproved, ModerationFlagged, ModerationRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// APPROVED and REJECTED have no outgoing edges.
func (s ModerationStatus) CanTransition(next ModerationStatus) bool {
	edges, ok := moderationTransitions[s]
	if !ok {
		return false
	}
	_, ok = edges[next]
	return ok
}

type Rendition struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type ModerationThresholds struct {
	Reject float64 `json:"reject"`
	Review float64 `json:"review"`
}

// ModerationDetails is persisted as an opaque JSON blob next to the status.
type ModerationDetails struct {
	Enabled    bool                 `json:"enabled"`
	Scores     map[string]float64   `json:"scores,omitempty"`
	MaxScore   float64              `json:"maxScore"`
	MaxLabel   string               `json:"maxLabel,omitempty"`
	Thresholds ModerationThresholds `json:"thresholds"`
	DecidedAt  *time.Time           `json:"decidedAt,omitempty"`
	DecidedBy  string               `json:"decidedBy,omitempty"`
	LastError  string               `json:"lastError,omitempty"`
	Note       string               `json:"note,omitempty"`
}

type ImageRecord struct {
	ID                 string
	PostID             string
	UserID             string
	OriginalFilename   string
	OriginalSize       int64
	DeclaredMIME       string
	Checksum           []byte
	UploadIP           string
	UploadUserAgent    string
	Thumbnail          Rendition
	Medium             Rendition
	Full               Rendition
	Width              int
	Height             int
	IsPrimary          bool
	DisplayOrder       int
	ModerationStatus   ModerationStatus
	ModerationDetails  ModerationDetails
	ModerationAttempts int
	ModeratedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r ImageRecord) Rendition(class RenditionClass) Rendition {
	switch class {
	case RenditionThumbnail:
		return r.Thumbnail
	case RenditionMedium:
		return r.Medium
	case RenditionFull:
		return r.Full
	default:
		return Rendition{}
	}
}

func (r *ImageRecord) SetRendition(class RenditionClass, rendition Rendition) {
	switch class {
	case RenditionThumbnail:
		r.Thumbnail = rendition
	case RenditionMedium:
		r.Medium = rendition
	case RenditionFull:
		r.Full = rendition
	}
}

func (r ImageRecord) StorageKeys() []string {
	keys := make([]string, 0, len(RenditionClasses))
	for _, class := range RenditionClasses {
		if key := r.Rendition(class).Key; key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Visible reports whether consumers may read the record: all renditions are
// stored and moderation has not rejected it.
func (r ImageRecord) Visible() bool {
	if r.ModerationStatus == ModerationRejected {
		return false
	}
	return r.Thumbnail.Key != "" && r.Medium.Key != "" && r.Full.Key != ""
}
