// Package moderation classifies stored renditions and turns category scores
// into a moderation status.
package moderation

import (
	"math"
	"sort"

	"postmedia/internal/models"
)

// Categories the classifier is expected to score, 0..100 each.
var Categories = []string{"explicit", "suggestive", "violence", "graphic", "drugs_alcohol", "hate_symbols"}

type Decision struct {
	Status   models.ModerationStatus
	MaxScore float64
	MaxLabel string
}

// Decide maps classifier scores to a status. The highest score wins: at or
// above the reject threshold the image is rejected, at or above the review
// threshold it is flagged for a human, otherwise it is approved.
func Decide(scores map[string]float64, t models.ModerationThresholds) Decision {
	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var d Decision
	for _, label := range labels {
		score := clamp(scores[label])
		if d.MaxLabel == "" || score > d.MaxScore {
			d.MaxScore = score
			d.MaxLabel = label
		}
	}

	switch {
	case d.MaxScore >= t.Reject:
		d.Status = models.ModerationRejected
	case d.MaxScore >= t.Review:
		d.Status = models.ModerationFlagged
	default:
		d.Status = models.ModerationApproved
	}
	return d
}

// known reports whether scores carries at least one of Categories.
func known(scores map[string]float64) bool {
	for _, c := range Categories {
		if _, ok := scores[c]; ok {
			return true
		}
	}
	return false
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
