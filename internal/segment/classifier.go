// Package segment classifies prospects into behavioral buckets from their
// engagement metrics.
package segment

import (
	"github.com/funnelkit/followup-engine/internal/domain"
)

// Watch-percentage thresholds between buckets.
const (
	skimmerBelow = 25
	samplerBelow = 75
	fullWatch    = 100
)

// Classify maps engagement metrics to a segment. It is pure, deterministic
// and total: every input maps to exactly one of the five segments.
//
// Segmentation is recomputed on every engagement signal and again right
// before each scheduled send; it is never frozen at enrollment.
func Classify(m domain.EngagementMetrics) domain.Segment {
	switch {
	case m.WatchPercentage <= 0:
		return domain.SegmentNoShow
	case m.WatchPercentage < skimmerBelow:
		return domain.SegmentSkimmer
	case m.WatchPercentage < samplerBelow:
		return domain.SegmentSampler
	case m.WatchPercentage < fullWatch:
		return domain.SegmentEngaged
	default:
		// Full watch is only hot when a high-intent action backs it up.
		if m.HasHighIntentAction() {
			return domain.SegmentHot
		}
		return domain.SegmentEngaged
	}
}
