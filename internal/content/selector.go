// Package content ranks proof-content assets for a prospect based on
// detected objections, niche, price band and current segment.
package content

import (
	"sort"
	"strings"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// Relevance weights. An objection match dominates; niche beats price band
// and segment recommendation.
const (
	objectionWeight = 3
	nicheWeight     = 2
	priceBandWeight = 1
	segmentWeight   = 1
)

// Input carries the prospect-derived signals a selection runs on. Objection
// detection, niche and price band come from external collaborators; this
// package only consumes them.
type Input struct {
	Segment            domain.Segment
	DetectedObjections []string
	Niche              string
	PriceBand          string
}

// Select scores and ranks candidate stories, dropping candidates with no
// relevance at all, and returns at most maxStories of them, most relevant
// first. Ties break toward the most recently updated story.
func Select(in Input, candidates []domain.ProofStory, maxStories int) []domain.ProofStory {
	if maxStories <= 0 {
		return []domain.ProofStory{}
	}

	type scored struct {
		story domain.ProofStory
		score int
	}

	ranked := make([]scored, 0, len(candidates))
	for _, story := range candidates {
		s := Score(in, &story)
		if s == 0 {
			continue
		}
		ranked = append(ranked, scored{story: story, score: s})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].story.UpdatedAt.After(ranked[j].story.UpdatedAt)
	})

	if len(ranked) > maxStories {
		ranked = ranked[:maxStories]
	}

	out := make([]domain.ProofStory, len(ranked))
	for i, r := range ranked {
		out[i] = r.story
	}
	return out
}

// Score computes the relevance of one story for the input signals.
func Score(in Input, story *domain.ProofStory) int {
	score := 0
	if matchesObjection(in.DetectedObjections, story.ObjectionType) {
		score += objectionWeight
	}
	if story.Niche != "" && strings.EqualFold(story.Niche, in.Niche) {
		score += nicheWeight
	}
	if story.PriceBand != "" && strings.EqualFold(story.PriceBand, in.PriceBand) {
		score += priceBandWeight
	}
	if story.RecommendsSegment(in.Segment) {
		score += segmentWeight
	}
	return score
}

func matchesObjection(detected []string, objectionType string) bool {
	if objectionType == "" {
		return false
	}
	for _, d := range detected {
		if strings.EqualFold(d, objectionType) {
			return true
		}
	}
	return false
}
