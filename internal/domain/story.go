package domain

import (
	"time"
)

// ProofStory is a tagged proof-content asset (case study, testimonial,
// demo). Read-only to this engine; selected, never mutated.
type ProofStory struct {
	ID                  string    `json:"id"`
	AgentConfigID       string    `json:"agent_config_id"`
	Title               string    `json:"title"`
	ObjectionType       string    `json:"objection_type"`
	Niche               string    `json:"niche"`
	PriceBand           string    `json:"price_band"`
	Persona             string    `json:"persona,omitempty"`
	StoryType           string    `json:"story_type"`
	RecommendedSegments []Segment `json:"recommended_segments"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RecommendsSegment reports whether the story is recommended for the
// segment.
func (s *ProofStory) RecommendsSegment(seg Segment) bool {
	for _, r := range s.RecommendedSegments {
		if r == seg {
			return true
		}
	}
	return false
}
