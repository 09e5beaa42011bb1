package content

import (
	"testing"
	"time"

	"github.com/funnelkit/followup-engine/internal/domain"
)

func story(id, objection, niche, priceBand string, segs []domain.Segment, updated time.Time) domain.ProofStory {
	return domain.ProofStory{
		ID:                  id,
		Title:               "story " + id,
		ObjectionType:       objection,
		Niche:               niche,
		PriceBand:           priceBand,
		StoryType:           "case_study",
		RecommendedSegments: segs,
		UpdatedAt:           updated,
	}
}

func TestScore(t *testing.T) {
	in := Input{
		Segment:            domain.SegmentEngaged,
		DetectedObjections: []string{"price", "time"},
		Niche:              "fitness",
		PriceBand:          "mid",
	}

	tests := []struct {
		name  string
		story domain.ProofStory
		want  int
	}{
		{
			name:  "full match",
			story: story("a", "price", "fitness", "mid", []domain.Segment{domain.SegmentEngaged}, time.Now()),
			want:  7,
		},
		{
			name:  "objection only",
			story: story("b", "time", "saas", "high", nil, time.Now()),
			want:  3,
		},
		{
			name:  "niche and price band",
			story: story("c", "trust", "fitness", "mid", nil, time.Now()),
			want:  3,
		},
		{
			name:  "segment recommendation only",
			story: story("d", "", "coaching", "low", []domain.Segment{domain.SegmentEngaged, domain.SegmentHot}, time.Now()),
			want:  1,
		},
		{
			name:  "no match",
			story: story("e", "trust", "saas", "high", []domain.Segment{domain.SegmentHot}, time.Now()),
			want:  0,
		},
		{
			name:  "objection match is case-insensitive",
			story: story("f", "Price", "saas", "high", nil, time.Now()),
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(in, &tt.story); got != tt.want {
				t.Errorf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelect_OrderingAndExclusion(t *testing.T) {
	now := time.Now()
	in := Input{
		Segment:            domain.SegmentHot,
		DetectedObjections: []string{"price"},
		Niche:              "fitness",
		PriceBand:          "mid",
	}

	candidates := []domain.ProofStory{
		story("low", "", "fitness", "", nil, now),                                         // score 2
		story("zero", "trust", "saas", "high", nil, now),                                  // excluded
		story("top", "price", "fitness", "mid", []domain.Segment{domain.SegmentHot}, now), // score 7
		story("mid", "price", "saas", "", nil, now),                                       // score 3
	}

	got := Select(in, candidates, 10)

	wantOrder := []string{"top", "mid", "low"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d stories, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestSelect_TieBreaksOnMostRecentlyUpdated(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	in := Input{DetectedObjections: []string{"price"}}
	candidates := []domain.ProofStory{
		story("old", "price", "", "", nil, older),
		story("new", "price", "", "", nil, newer),
	}

	got := Select(in, candidates, 2)
	if len(got) != 2 {
		t.Fatalf("got %d stories, want 2", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("tie-break order = [%s, %s], want [new, old]", got[0].ID, got[1].ID)
	}
}

func TestSelect_TruncatesToMaxStories(t *testing.T) {
	now := time.Now()
	in := Input{DetectedObjections: []string{"price"}}

	var candidates []domain.ProofStory
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		candidates = append(candidates, story(id, "price", "", "", nil, now))
	}

	got := Select(in, candidates, 2)
	if len(got) != 2 {
		t.Errorf("got %d stories, want 2", len(got))
	}
}

func TestSelect_EmptyWhenNothingScores(t *testing.T) {
	in := Input{Segment: domain.SegmentNoShow, Niche: "fitness"}
	candidates := []domain.ProofStory{
		story("a", "price", "saas", "high", []domain.Segment{domain.SegmentHot}, time.Now()),
	}

	got := Select(in, candidates, 5)
	if len(got) != 0 {
		t.Errorf("got %d stories, want 0", len(got))
	}
}

func TestSelect_ZeroMaxStories(t *testing.T) {
	in := Input{DetectedObjections: []string{"price"}}
	candidates := []domain.ProofStory{story("a", "price", "", "", nil, time.Now())}

	if got := Select(in, candidates, 0); len(got) != 0 {
		t.Errorf("max_stories 0 should select nothing, got %d", len(got))
	}
}
