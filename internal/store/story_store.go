package store

import (
	"context"
	"fmt"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// ListStories returns the proof-content candidates for an agent config.
// Scoring and ranking happen in the content selector; this is just the
// candidate pool.
func (s *PostgresStore) ListStories(ctx context.Context, agentConfigID string) ([]domain.ProofStory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_config_id, title, objection_type, niche, price_band,
			persona, story_type, recommended_segments, updated_at
		FROM proof_stories
		WHERE agent_config_id = $1
	`, agentConfigID)
	if err != nil {
		return nil, fmt.Errorf("querying proof stories: %w", err)
	}
	defer rows.Close()

	stories := []domain.ProofStory{}
	for rows.Next() {
		var story domain.ProofStory
		var segments []string
		err := rows.Scan(
			&story.ID, &story.AgentConfigID, &story.Title, &story.ObjectionType,
			&story.Niche, &story.PriceBand, &story.Persona, &story.StoryType,
			&segments, &story.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning proof story: %w", err)
		}
		story.RecommendedSegments = toSegments(segments)
		stories = append(stories, story)
	}
	return stories, rows.Err()
}
