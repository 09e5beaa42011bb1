package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/funnelkit/followup-engine/internal/domain"
)

const prospectColumns = `id, agent_config_id, email, phone, first_name, last_name,
	consent_state, segment, watch_percentage, watch_duration_seconds, clicks,
	detected_objections, opted_out_at, opt_out_reason, created_at, updated_at`

// CreateProspect inserts a new prospect with active consent.
func (s *PostgresStore) CreateProspect(ctx context.Context, p *domain.Prospect) (*domain.Prospect, error) {
	clicks, err := json.Marshal(p.Metrics.Clicks)
	if err != nil {
		return nil, fmt.Errorf("marshaling clicks: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO prospects (id, agent_config_id, email, phone, first_name, last_name,
			consent_state, segment, watch_percentage, watch_duration_seconds, clicks, detected_objections)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $9, $10, $11)
		RETURNING `+prospectColumns,
		p.ID, p.AgentConfigID, p.Email, p.Phone, p.FirstName, p.LastName,
		p.Segment, p.Metrics.WatchPercentage, p.Metrics.WatchDurationSeconds, clicks, p.DetectedObjections,
	)

	created, err := scanProspect(row)
	if err != nil {
		return nil, fmt.Errorf("inserting prospect: %w", err)
	}
	return created, nil
}

// GetProspect returns a prospect by ID, or nil when absent.
func (s *PostgresStore) GetProspect(ctx context.Context, id string) (*domain.Prospect, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)

	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying prospect: %w", err)
	}
	return p, nil
}

// GetProspectByRecipient resolves a prospect from a channel address: phone
// for SMS, email otherwise.
func (s *PostgresStore) GetProspectByRecipient(ctx context.Context, ch domain.Channel, recipient string) (*domain.Prospect, error) {
	column := "email"
	if ch == domain.ChannelSMS {
		column = "phone"
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE `+column+` = $1 ORDER BY created_at DESC LIMIT 1`,
		recipient,
	)

	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying prospect by recipient: %w", err)
	}
	return p, nil
}

// UpdateEngagement stores fresh engagement metrics and the segment
// recomputed from them. Consent state is deliberately untouched here.
func (s *PostgresStore) UpdateEngagement(ctx context.Context, id string, metrics domain.EngagementMetrics, objections []string, seg domain.Segment) (*domain.Prospect, error) {
	clicks, err := json.Marshal(metrics.Clicks)
	if err != nil {
		return nil, fmt.Errorf("marshaling clicks: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE prospects
		SET watch_percentage = $2,
			watch_duration_seconds = $3,
			clicks = $4,
			detected_objections = $5,
			segment = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+prospectColumns,
		id, metrics.WatchPercentage, metrics.WatchDurationSeconds, clicks, objections, seg,
	)

	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating engagement: %w", err)
	}
	return p, nil
}

// OptOutProspect flips consent to opted_out. The WHERE guard makes the
// transition one-way and the call idempotent: replays and later engagement
// never reactivate consent.
func (s *PostgresStore) OptOutProspect(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prospects
		SET consent_state = 'opted_out', opted_out_at = $2, opt_out_reason = $3, updated_at = NOW()
		WHERE id = $1 AND consent_state = 'active'
	`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("opting out prospect: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanProspect(row pgx.Row) (*domain.Prospect, error) {
	var p domain.Prospect
	var clicks []byte
	err := row.Scan(
		&p.ID, &p.AgentConfigID, &p.Email, &p.Phone, &p.FirstName, &p.LastName,
		&p.ConsentState, &p.Segment, &p.Metrics.WatchPercentage, &p.Metrics.WatchDurationSeconds,
		&clicks, &p.DetectedObjections, &p.OptedOutAt, &p.OptOutReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(clicks) > 0 {
		if err := json.Unmarshal(clicks, &p.Metrics.Clicks); err != nil {
			return nil, fmt.Errorf("unmarshaling clicks: %w", err)
		}
	}
	return &p, nil
}
