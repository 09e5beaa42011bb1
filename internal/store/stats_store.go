package store

import (
	"context"
	"fmt"
)

// FunnelStats holds aggregated engine statistics.
type FunnelStats struct {
	TotalDeliveries     int            `json:"total_deliveries"`
	SentCount           int            `json:"sent_count"`
	DeliveredCount      int            `json:"delivered_count"`
	FailedCount         int            `json:"failed_count"`
	DeliveryRate        float64        `json:"delivery_rate"`
	OptedOutProspects   int            `json:"opted_out_prospects"`
	ActiveProspects     int            `json:"active_prospects"`
	SegmentDistribution map[string]int `json:"segment_distribution"`
	OpenEnrollments     int            `json:"open_enrollments"`
}

// GetFunnelStats returns aggregated delivery and prospect statistics.
func (s *PostgresStore) GetFunnelStats(ctx context.Context) (*FunnelStats, error) {
	stats := FunnelStats{SegmentDistribution: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM deliveries
	`).Scan(&stats.TotalDeliveries, &stats.SentCount, &stats.DeliveredCount, &stats.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}

	attempted := stats.SentCount + stats.DeliveredCount + stats.FailedCount
	if attempted > 0 {
		stats.DeliveryRate = float64(stats.DeliveredCount) / float64(attempted) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE consent_state = 'active'),
			COUNT(*) FILTER (WHERE consent_state = 'opted_out')
		FROM prospects
	`).Scan(&stats.ActiveProspects, &stats.OptedOutProspects)
	if err != nil {
		return nil, fmt.Errorf("querying prospect stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT segment, COUNT(*) FROM prospects GROUP BY segment`)
	if err != nil {
		return nil, fmt.Errorf("querying segment distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg string
		var count int
		if err := rows.Scan(&seg, &count); err != nil {
			return nil, fmt.Errorf("scanning segment distribution: %w", err)
		}
		stats.SegmentDistribution[seg] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE status <> 'completed'
	`).Scan(&stats.OpenEnrollments)
	if err != nil {
		return nil, fmt.Errorf("querying open enrollments: %w", err)
	}

	return &stats, nil
}
