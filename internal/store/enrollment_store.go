package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// CreateEnrollment inserts a new enrollment in the enrolled state.
func (s *PostgresStore) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollments (id, prospect_id, sequence_id, trigger_time, window_end, status)
		VALUES ($1, $2, $3, $4, $5, 'enrolled')
	`, e.ID, e.ProspectID, e.SequenceID, e.TriggerTime, e.WindowEnd)
	if err != nil {
		return fmt.Errorf("inserting enrollment: %w", err)
	}
	return nil
}

// MarkEnrollmentScheduling records the number of queued jobs and moves the
// enrollment into scheduling.
func (s *PostgresStore) MarkEnrollmentScheduling(ctx context.Context, id string, scheduledCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'scheduling', scheduled_count = $2, updated_at = NOW()
		WHERE id = $1
	`, id, scheduledCount)
	if err != nil {
		return fmt.Errorf("marking enrollment scheduling: %w", err)
	}
	return nil
}

// CompleteEnrollment closes an enrollment directly (used when nothing fit
// inside the deadline window).
func (s *PostgresStore) CompleteEnrollment(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET status = 'completed', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("completing enrollment: %w", err)
	}
	return nil
}

// MarkEnrollmentAttempted counts one attempted-or-skipped message and
// completes the enrollment once every scheduled message is accounted for.
func (s *PostgresStore) MarkEnrollmentAttempted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET attempted_count = attempted_count + 1,
			status = CASE
				WHEN attempted_count + 1 >= scheduled_count THEN 'completed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("marking enrollment attempted: %w", err)
	}
	return nil
}

// GetEnrollment returns an enrollment by ID, or nil when absent.
func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := s.pool.QueryRow(ctx, `
		SELECT id, prospect_id, sequence_id, trigger_time, window_end, status,
			scheduled_count, attempted_count, created_at, updated_at
		FROM enrollments WHERE id = $1
	`, id).Scan(
		&e.ID, &e.ProspectID, &e.SequenceID, &e.TriggerTime, &e.WindowEnd, &e.Status,
		&e.ScheduledCount, &e.AttemptedCount, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying enrollment: %w", err)
	}
	return &e, nil
}
