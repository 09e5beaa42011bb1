package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/funnelkit/followup-engine/internal/domain"
)

const deliveryColumns = `id, prospect_id, message_id, enrollment_id, channel, status,
	provider_message_id, error_message, sent_at, delivered_at, created_at, updated_at`

// ClaimDelivery atomically inserts a pending delivery for a (prospect,
// message) pair. A partial unique index on (prospect_id, message_id)
// WHERE status <> 'failed' backs the at-most-once guarantee: when a
// non-failed delivery already exists, ON CONFLICT DO NOTHING makes this a
// no-op and the claim reports false.
func (s *PostgresStore) ClaimDelivery(ctx context.Context, d *domain.Delivery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, prospect_id, message_id, enrollment_id, channel, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (prospect_id, message_id) WHERE status <> 'failed' DO NOTHING
	`, d.ID, d.ProspectID, d.MessageID, d.EnrollmentID, d.Channel)
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeliverySent records a successful provider handoff.
func (s *PostgresStore) MarkDeliverySent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'sent', provider_message_id = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("marking delivery sent: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a terminal synchronous send failure.
func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	return nil
}

// MarkDeliveryDelivered applies a provider delivered event. Only a sent
// delivery transitions; replays report false and change nothing.
func (s *PostgresStore) MarkDeliveryDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'delivered', delivered_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("marking delivery delivered: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeliveryFailedByReconciler applies a provider failed event to a sent
// delivery. Replays and events for already-delivered rows change nothing.
func (s *PostgresStore) MarkDeliveryFailedByReconciler(ctx context.Context, id, errorMessage string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("marking delivery failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelPendingDeliveries fails a prospect's pending deliveries after an
// opt-out. An empty channel cancels across all channels.
func (s *PostgresStore) CancelPendingDeliveries(ctx context.Context, prospectID string, ch domain.Channel) (int64, error) {
	query := `
		UPDATE deliveries
		SET status = 'failed', error_message = 'opted out', updated_at = NOW()
		WHERE prospect_id = $1 AND status = 'pending'`
	args := []interface{}{prospectID}

	if ch != "" {
		query += ` AND channel = $2`
		args = append(args, ch)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cancelling pending deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStalePendingDeliveries times out pending rows older than the cutoff.
// A pending delivery only exists between claim and provider response, so
// anything older belongs to a worker that died mid-send.
func (s *PostgresStore) FailStalePendingDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'failed', error_message = 'send timed out', updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failing stale pending deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetDeliveryByProviderMessageID correlates a webhook event with its
// delivery, or nil when this instance does not track the message.
func (s *PostgresStore) GetDeliveryByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE provider_message_id = $1`,
		providerMessageID,
	)

	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery by provider message id: %w", err)
	}
	return d, nil
}

// GetDelivery returns a delivery by ID, or nil when absent.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)

	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns deliveries with optional filtering, newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, prospectID, enrollmentID string, status domain.DeliveryStatus, limit int) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if prospectID != "" {
		conditions = append(conditions, fmt.Sprintf("prospect_id = $%d", argIdx))
		args = append(args, prospectID)
		argIdx++
	}
	if enrollmentID != "" {
		conditions = append(conditions, fmt.Sprintf("enrollment_id = $%d", argIdx))
		args = append(args, enrollmentID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID, &d.ProspectID, &d.MessageID, &d.EnrollmentID, &d.Channel, &d.Status,
		&d.ProviderMessageID, &d.ErrorMessage, &d.SentAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
