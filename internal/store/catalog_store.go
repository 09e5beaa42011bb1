package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/funnelkit/followup-engine/internal/domain"
)

// GetAgentConfig returns an agent config by ID, or nil when absent.
func (s *PostgresStore) GetAgentConfig(ctx context.Context, id string) (*domain.AgentConfig, error) {
	var c domain.AgentConfig
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, sender_name, sender_email, sender_phone,
			offer_link, replay_link, booking_link, price, created_at
		FROM agent_configs WHERE id = $1
	`, id).Scan(
		&c.ID, &c.UserID, &c.SenderName, &c.SenderEmail, &c.SenderPhone,
		&c.OfferLink, &c.ReplayLink, &c.BookingLink, &c.Price, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying agent config: %w", err)
	}
	return &c, nil
}

// GetSequence returns a sequence by ID, or nil when absent.
func (s *PostgresStore) GetSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	var seq domain.Sequence
	var targets []string
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_config_id, name, trigger_event, trigger_delay_hours,
			deadline_hours, target_segments, total_messages, created_at
		FROM sequences WHERE id = $1
	`, id).Scan(
		&seq.ID, &seq.AgentConfigID, &seq.Name, &seq.TriggerEvent, &seq.TriggerDelayHours,
		&seq.DeadlineHours, &targets, &seq.TotalMessages, &seq.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying sequence: %w", err)
	}
	seq.TargetSegments = toSegments(targets)
	return &seq, nil
}

// OwnerOf resolves the user owning a sequence through its agent config.
func (s *PostgresStore) OwnerOf(ctx context.Context, sequenceID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `
		SELECT ac.user_id
		FROM sequences seq
		JOIN agent_configs ac ON ac.id = seq.agent_config_id
		WHERE seq.id = $1
	`, sequenceID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: sequence %s", domain.ErrNotFound, sequenceID)
		}
		return "", fmt.Errorf("querying sequence owner: %w", err)
	}
	return userID, nil
}

const messageColumns = `id, sequence_id, message_order, channel, send_delay_hours,
	subject_line, body_content, personalization_rules, primary_cta,
	ab_test_variant, variant_weight, updated_at`

// MessagesFor returns a sequence's messages ordered by message_order.
// Variants inside one order keep a stable secondary order by variant name.
func (s *PostgresStore) MessagesFor(ctx context.Context, sequenceID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE sequence_id = $1
		ORDER BY message_order, ab_test_variant
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// GetMessage returns a message by ID, or nil when absent.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var rules []byte
	err := row.Scan(
		&m.ID, &m.SequenceID, &m.MessageOrder, &m.Channel, &m.SendDelayHours,
		&m.SubjectLine, &m.BodyContent, &rules, &m.PrimaryCTA,
		&m.ABTestVariant, &m.VariantWeight, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &m.PersonalizationRules); err != nil {
			return nil, fmt.Errorf("unmarshaling personalization rules: %w", err)
		}
	}
	return &m, nil
}

func toSegments(values []string) []domain.Segment {
	if len(values) == 0 {
		return nil
	}
	segments := make([]domain.Segment, len(values))
	for i, v := range values {
		segments[i] = domain.Segment(v)
	}
	return segments
}
