package domain

import (
	"time"
)

// AgentConfig is the campaign owner's configuration bundle: sender
// identity, links used in message tokens and compliance flags. Read-only
// to this engine during a dispatch run.
type AgentConfig struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	SenderPhone string    `json:"sender_phone,omitempty"`
	OfferLink   string    `json:"offer_link,omitempty"`
	ReplayLink  string    `json:"replay_link,omitempty"`
	BookingLink string    `json:"booking_link,omitempty"`
	Price       string    `json:"price,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sequence is a time-boxed, ordered set of messages triggered by one
// engagement event. Mutating a sequence never retroactively changes
// deliveries that were already created.
type Sequence struct {
	ID                string    `json:"id"`
	AgentConfigID     string    `json:"agent_config_id"`
	Name              string    `json:"name"`
	TriggerEvent      string    `json:"trigger_event"`
	TriggerDelayHours int       `json:"trigger_delay_hours"`
	DeadlineHours     int       `json:"deadline_hours"`
	TargetSegments    []Segment `json:"target_segments"`
	TotalMessages     int       `json:"total_messages"`
	CreatedAt         time.Time `json:"created_at"`
}

// TargetsSegment reports whether the sequence includes the segment. An
// empty target list targets everyone.
func (s *Sequence) TargetsSegment(seg Segment) bool {
	if len(s.TargetSegments) == 0 {
		return true
	}
	for _, t := range s.TargetSegments {
		if t == seg {
			return true
		}
	}
	return false
}

// Personalization adjusts tone and call-to-action per segment. It never
// gates whether a message is sent.
type Personalization struct {
	Tone string `json:"tone,omitempty"`
	CTA  string `json:"cta,omitempty"`
}

// Message is one templated message inside a sequence. Messages sharing a
// message_order are A/B variants of the same slot.
type Message struct {
	ID                   string                      `json:"id"`
	SequenceID           string                      `json:"sequence_id"`
	MessageOrder         int                         `json:"message_order"`
	Channel              Channel                     `json:"channel"`
	SendDelayHours       int                         `json:"send_delay_hours"`
	SubjectLine          string                      `json:"subject_line,omitempty"`
	BodyContent          string                      `json:"body_content"`
	PersonalizationRules map[Segment]Personalization `json:"personalization_rules,omitempty"`
	PrimaryCTA           string                      `json:"primary_cta,omitempty"`
	ABTestVariant        string                      `json:"ab_test_variant,omitempty"`
	VariantWeight        int                         `json:"variant_weight"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

// EnrollmentStatus tracks one prospect's progress through a sequence.
type EnrollmentStatus string

const (
	EnrollmentEnrolled   EnrollmentStatus = "enrolled"
	EnrollmentScheduling EnrollmentStatus = "scheduling"
	EnrollmentCompleted  EnrollmentStatus = "completed"
)

// Enrollment is one (prospect, sequence) run. It reaches completed once
// every scheduled message has been attempted or skipped.
type Enrollment struct {
	ID             string           `json:"id"`
	ProspectID     string           `json:"prospect_id"`
	SequenceID     string           `json:"sequence_id"`
	TriggerTime    time.Time        `json:"trigger_time"`
	WindowEnd      time.Time        `json:"window_end"`
	Status         EnrollmentStatus `json:"status"`
	ScheduledCount int              `json:"scheduled_count"`
	AttemptedCount int              `json:"attempted_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
